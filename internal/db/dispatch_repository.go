package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrStaleDispatch is returned when a conditional status update matched no
// row, meaning another worker (or the lease reaper) got there first.
var ErrStaleDispatch = errors.New("dispatch status changed concurrently")

// ErrDispatchNotFound is returned when a dispatch id does not exist.
var ErrDispatchNotFound = errors.New("dispatch not found")

// DispatchRepository handles database operations for the dispatch queue.
type DispatchRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDispatchRepository creates a new dispatch queue repository.
func NewDispatchRepository(db *DB, logger *zap.Logger) *DispatchRepository {
	return &DispatchRepository{
		db:     db,
		logger: logger,
	}
}

const dispatchColumns = `
	id, company_id, instance_name, to_phone_e164, intent, content,
	status, attempts, max_attempts, next_attempt_at, claimed_at,
	sent_at, error_code, error_message, created_at, updated_at
`

func scanDispatch(row pgx.Row) (*MessageDispatch, error) {
	var d MessageDispatch
	err := row.Scan(
		&d.ID,
		&d.CompanyID,
		&d.InstanceName,
		&d.ToPhoneE164,
		&d.Intent,
		&d.Content,
		&d.Status,
		&d.Attempts,
		&d.MaxAttempts,
		&d.NextAttemptAt,
		&d.ClaimedAt,
		&d.SentAt,
		&d.ErrorCode,
		&d.ErrorMessage,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDispatch inserts a new queued message.
func (r *DispatchRepository) CreateDispatch(ctx context.Context, d *MessageDispatch) error {
	query := `
		INSERT INTO message_dispatches (
			id, company_id, instance_name, to_phone_e164, intent, content,
			status, attempts, max_attempts, next_attempt_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		d.ID,
		d.CompanyID,
		d.InstanceName,
		d.ToPhoneE164,
		d.Intent,
		d.Content,
		d.Status,
		d.Attempts,
		d.MaxAttempts,
		d.NextAttemptAt,
	).Scan(&d.CreatedAt, &d.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create dispatch",
			zap.Error(err),
			zap.String("dispatch_id", d.ID.String()),
		)
		return fmt.Errorf("insert dispatch: %w", err)
	}

	r.logger.Info("dispatch enqueued",
		zap.String("dispatch_id", d.ID.String()),
		zap.String("company_id", d.CompanyID.String()),
		zap.String("intent", d.Intent),
	)

	return nil
}

// GetDispatch retrieves a dispatch by ID.
func (r *DispatchRepository) GetDispatch(ctx context.Context, id uuid.UUID) (*MessageDispatch, error) {
	query := `SELECT ` + dispatchColumns + ` FROM message_dispatches WHERE id = $1`

	d, err := scanDispatch(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrDispatchNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query dispatch: %w", err)
	}
	return d, nil
}

// ClaimNext atomically claims the oldest eligible dispatch and moves it to
// `sending`. Eligible rows are queued, retry with next_attempt_at elapsed,
// or sending rows whose claim lease expired (worker crashed mid-send).
// Returns (nil, nil) when the queue has no eligible work.
func (r *DispatchRepository) ClaimNext(ctx context.Context, lease time.Duration) (*MessageDispatch, error) {
	query := `
		UPDATE message_dispatches SET
			status = 'sending',
			claimed_at = NOW(),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM message_dispatches
			WHERE status = 'queued'
			   OR (status = 'retry' AND next_attempt_at <= NOW())
			   OR (status = 'sending' AND claimed_at < NOW() - $1::interval)
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + dispatchColumns

	interval := fmt.Sprintf("%d milliseconds", lease.Milliseconds())

	d, err := scanDispatch(r.db.Pool().QueryRow(ctx, query, interval))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim dispatch: %w", err)
	}
	return d, nil
}

// MarkSent records terminal success for a claimed dispatch. Conditional on
// the row still being `sending`; anything else means the claim went stale.
func (r *DispatchRepository) MarkSent(ctx context.Context, id uuid.UUID, attempts int) error {
	query := `
		UPDATE message_dispatches SET
			status = 'sent',
			attempts = $1,
			sent_at = NOW(),
			error_code = NULL,
			error_message = NULL,
			next_attempt_at = NULL,
			claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $2 AND status = 'sending'
	`

	result, err := r.db.Pool().Exec(ctx, query, attempts, id)
	if err != nil {
		return fmt.Errorf("mark dispatch sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrStaleDispatch, id)
	}
	return nil
}

// MarkRetry schedules another attempt after a transient failure.
func (r *DispatchRepository) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time, errCode, errMsg string) error {
	query := `
		UPDATE message_dispatches SET
			status = 'retry',
			attempts = $1,
			next_attempt_at = $2,
			error_code = $3,
			error_message = $4,
			claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $5 AND status = 'sending'
	`

	result, err := r.db.Pool().Exec(ctx, query, attempts, nextAttemptAt, errCode, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark dispatch retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrStaleDispatch, id)
	}
	return nil
}

// MarkDead dead-letters a dispatch: retry budget exhausted or the failure
// was classified as non-retryable.
func (r *DispatchRepository) MarkDead(ctx context.Context, id uuid.UUID, attempts int, errCode, errMsg string) error {
	query := `
		UPDATE message_dispatches SET
			status = 'dead',
			attempts = $1,
			error_code = $2,
			error_message = $3,
			claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $4 AND status = 'sending'
	`

	result, err := r.db.Pool().Exec(ctx, query, attempts, errCode, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark dispatch dead: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrStaleDispatch, id)
	}

	r.logger.Warn("dispatch dead-lettered",
		zap.String("dispatch_id", id.String()),
		zap.Int("attempts", attempts),
		zap.String("error_code", errCode),
	)
	return nil
}

// Release returns a claimed dispatch to the eligible pool without consuming
// an attempt. Used when admission is denied (rate limit, missing policy)
// before any send was made.
func (r *DispatchRepository) Release(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error {
	query := `
		UPDATE message_dispatches SET
			status = 'retry',
			next_attempt_at = $1,
			claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $2 AND status = 'sending'
	`

	result, err := r.db.Pool().Exec(ctx, query, nextAttemptAt, id)
	if err != nil {
		return fmt.Errorf("release dispatch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrStaleDispatch, id)
	}
	return nil
}

// MarkFailed terminally rejects a dispatch that never reached the attempt
// loop (e.g. validation discovered a bad target after enqueue). Only a
// still-queued record can fail this way.
func (r *DispatchRepository) MarkFailed(ctx context.Context, id uuid.UUID, errCode, errMsg string) error {
	query := `
		UPDATE message_dispatches SET
			status = 'failed',
			error_code = $1,
			error_message = $2,
			updated_at = NOW()
		WHERE id = $3 AND status = 'queued'
	`

	result, err := r.db.Pool().Exec(ctx, query, errCode, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark dispatch failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrStaleDispatch, id)
	}
	return nil
}

// ListDispatches retrieves dispatch history with optional status and
// company filters, newest first.
func (r *DispatchRepository) ListDispatches(ctx context.Context, status *DispatchStatus, companyID *uuid.UUID, limit, offset int) ([]*MessageDispatch, error) {
	query := `
		SELECT ` + dispatchColumns + `
		FROM message_dispatches
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2::uuid IS NULL OR company_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, status, companyID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	var dispatches []*MessageDispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		dispatches = append(dispatches, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return dispatches, nil
}

// Stats returns the queue depth per lifecycle state.
func (r *DispatchRepository) Stats(ctx context.Context) (*QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'sending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'retry'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'dead')
		FROM message_dispatches
	`

	var s QueueStats
	err := r.db.Pool().QueryRow(ctx, query).Scan(
		&s.Queued, &s.Sending, &s.Sent, &s.Retry, &s.Failed, &s.Dead,
	)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	return &s, nil
}
