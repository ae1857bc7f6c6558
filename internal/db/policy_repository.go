package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// PolicyRepository handles database operations for rate-limit policies.
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository.
func NewPolicyRepository(db *DB, logger *zap.Logger) *PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

const policyColumns = `
	id, scope, instance_name, company_id, max_per_minute,
	min_delay_ms, max_delay_ms, burst, active, created_at
`

// ListActivePolicies returns the current active policy set. Read fresh on
// every admission decision so replace-all stays race-free.
func (r *PolicyRepository) ListActivePolicies(ctx context.Context) ([]*RateLimitPolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM rate_limit_policies
		WHERE active
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active policies: %w", err)
	}
	defer rows.Close()

	var policies []*RateLimitPolicy
	for rows.Next() {
		var p RateLimitPolicy
		err := rows.Scan(
			&p.ID,
			&p.Scope,
			&p.InstanceName,
			&p.CompanyID,
			&p.MaxPerMinute,
			&p.MinDelayMs,
			&p.MaxDelayMs,
			&p.Burst,
			&p.Active,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return policies, nil
}

// ReplaceActivePolicies deactivates the current set and inserts the new one
// in a single transaction. Policies are copy-on-write: the old rows stay
// for audit, only their active flag flips.
func (r *PolicyRepository) ReplaceActivePolicies(ctx context.Context, policies []*RateLimitPolicy) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE rate_limit_policies SET active = FALSE WHERE active`); err != nil {
		return fmt.Errorf("deactivate policies: %w", err)
	}

	insertQuery := `
		INSERT INTO rate_limit_policies (
			id, scope, instance_name, company_id, max_per_minute,
			min_delay_ms, max_delay_ms, burst, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		RETURNING created_at
	`

	for _, p := range policies {
		err := tx.QueryRow(ctx, insertQuery,
			p.ID,
			p.Scope,
			p.InstanceName,
			p.CompanyID,
			p.MaxPerMinute,
			p.MinDelayMs,
			p.MaxDelayMs,
			p.Burst,
		).Scan(&p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert policy: %w", err)
		}
		p.Active = true
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("rate limit policy set replaced",
		zap.Int("policies", len(policies)),
	)

	return nil
}
