package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SyncRepository handles database operations for per-company sync state
// and the append-only job-run ledger.
type SyncRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSyncRepository creates a new sync state repository.
func NewSyncRepository(db *DB, logger *zap.Logger) *SyncRepository {
	return &SyncRepository{
		db:     db,
		logger: logger,
	}
}

// ListSyncCandidates returns companies whose service type requires invoice
// sync and whose certificate is active. Cooldown filtering happens in the
// runner, which needs the timestamps anyway.
func (r *SyncRepository) ListSyncCandidates(ctx context.Context) ([]*Company, error) {
	query := `
		SELECT id, name, service_type, certificate_status, sync_interval_seconds
		FROM companies
		WHERE service_type = $1 AND certificate_status = $2
		ORDER BY name ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, ServiceTypeFiscal, CertificateActive)
	if err != nil {
		return nil, fmt.Errorf("query sync candidates: %w", err)
	}
	defer rows.Close()

	var companies []*Company
	for rows.Next() {
		var c Company
		if err := rows.Scan(&c.ID, &c.Name, &c.ServiceType, &c.CertificateStatus, &c.SyncIntervalSeconds); err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		companies = append(companies, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return companies, nil
}

// GetSyncState retrieves a company's sync state. A company with no state
// row yet has never synced; an empty record is returned in that case.
func (r *SyncRepository) GetSyncState(ctx context.Context, companyID uuid.UUID) (*DfeSyncState, error) {
	query := `
		SELECT company_id, ultimo_sync_at, ultimo_sucesso_at, ultimo_status, ult_nsu, updated_at
		FROM dfe_sync_states
		WHERE company_id = $1
	`

	var s DfeSyncState
	err := r.db.Pool().QueryRow(ctx, query, companyID).Scan(
		&s.CompanyID,
		&s.UltimoSyncAt,
		&s.UltimoSucessoAt,
		&s.UltimoStatus,
		&s.UltNSU,
		&s.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return &DfeSyncState{CompanyID: companyID, UltimoStatus: SyncStatusPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sync state: %w", err)
	}
	return &s, nil
}

// RecordSyncAttempt upserts the company's sync state after a run. The
// success timestamp is only touched when the run succeeded.
func (r *SyncRepository) RecordSyncAttempt(ctx context.Context, companyID uuid.UUID, status string, succeeded bool, ultNSU int64) error {
	query := `
		INSERT INTO dfe_sync_states (company_id, ultimo_sync_at, ultimo_sucesso_at, ultimo_status, ult_nsu, updated_at)
		VALUES ($1, NOW(), CASE WHEN $2 THEN NOW() END, $3, $4, NOW())
		ON CONFLICT (company_id) DO UPDATE SET
			ultimo_sync_at = NOW(),
			ultimo_sucesso_at = CASE WHEN $2 THEN NOW() ELSE dfe_sync_states.ultimo_sucesso_at END,
			ultimo_status = $3,
			ult_nsu = $4,
			updated_at = NOW()
	`

	if _, err := r.db.Pool().Exec(ctx, query, companyID, succeeded, status, ultNSU); err != nil {
		return fmt.Errorf("record sync attempt: %w", err)
	}
	return nil
}

// UpdateCursor persists the NSU cursor mid-run so a failed run resumes
// where the last successful batch left off.
func (r *SyncRepository) UpdateCursor(ctx context.Context, companyID uuid.UUID, ultNSU int64) error {
	query := `
		INSERT INTO dfe_sync_states (company_id, ultimo_status, ult_nsu, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (company_id) DO UPDATE SET
			ult_nsu = GREATEST(dfe_sync_states.ult_nsu, $3),
			updated_at = NOW()
	`

	if _, err := r.db.Pool().Exec(ctx, query, companyID, SyncStatusPending, ultNSU); err != nil {
		return fmt.Errorf("update sync cursor: %w", err)
	}
	return nil
}

// StartJobRun opens a new ledger entry with status `running`.
func (r *SyncRepository) StartJobRun(ctx context.Context, jobName string, companyID *uuid.UUID) (*JobRun, error) {
	run := &JobRun{
		ID:        uuid.New(),
		JobName:   jobName,
		CompanyID: companyID,
		Status:    JobRunRunning,
	}

	query := `
		INSERT INTO job_runs (id, job_name, company_id, status, started_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING started_at
	`

	err := r.db.Pool().QueryRow(ctx, query, run.ID, run.JobName, run.CompanyID, run.Status).Scan(&run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job run: %w", err)
	}
	return run, nil
}

// CloseJobRun finishes a ledger entry. Conditional on the run still being
// `running` so a run is never closed twice.
func (r *SyncRepository) CloseJobRun(ctx context.Context, id uuid.UUID, status JobRunStatus, runErr *string, batches, docs int) error {
	query := `
		UPDATE job_runs SET
			status = $1,
			ended_at = NOW(),
			error = $2,
			batches = $3,
			docs = $4
		WHERE id = $5 AND status = 'running'
	`

	result, err := r.db.Pool().Exec(ctx, query, status, runErr, batches, docs, id)
	if err != nil {
		return fmt.Errorf("close job run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job run not running: %s", id)
	}
	return nil
}

// ListJobRuns retrieves job-run history, newest first, optionally filtered
// by company.
func (r *SyncRepository) ListJobRuns(ctx context.Context, companyID *uuid.UUID, limit, offset int) ([]*JobRun, error) {
	query := `
		SELECT id, job_name, company_id, status, started_at, ended_at, error, batches, docs
		FROM job_runs
		WHERE ($1::uuid IS NULL OR company_id = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, companyID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	var runs []*JobRun
	for rows.Next() {
		var run JobRun
		err := rows.Scan(
			&run.ID,
			&run.JobName,
			&run.CompanyID,
			&run.Status,
			&run.StartedAt,
			&run.EndedAt,
			&run.Error,
			&run.Batches,
			&run.Docs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return runs, nil
}

// StaleRunningJobRuns flags ledger entries stuck in `running` longer than
// the given age. Used by monitoring; the runner itself always closes runs.
func (r *SyncRepository) StaleRunningJobRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		SELECT COUNT(*) FROM job_runs
		WHERE status = 'running' AND started_at < NOW() - $1::interval
	`

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, interval).Scan(&count); err != nil {
		return 0, fmt.Errorf("query stale job runs: %w", err)
	}
	return count, nil
}
