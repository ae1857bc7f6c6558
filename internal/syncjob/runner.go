// Package syncjob schedules per-tenant SEFAZ invoice syncs: admission via
// the cooldown calculator, bounded NSU-batched fetching, and the job-run
// ledger.
package syncjob

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brunodmn/notazap/internal/db"
	"github.com/brunodmn/notazap/internal/metrics"
	"github.com/brunodmn/notazap/internal/sefaz"
)

// Repository is the persistence the runner depends on. Implemented by
// db.SyncRepository; tests supply fakes.
type Repository interface {
	ListSyncCandidates(ctx context.Context) ([]*db.Company, error)
	GetSyncState(ctx context.Context, companyID uuid.UUID) (*db.DfeSyncState, error)
	RecordSyncAttempt(ctx context.Context, companyID uuid.UUID, status string, succeeded bool, ultNSU int64) error
	UpdateCursor(ctx context.Context, companyID uuid.UUID, ultNSU int64) error
	StartJobRun(ctx context.Context, jobName string, companyID *uuid.UUID) (*db.JobRun, error)
	CloseJobRun(ctx context.Context, id uuid.UUID, status db.JobRunStatus, runErr *string, batches, docs int) error
}

// Config tunes the runner. Zero values get defaults.
type Config struct {
	JobName    string
	Interval   time.Duration // how often the runner scans for eligible tenants
	MaxBatches int           // protocol batches per run, caps upstream load
	RunTimeout time.Duration // wall-clock budget for one tenant's run
}

// Runner is the recurring sync scheduler.
type Runner struct {
	repo   Repository
	client sefaz.Client
	calc   *sefaz.CooldownCalculator
	config Config
	logger *zap.Logger
}

// New creates a sync job runner.
func New(repo Repository, client sefaz.Client, calc *sefaz.CooldownCalculator, cfg Config, logger *zap.Logger) *Runner {
	if cfg.JobName == "" {
		cfg.JobName = "hourly_nfe_sync"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxBatches == 0 {
		cfg.MaxBatches = 10
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = 3 * time.Minute
	}

	return &Runner{
		repo:   repo,
		client: client,
		calc:   calc,
		config: cfg,
		logger: logger,
	}
}

// Start runs sync cycles until the context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sync runner stopping")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle scans all sync candidates once, syncing the eligible ones.
func (r *Runner) RunCycle(ctx context.Context) {
	companies, err := r.repo.ListSyncCandidates(ctx)
	if err != nil {
		r.logger.Error("failed to list sync candidates", zap.Error(err))
		return
	}

	for _, company := range companies {
		if ctx.Err() != nil {
			return
		}

		state, err := r.repo.GetSyncState(ctx, company.ID)
		if err != nil {
			r.logger.Error("failed to load sync state",
				zap.Error(err),
				zap.String("company_id", company.ID.String()),
			)
			continue
		}

		override := time.Duration(company.SyncIntervalSeconds) * time.Second
		wait := r.calc.WaitSeconds(state, override, time.Now())
		if wait > 0 {
			metrics.RecordSyncCooldownSkip()
			r.logger.Debug("tenant cooling down, skipping",
				zap.String("company_id", company.ID.String()),
				zap.Int64("wait_seconds", wait),
				zap.String("ultimo_status", state.UltimoStatus),
			)
			continue
		}

		r.syncCompany(ctx, company, state)
	}
}

// syncCompany executes one tenant's run: ledger entry opened, batches
// fetched up to the configured cap, cursor persisted after each batch so a
// failed run resumes instead of re-fetching.
func (r *Runner) syncCompany(ctx context.Context, company *db.Company, state *db.DfeSyncState) {
	companyID := company.ID
	run, err := r.repo.StartJobRun(ctx, r.config.JobName, &companyID)
	if err != nil {
		r.logger.Error("failed to open job run",
			zap.Error(err),
			zap.String("company_id", companyID.String()),
		)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, r.config.RunTimeout)
	defer cancel()

	cursor := state.UltNSU
	batches := 0
	docs := 0

	for batches < r.config.MaxBatches {
		batch, err := r.client.FetchBatch(runCtx, companyID, cursor)
		if err != nil {
			r.failRun(ctx, run.ID, companyID, cursor, batches, docs, err)
			return
		}

		batches++
		docs += len(batch.Documents)
		cursor = batch.NextCursor
		metrics.RecordSyncBatch()

		if err := r.repo.UpdateCursor(ctx, companyID, cursor); err != nil {
			r.failRun(ctx, run.ID, companyID, cursor, batches, docs, err)
			return
		}

		if batch.Done {
			break
		}
	}

	if err := r.repo.CloseJobRun(ctx, run.ID, db.JobRunSuccess, nil, batches, docs); err != nil {
		r.logger.Error("failed to close job run", zap.Error(err),
			zap.String("run_id", run.ID.String()))
	}
	if err := r.repo.RecordSyncAttempt(ctx, companyID, db.SyncStatusSuccess, true, cursor); err != nil {
		r.logger.Error("failed to record sync success", zap.Error(err),
			zap.String("company_id", companyID.String()))
	}

	metrics.RecordSyncRun(string(db.JobRunSuccess))
	r.logger.Info("sync run finished",
		zap.String("company_id", companyID.String()),
		zap.Int("batches", batches),
		zap.Int("docs", docs),
		zap.Int64("ult_nsu", cursor),
	)
}

// failRun closes the run as failed with sanitized error text and records
// the failure class on the sync state so the cooldown calculator reacts:
// an upstream rate-limit block gets the extended penalty window.
func (r *Runner) failRun(ctx context.Context, runID, companyID uuid.UUID, cursor int64, batches, docs int, cause error) {
	clean, rateLimited := sefaz.Sanitize(cause.Error())

	status := db.SyncStatusFailed
	if rateLimited {
		status = db.SyncStatusCooldown
	}

	if err := r.repo.CloseJobRun(ctx, runID, db.JobRunFailed, &clean, batches, docs); err != nil {
		r.logger.Error("failed to close job run", zap.Error(err),
			zap.String("run_id", runID.String()))
	}
	if err := r.repo.RecordSyncAttempt(ctx, companyID, status, false, cursor); err != nil {
		r.logger.Error("failed to record sync failure", zap.Error(err),
			zap.String("company_id", companyID.String()))
	}

	metrics.RecordSyncRun(string(db.JobRunFailed))
	r.logger.Warn("sync run failed",
		zap.String("company_id", companyID.String()),
		zap.String("status", status),
		zap.Bool("rate_limited", rateLimited),
		zap.Int("batches", batches),
		zap.String("error", clean),
	)
}
