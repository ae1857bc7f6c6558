// Package dispatch drains the persistent message queue: claiming eligible
// records, enforcing the resolved rate-limit policy, calling the WhatsApp
// gateway, and applying the status state machine.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brunodmn/notazap/internal/circuitbreaker"
	"github.com/brunodmn/notazap/internal/db"
	"github.com/brunodmn/notazap/internal/gateway"
	"github.com/brunodmn/notazap/internal/metrics"
	"github.com/brunodmn/notazap/internal/pacing"
	"github.com/brunodmn/notazap/internal/policy"
)

// Repository is the dispatch-queue persistence the workers depend on.
// Implemented by db.DispatchRepository; tests supply fakes.
type Repository interface {
	ClaimNext(ctx context.Context, lease time.Duration) (*db.MessageDispatch, error)
	MarkSent(ctx context.Context, id uuid.UUID, attempts int) error
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time, errCode, errMsg string) error
	MarkDead(ctx context.Context, id uuid.UUID, attempts int, errCode, errMsg string) error
	Release(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error
}

// Resolver picks the governing rate-limit policy for a target.
type Resolver interface {
	Resolve(ctx context.Context, target policy.Target) (*db.RateLimitPolicy, error)
}

// Config tunes the worker pool. Zero values get defaults.
type Config struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	SendTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Pool runs N workers against the shared dispatch queue. The datastore is
// the source of truth; workers coordinate only through conditional updates,
// so multiple pools (processes) can run safely side by side.
type Pool struct {
	repo     Repository
	resolver Resolver
	pacer    pacing.Pacer
	sender   gateway.Sender
	config   Config
	logger   *zap.Logger
}

// New creates a dispatch worker pool.
func New(repo Repository, resolver Resolver, pacer pacing.Pacer, sender gateway.Sender, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Lease == 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 10 * time.Minute
	}

	return &Pool{
		repo:     repo,
		resolver: resolver,
		pacer:    pacer,
		sender:   sender,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs the pool until the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.runWorker(ctx, n)
		}(i)
	}
	wg.Wait()
	p.logger.Info("dispatch pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, n int) {
	logger := p.logger.With(zap.Int("worker", n))

	for {
		if ctx.Err() != nil {
			return
		}

		d, err := p.repo.ClaimNext(ctx, p.config.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Persistence trouble is fatal-adjacent: log and back off hard
			// rather than spin. State transitions must never be guessed.
			logger.Error("claim failed", zap.Error(err))
			sleep(ctx, p.config.PollInterval*5)
			continue
		}

		if d == nil {
			sleep(ctx, p.config.PollInterval)
			continue
		}

		p.process(ctx, logger, d)
	}
}

// process enforces admission then attempts the send, applying exactly one
// state transition for the claimed record.
func (p *Pool) process(ctx context.Context, logger *zap.Logger, d *db.MessageDispatch) {
	target := policy.Target{
		InstanceName: d.InstanceName,
		CompanyID:    d.CompanyID,
		ContactPhone: d.ToPhoneE164,
	}

	pol, err := p.resolver.Resolve(ctx, target)
	if err != nil {
		if errors.Is(err, policy.ErrNoActivePolicy) {
			// Fail closed: no policy, no sends. Park and re-check later.
			metrics.RecordRateLimitRejection("none")
			p.release(ctx, logger, d, time.Minute)
			return
		}
		logger.Error("policy resolution failed", zap.Error(err),
			zap.String("dispatch_id", d.ID.String()))
		p.release(ctx, logger, d, p.config.PollInterval*5)
		return
	}

	decision, err := p.pacer.Admit(ctx, pol.ScopeKey(), pol)
	if err != nil {
		logger.Error("pacer admit failed", zap.Error(err),
			zap.String("dispatch_id", d.ID.String()))
		p.release(ctx, logger, d, p.config.PollInterval*5)
		return
	}

	if !decision.Allowed {
		metrics.RecordRateLimitRejection(string(pol.Scope))
		retryAfter := decision.RetryAfter
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		p.release(ctx, logger, d, retryAfter)
		return
	}

	if decision.Pause > 0 {
		if !sleep(ctx, decision.Pause) {
			// Shutting down mid-pause; give the record back untouched.
			p.release(ctx, logger, d, time.Second)
			return
		}
	}

	attempts := d.Attempts + 1

	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	deliveryID, err := p.sender.SendMessage(sendCtx, d.InstanceName, d.ToPhoneE164, d.Content)
	cancel()

	if err == nil {
		if err := p.repo.MarkSent(ctx, d.ID, attempts); err != nil {
			logger.Error("mark sent failed", zap.Error(err),
				zap.String("dispatch_id", d.ID.String()))
			return
		}
		metrics.RecordDispatchProcessed("sent", d.Intent)
		metrics.RecordDispatchLatency(d.Intent, time.Since(d.CreatedAt))
		logger.Info("dispatch sent",
			zap.String("dispatch_id", d.ID.String()),
			zap.String("delivery_id", deliveryID),
			zap.Int("attempts", attempts),
		)
		return
	}

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		// Gateway is known-down; no attempt actually left the process, so
		// the retry budget is preserved.
		p.release(ctx, logger, d, p.config.BackoffBase)
		return
	}

	errCode := gateway.ErrorCode(err)
	errMsg := err.Error()

	switch {
	case gateway.Classify(err) == gateway.ClassPermanent:
		p.dead(ctx, logger, d, attempts, errCode, errMsg)

	case attempts >= d.MaxAttempts:
		p.dead(ctx, logger, d, attempts, errCode, errMsg)

	default:
		next := time.Now().Add(Backoff(p.config.BackoffBase, p.config.BackoffCap, attempts, pol))
		if err := p.repo.MarkRetry(ctx, d.ID, attempts, next, errCode, errMsg); err != nil {
			logger.Error("mark retry failed", zap.Error(err),
				zap.String("dispatch_id", d.ID.String()))
			return
		}
		metrics.RecordDispatchProcessed("retry", d.Intent)
		logger.Warn("dispatch send failed, will retry",
			zap.String("dispatch_id", d.ID.String()),
			zap.Int("attempts", attempts),
			zap.Int("max_attempts", d.MaxAttempts),
			zap.String("error_code", errCode),
			zap.Time("next_attempt_at", next),
		)
	}
}

func (p *Pool) dead(ctx context.Context, logger *zap.Logger, d *db.MessageDispatch, attempts int, errCode, errMsg string) {
	if err := p.repo.MarkDead(ctx, d.ID, attempts, errCode, errMsg); err != nil {
		logger.Error("mark dead failed", zap.Error(err),
			zap.String("dispatch_id", d.ID.String()))
		return
	}
	metrics.RecordDispatchProcessed("dead", d.Intent)
}

func (p *Pool) release(ctx context.Context, logger *zap.Logger, d *db.MessageDispatch, after time.Duration) {
	if err := p.repo.Release(ctx, d.ID, time.Now().Add(after)); err != nil {
		logger.Error("release failed", zap.Error(err),
			zap.String("dispatch_id", d.ID.String()))
	}
}

// sleep waits for d or context cancellation; false means cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
