package pacing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brunodmn/notazap/internal/db"
)

// MemoryPacer is a token-bucket pacer keyed by scope, for single-process
// deployments. Each scope gets a limiter refilling at maxPerMinute/60
// tokens per second with a bucket of `burst` tokens, so the first `burst`
// sends pass without pacing and the steady state respects the per-minute
// ceiling. Token refill over time was chosen over once-per-window refill.
type MemoryPacer struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry

	// MaxWait bounds how long a worker will pause inline for a token.
	// A longer wait releases the record back to the queue instead.
	maxWait time.Duration
	idleTTL time.Duration
}

type memoryEntry struct {
	lim      *rate.Limiter
	rpm      int
	burst    int
	sends    int
	lastSeen time.Time
}

// MemoryOption configures a MemoryPacer.
type MemoryOption func(*MemoryPacer)

// WithMaxWait overrides the inline pause ceiling.
func WithMaxWait(d time.Duration) MemoryOption {
	return func(p *MemoryPacer) { p.maxWait = d }
}

// WithIdleTTL overrides how long unused scope entries are kept.
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(p *MemoryPacer) { p.idleTTL = d }
}

// NewMemoryPacer creates an in-memory per-scope pacer.
func NewMemoryPacer(opts ...MemoryOption) *MemoryPacer {
	p := &MemoryPacer{
		entries: make(map[string]*memoryEntry),
		maxWait: 10 * time.Second,
		idleTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Admit implements Pacer.
func (p *MemoryPacer) Admit(ctx context.Context, key string, pol *db.RateLimitPolicy) (Decision, error) {
	p.mu.Lock()

	now := time.Now()
	ent, ok := p.entries[key]
	if !ok || ent.rpm != pol.MaxPerMinute || ent.burst != pol.Burst {
		// New scope, or the active policy set was replaced: fresh bucket.
		ent = &memoryEntry{
			lim:   rate.NewLimiter(rate.Limit(float64(pol.MaxPerMinute)/60.0), pol.Burst),
			rpm:   pol.MaxPerMinute,
			burst: pol.Burst,
		}
		p.entries[key] = ent
	}
	ent.lastSeen = now

	res := ent.lim.Reserve()
	if !res.OK() {
		p.mu.Unlock()
		return Decision{Allowed: false, RetryAfter: time.Minute}, nil
	}

	delay := res.Delay()
	if delay > p.maxWait {
		res.Cancel()
		p.mu.Unlock()
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}

	ent.sends++
	pastBurst := ent.sends > ent.burst
	p.mu.Unlock()

	pause := delay
	if pastBurst {
		pause += HumanDelay(pol)
	}

	return Decision{Allowed: true, Pause: pause}, nil
}

// Run prunes idle scope entries until the context is cancelled.
func (p *MemoryPacer) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune()
		}
	}
}

func (p *MemoryPacer) prune() {
	cutoff := time.Now().Add(-p.idleTTL)

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, ent := range p.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(p.entries, key)
		}
	}
}
