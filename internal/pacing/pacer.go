// Package pacing enforces per-scope send pacing for the dispatch workers.
//
// The per-scope counters are the one piece of genuinely shared mutable
// state in the scheduler, so the Pacer is an injectable interface:
// single-process deployments use the in-memory token bucket, multi-process
// deployments swap in the Redis-backed sliding window without touching
// worker logic.
package pacing

import (
	"context"
	"math/rand"
	"time"

	"github.com/brunodmn/notazap/internal/db"
)

// Decision is the outcome of an admission check for one send.
type Decision struct {
	// Allowed reports whether the send may proceed now.
	Allowed bool
	// RetryAfter, when not allowed, is how long the record should wait
	// before becoming eligible again.
	RetryAfter time.Duration
	// Pause, when allowed, is the humanization delay to observe before
	// the send. Zero while the policy's burst allowance lasts.
	Pause time.Duration
}

// Pacer decides whether a send keyed to a policy scope may proceed now.
type Pacer interface {
	Admit(ctx context.Context, key string, pol *db.RateLimitPolicy) (Decision, error)
}

// HumanDelay picks a random delay within the policy's humanization bounds.
func HumanDelay(pol *db.RateLimitPolicy) time.Duration {
	min := time.Duration(pol.MinDelayMs) * time.Millisecond
	max := time.Duration(pol.MaxDelayMs) * time.Millisecond
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
