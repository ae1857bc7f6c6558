package dispatch

import (
	"math/rand"
	"time"

	"github.com/brunodmn/notazap/internal/db"
)

// Backoff computes the delay before retry number `attempts` (1-based):
// base * 2^(attempts-1) capped at max, plus random jitter inside the
// resolved policy's delay bounds so concurrent retries don't herd.
func Backoff(base, max time.Duration, attempts int, pol *db.RateLimitPolicy) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempts < 1 {
		attempts = 1
	}

	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	return delay + jitter(base, pol)
}

func jitter(base time.Duration, pol *db.RateLimitPolicy) time.Duration {
	var lo, hi time.Duration
	if pol != nil {
		lo = time.Duration(pol.MinDelayMs) * time.Millisecond
		hi = time.Duration(pol.MaxDelayMs) * time.Millisecond
	}
	if hi <= lo {
		// No usable policy bounds; spread within one base interval.
		lo, hi = 0, base
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}
