package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/brunodmn/notazap/internal/db"
)

func testPolicy(rpm, burst int) *db.RateLimitPolicy {
	return &db.RateLimitPolicy{
		Scope:        db.ScopeGlobal,
		MaxPerMinute: rpm,
		Burst:        burst,
	}
}

func TestMemoryPacer_BurstPassesWithoutPause(t *testing.T) {
	p := NewMemoryPacer()
	ctx := context.Background()
	pol := testPolicy(60, 3)

	for i := 0; i < 3; i++ {
		d, err := p.Admit(ctx, "global", pol)
		if err != nil {
			t.Fatalf("admit %d failed: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("send %d within burst should be allowed", i)
		}
		if d.Pause != 0 {
			t.Errorf("send %d within burst should not pause, got %v", i, d.Pause)
		}
	}
}

func TestMemoryPacer_ThrottlesPastBurst(t *testing.T) {
	p := NewMemoryPacer()
	ctx := context.Background()
	// 60/min refills one token per second.
	pol := testPolicy(60, 2)

	for i := 0; i < 2; i++ {
		if d, _ := p.Admit(ctx, "global", pol); !d.Allowed {
			t.Fatalf("send %d within burst should be allowed", i)
		}
	}

	d, err := p.Admit(ctx, "global", pol)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if !d.Allowed {
		t.Fatal("send past burst should still be admitted with a pause")
	}
	if d.Pause <= 0 {
		t.Errorf("send past burst should carry a pacing pause, got %v", d.Pause)
	}
}

func TestMemoryPacer_DeniesWhenPauseExceedsMaxWait(t *testing.T) {
	p := NewMemoryPacer(WithMaxWait(time.Millisecond))
	ctx := context.Background()
	pol := testPolicy(60, 1)

	if d, _ := p.Admit(ctx, "global", pol); !d.Allowed {
		t.Fatal("first send should be allowed")
	}

	d, err := p.Admit(ctx, "global", pol)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("send requiring a long wait should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("denial should carry a retry-after, got %v", d.RetryAfter)
	}
	if d.RetryAfter > time.Minute {
		t.Errorf("retry-after should stay within the window, got %v", d.RetryAfter)
	}
}

func TestMemoryPacer_ScopesAreIndependent(t *testing.T) {
	p := NewMemoryPacer(WithMaxWait(time.Millisecond))
	ctx := context.Background()
	pol := testPolicy(60, 1)

	if d, _ := p.Admit(ctx, "instance:wa-01", pol); !d.Allowed {
		t.Fatal("first send on wa-01 should be allowed")
	}
	if d, _ := p.Admit(ctx, "instance:wa-01", pol); d.Allowed {
		t.Fatal("second send on wa-01 should be denied")
	}

	// A different scope key has its own bucket.
	if d, _ := p.Admit(ctx, "instance:wa-02", pol); !d.Allowed {
		t.Fatal("first send on wa-02 should be allowed")
	}
}

func TestMemoryPacer_PolicyReplacementResetsBucket(t *testing.T) {
	p := NewMemoryPacer(WithMaxWait(time.Millisecond))
	ctx := context.Background()

	tight := testPolicy(60, 1)
	if d, _ := p.Admit(ctx, "global", tight); !d.Allowed {
		t.Fatal("first send should be allowed")
	}
	if d, _ := p.Admit(ctx, "global", tight); d.Allowed {
		t.Fatal("bucket should be exhausted")
	}

	// Replacing the active set changes the limits; the scope gets a fresh
	// bucket instead of inheriting the exhausted one.
	loose := testPolicy(120, 5)
	d, err := p.Admit(ctx, "global", loose)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if !d.Allowed {
		t.Fatal("send under the replaced policy should be allowed")
	}
}

func TestMemoryPacer_PruneDropsIdleEntries(t *testing.T) {
	p := NewMemoryPacer(WithIdleTTL(time.Nanosecond))
	ctx := context.Background()

	if _, err := p.Admit(ctx, "global", testPolicy(60, 1)); err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	time.Sleep(time.Millisecond)
	p.prune()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) != 0 {
		t.Errorf("expected idle entries pruned, %d remain", len(p.entries))
	}
}

func TestHumanDelay_WithinBounds(t *testing.T) {
	pol := &db.RateLimitPolicy{MinDelayMs: 500, MaxDelayMs: 2000}

	for i := 0; i < 100; i++ {
		d := HumanDelay(pol)
		if d < 500*time.Millisecond || d >= 2000*time.Millisecond {
			t.Fatalf("delay %v outside [500ms, 2000ms)", d)
		}
	}
}

func TestHumanDelay_EqualBoundsAreExact(t *testing.T) {
	pol := &db.RateLimitPolicy{MinDelayMs: 750, MaxDelayMs: 750}
	if d := HumanDelay(pol); d != 750*time.Millisecond {
		t.Errorf("expected exactly 750ms, got %v", d)
	}
}

func TestHumanDelay_ZeroBoundsAreZero(t *testing.T) {
	if d := HumanDelay(&db.RateLimitPolicy{}); d != 0 {
		t.Errorf("expected zero delay, got %v", d)
	}
}
