// Package policy resolves which rate-limit policy governs a dispatch
// target and validates policy sets before they go live.
package policy

import (
	"errors"
	"fmt"

	"github.com/brunodmn/notazap/internal/db"
)

// ErrNoActivePolicy means no scoped nor global active policy matched the
// target. The system fails closed: no policy, no sends.
var ErrNoActivePolicy = errors.New("no active rate limit policy for target")

// Validate checks a single policy's field invariants.
func Validate(p *db.RateLimitPolicy) error {
	switch p.Scope {
	case db.ScopeGlobal:
		if p.InstanceName != nil || p.CompanyID != nil {
			return fmt.Errorf("global policy must not carry instance_name or company_id")
		}
	case db.ScopeInstance:
		if p.InstanceName == nil || *p.InstanceName == "" {
			return fmt.Errorf("instance policy requires instance_name")
		}
	case db.ScopeCompany, db.ScopeContact:
		if p.CompanyID == nil {
			return fmt.Errorf("%s policy requires company_id", p.Scope)
		}
	default:
		return fmt.Errorf("unknown policy scope: %q", p.Scope)
	}

	if p.MaxPerMinute < 1 {
		return fmt.Errorf("max_per_minute must be >= 1, got %d", p.MaxPerMinute)
	}
	if p.Burst < 1 {
		return fmt.Errorf("burst must be >= 1, got %d", p.Burst)
	}
	if p.MinDelayMs < 0 {
		return fmt.Errorf("min_delay_ms must be >= 0, got %d", p.MinDelayMs)
	}
	if p.MaxDelayMs < p.MinDelayMs {
		return fmt.Errorf("max_delay_ms (%d) must be >= min_delay_ms (%d)", p.MaxDelayMs, p.MinDelayMs)
	}

	return nil
}

// ValidateSet checks a full replacement set: every policy valid, and at
// most one global policy.
func ValidateSet(policies []*db.RateLimitPolicy) error {
	globals := 0
	for i, p := range policies {
		if err := Validate(p); err != nil {
			return fmt.Errorf("policy %d: %w", i, err)
		}
		if p.Scope == db.ScopeGlobal {
			globals++
		}
	}
	if globals > 1 {
		return fmt.Errorf("policy set must contain at most one global policy, got %d", globals)
	}
	return nil
}
