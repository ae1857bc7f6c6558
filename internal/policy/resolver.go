package policy

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brunodmn/notazap/internal/db"
)

// Target is the dispatch destination a policy is resolved for.
type Target struct {
	InstanceName string
	CompanyID    uuid.UUID
	ContactPhone string
}

// Store is the read side of the policy store. Implemented by
// db.PolicyRepository; tests supply fakes.
type Store interface {
	ListActivePolicies(ctx context.Context) ([]*db.RateLimitPolicy, error)
}

// Resolver picks the single most specific active policy for a target.
// It is a pure read: no caching, no side effects, safe for concurrent use.
// Reading fresh on every call keeps replace-all semantics race-free.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

// NewResolver creates a policy resolver backed by the given store.
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
	}
}

// specificity ranks scopes; higher wins.
func specificity(scope db.PolicyScope) int {
	switch scope {
	case db.ScopeContact:
		return 3
	case db.ScopeCompany:
		return 2
	case db.ScopeInstance:
		return 1
	case db.ScopeGlobal:
		return 0
	}
	return -1
}

func matches(p *db.RateLimitPolicy, t Target) bool {
	switch p.Scope {
	case db.ScopeGlobal:
		return true
	case db.ScopeInstance:
		return p.InstanceName != nil && *p.InstanceName == t.InstanceName
	case db.ScopeCompany, db.ScopeContact:
		return p.CompanyID != nil && *p.CompanyID == t.CompanyID
	}
	return false
}

// Resolve returns the most specific active policy matching the target
// (contact > company > instance > global). When nothing matches, including
// the absence of a global policy, it returns ErrNoActivePolicy so callers
// deny the send rather than proceed unthrottled.
func (r *Resolver) Resolve(ctx context.Context, target Target) (*db.RateLimitPolicy, error) {
	policies, err := r.store.ListActivePolicies(ctx)
	if err != nil {
		return nil, err
	}

	var best *db.RateLimitPolicy
	for _, p := range policies {
		if !matches(p, target) {
			continue
		}
		if best == nil || specificity(p.Scope) > specificity(best.Scope) {
			best = p
		}
	}

	if best == nil {
		r.logger.Warn("no active policy for target, failing closed",
			zap.String("instance", target.InstanceName),
			zap.String("company_id", target.CompanyID.String()),
		)
		return nil, ErrNoActivePolicy
	}

	return best, nil
}
