// Package sefaz holds the SEFAZ DistDFe client contract, the per-tenant
// sync cooldown rules, and upstream error sanitization.
package sefaz

import (
	"time"

	"github.com/brunodmn/notazap/internal/db"
)

// CooldownCalculator decides when a tenant may sync again. The ordinary
// rule is last activity plus the minimum interval; a tenant whose last run
// hit the upstream rate-limit block (cStat 656) gets the extended penalty
// window instead, which is authoritative and never shortened by the
// ordinary minimum.
type CooldownCalculator struct {
	// MinInterval is the ordinary gap between syncs.
	MinInterval time.Duration
	// ExtendedCooldown is the penalty window after an upstream block.
	// Must be materially longer than MinInterval.
	ExtendedCooldown time.Duration
}

// NewCooldownCalculator builds a calculator from interval settings.
func NewCooldownCalculator(minInterval, extendedCooldown time.Duration) *CooldownCalculator {
	if extendedCooldown < minInterval {
		extendedCooldown = 2 * minInterval
	}
	return &CooldownCalculator{
		MinInterval:      minInterval,
		ExtendedCooldown: extendedCooldown,
	}
}

// intervalFor allows a per-tenant override of the ordinary interval while
// keeping the penalty window global.
func (c *CooldownCalculator) intervalFor(state *db.DfeSyncState, override time.Duration) time.Duration {
	if state.UltimoStatus == db.SyncStatusCooldown {
		return c.ExtendedCooldown
	}
	if override > 0 {
		return override
	}
	return c.MinInterval
}

// NextAllowedSyncAt computes the earliest time the tenant may sync again.
// A tenant that never synced is allowed immediately (zero time).
func (c *CooldownCalculator) NextAllowedSyncAt(state *db.DfeSyncState, override time.Duration) time.Time {
	var last time.Time
	if state.UltimoSyncAt != nil {
		last = *state.UltimoSyncAt
	}
	if state.UltimoSucessoAt != nil && state.UltimoSucessoAt.After(last) {
		last = *state.UltimoSucessoAt
	}
	if last.IsZero() {
		return time.Time{}
	}

	return last.Add(c.intervalFor(state, override))
}

// WaitSeconds returns how long until the tenant is sync-eligible, clamped
// at zero. Zero means eligible now.
func (c *CooldownCalculator) WaitSeconds(state *db.DfeSyncState, override time.Duration, now time.Time) int64 {
	next := c.NextAllowedSyncAt(state, override)
	if next.IsZero() {
		return 0
	}

	wait := next.Sub(now)
	if wait <= 0 {
		return 0
	}
	// Round up so a tenant is never reported eligible a fraction early.
	return int64((wait + time.Second - 1) / time.Second)
}
