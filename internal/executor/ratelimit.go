/*

This file contains the per-asset reallocation rate limiter: a cooldown
between reallocations and a cap on the fraction of available capital moved
per cycle. State is scoped per asset and never shared, so reallocations of
different assets never contend.

*/

package executor

import (
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/stratafi/allocator/internal/types"
)

// RateLimiter enforces RateLimitState per asset.
type RateLimiter struct {
	mu                 sync.Mutex
	lastReallocationAt map[types.Asset]time.Time
	cooldown           time.Duration
	maxBpsPerCycle     int64
}

// NewRateLimiter creates a limiter from engine parameters.
func NewRateLimiter(params types.EngineParameters) *RateLimiter {
	return &RateLimiter{
		lastReallocationAt: make(map[types.Asset]time.Time),
		cooldown:           params.CooldownPeriod,
		maxBpsPerCycle:     params.MaxReallocationBpsPerCycle,
	}
}

// Check rejects the attempt if the asset's cooldown has not elapsed or the
// amount exceeds the per-cycle cap relative to the capital available to move.
func (r *RateLimiter) Check(asset types.Asset, amount, available sdkmath.Int, now time.Time) error {
	if err := r.CheckCooldown(asset, now); err != nil {
		return err
	}
	return r.CheckCap(amount, available)
}

// CheckCooldown rejects the attempt if the asset's cooldown has not elapsed.
// A multi-target strategy execution checks this once for the whole batch, so
// the first completed target cannot lock out the rest.
func (r *RateLimiter) CheckCooldown(asset types.Asset, now time.Time) error {
	r.mu.Lock()
	last, seen := r.lastReallocationAt[asset]
	r.mu.Unlock()

	if seen && now.Before(last.Add(r.cooldown)) {
		retryAt := last.Add(r.cooldown)
		return fmt.Errorf("%w: cooldown for %s active until %s",
			types.ErrRateLimited, asset, retryAt.Format(time.RFC3339))
	}
	return nil
}

// CheckCap rejects the attempt if the amount exceeds the per-cycle cap
// relative to the capital available to move.
func (r *RateLimiter) CheckCap(amount, available sdkmath.Int) error {
	if r.maxBpsPerCycle > 0 && r.maxBpsPerCycle < types.WeightScale {
		limit := available.MulRaw(r.maxBpsPerCycle).QuoRaw(types.WeightScale)
		if amount.GT(limit) {
			return fmt.Errorf("%w: amount %s exceeds per-cycle cap %s (%d bps of %s available)",
				types.ErrRateLimited, amount.String(), limit.String(), r.maxBpsPerCycle, available.String())
		}
	}
	return nil
}

// Record stamps a completed reallocation for the asset.
func (r *RateLimiter) Record(asset types.Asset, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastReallocationAt[asset] = now
}

// Last returns the asset's last reallocation time, if any.
func (r *RateLimiter) Last(asset types.Asset) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastReallocationAt[asset]
	return t, ok
}
