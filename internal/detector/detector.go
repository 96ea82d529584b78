/*

This file contains the idle-capital detector. Each scan walks an asset's
venues in a deterministic order, reads downstream utilization through the
venue adapters, and emits immutable IdleDetection facts. A venue whose
adapter fails is skipped and flagged Unknown; the rest of the scan proceeds.

The detector tracks a true first-seen-idle timestamp per (asset, venue), so
the time-threshold gate measures real idle duration rather than the gap
since the previous scan.

*/

package detector

import (
	"context"
	"sort"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stratafi/allocator/internal/ledger"
	"github.com/stratafi/allocator/internal/logger"
	"github.com/stratafi/allocator/internal/oracle"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/venue"
)

type pairKey struct {
	asset types.Asset
	venue types.VenueID
}

// Detector scans ledger balances for idle capital.
type Detector struct {
	ledger   *ledger.CapitalLedger
	registry *venue.Registry
	yields   oracle.YieldOracle
	params   types.EngineParameters
	limiter  *rate.Limiter
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	states    map[pairKey]types.VenueActivityState
	firstIdle map[pairKey]time.Time
}

// New creates a detector. The rate limiter throttles adapter queries so a
// scan over many venues cannot hammer a single venue RPC.
func New(l *ledger.CapitalLedger, registry *venue.Registry, yields oracle.YieldOracle, params types.EngineParameters) *Detector {
	qps := params.VenueQueryRatePerSec
	if qps <= 0 {
		qps = 10
	}
	burst := params.VenueQueryBurst
	if burst <= 0 {
		burst = 1
	}
	return &Detector{
		ledger:    l,
		registry:  registry,
		yields:    yields,
		params:    params,
		limiter:   rate.NewLimiter(rate.Limit(qps), burst),
		log:       logger.GetForComponent("idle_detector"),
		now:       time.Now,
		states:    make(map[pairKey]types.VenueActivityState),
		firstIdle: make(map[pairKey]time.Time),
	}
}

// SetClock overrides the detector's time source. Used by tests.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// SetParams swaps the active parameter set.
func (d *Detector) SetParams(params types.EngineParameters) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = params
}

// State returns the current activity state for an (asset, venue) pair.
func (d *Detector) State(asset types.Asset, v types.VenueID) types.VenueActivityState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[pairKey{asset, v}]
	if !ok {
		return types.StateUnknown
	}
	return s
}

// Scan walks every venue holding a nonzero ledger balance for the asset and
// returns one detection per successfully queried venue. Two scans with
// identical inputs produce identical detections.
func (d *Detector) Scan(ctx context.Context, asset types.Asset) ([]types.IdleDetection, error) {
	balances, err := d.ledger.Balances(asset)
	if err != nil {
		return nil, err
	}
	now := d.now()

	// Deterministic venue order.
	venueIDs := make([]types.VenueID, 0, len(balances.PerVenue))
	for v, bal := range balances.PerVenue {
		if v == types.BufferVenueID || !bal.IsPositive() {
			continue
		}
		venueIDs = append(venueIDs, v)
	}
	sort.Slice(venueIDs, func(i, j int) bool { return venueIDs[i] < venueIDs[j] })

	detections := make([]types.IdleDetection, 0, len(venueIDs))
	bestYield := d.bestKnownYield(ctx, asset, venueIDs)

	for _, v := range venueIDs {
		if err := d.limiter.Wait(ctx); err != nil {
			return detections, err
		}

		det, err := d.inspect(ctx, asset, v, balances.PerVenue[v], bestYield, now)
		if err != nil {
			// Absorb the failure: flag the pair Unknown and keep scanning the
			// remaining venues.
			d.setState(asset, v, types.StateUnknown)
			d.log.Warn().Err(err).
				Str("asset", string(asset)).
				Str("venue", string(v)).
				Msg("Venue query failed during scan, skipping venue")
			continue
		}
		detections = append(detections, det)
	}

	d.log.Info().
		Str("asset", string(asset)).
		Int("venues", len(venueIDs)).
		Int("detections", len(detections)).
		Msg("Idle-capital scan complete")
	return detections, nil
}

// inspect builds the detection for one venue.
func (d *Detector) inspect(ctx context.Context, asset types.Asset, v types.VenueID, balance sdkmath.Int, bestYield float64, now time.Time) (types.IdleDetection, error) {
	utilizationBps, err := d.ledger.Utilization(ctx, asset, v)
	if err != nil {
		return types.IdleDetection{}, err
	}
	currentYield, err := d.yields.Yield(ctx, asset, v)
	if err != nil {
		return types.IdleDetection{}, err
	}

	d.mu.Lock()
	params := d.params
	d.mu.Unlock()

	// idle = balance * (1 - utilization)
	idleBps := types.WeightScale - int64(utilizationBps)
	if idleBps < 0 {
		idleBps = 0
	}
	idleAmount := balance.MulRaw(idleBps).QuoRaw(types.WeightScale)
	active := balance.Sub(idleAmount)

	key := pairKey{asset, v}
	belowThreshold := utilizationBps < params.UtilizationThresholdBps &&
		idleAmount.GTE(sdkmath.NewInt(params.MinIdleAmount))

	d.mu.Lock()
	var firstIdle time.Time
	if belowThreshold {
		if existing, ok := d.firstIdle[key]; ok {
			firstIdle = existing
		} else {
			firstIdle = now
			d.firstIdle[key] = now
		}
	} else {
		delete(d.firstIdle, key)
	}
	d.mu.Unlock()

	isIdle := belowThreshold && now.Sub(firstIdle) >= params.IdleTimeThreshold
	frozen := d.registry.IsFrozen(v)
	reallocatable := isIdle &&
		idleAmount.GTE(sdkmath.NewInt(params.MinReallocationAmount)) &&
		!frozen

	state := types.StateMonitored
	switch {
	case reallocatable:
		state = types.StateReallocatable
	case isIdle:
		state = types.StateNotReallocatable
		if !frozen {
			state = types.StateIdle
		}
	}
	d.setState(asset, v, state)

	idleFloat, _ := sdkmath.LegacyNewDecFromInt(idleAmount).Float64()
	det := types.IdleDetection{
		Asset:           asset,
		Venue:           v,
		TotalCapital:    balance,
		ActiveCapital:   active,
		IdleAmount:      idleAmount,
		UtilizationBps:  utilizationBps,
		CurrentYieldBps: currentYield,
		OpportunityCost: opportunityCost(idleFloat, currentYield, bestYield),
		State:           state,
		IsIdle:          isIdle,
		IsReallocatable: reallocatable,
		FirstIdleAt:     firstIdle,
		DetectedAt:      now,
	}
	return det, nil
}

// opportunityCost is idleAmount * (bestAlternativeYield - currentYield),
// expressed in base-unit-bps. A pure ranking signal, never charged to anyone.
func opportunityCost(idleAmount, currentYieldBps, bestYieldBps float64) float64 {
	diff := bestYieldBps - currentYieldBps
	if diff < 0 {
		diff = 0
	}
	return idleAmount * diff / float64(types.WeightScale)
}

// bestKnownYield finds the highest yield across the asset's venues, used as
// the opportunity-cost baseline. Query failures shrink the candidate set but
// never abort the scan.
func (d *Detector) bestKnownYield(ctx context.Context, asset types.Asset, venueIDs []types.VenueID) float64 {
	best := 0.0
	for _, v := range venueIDs {
		y, err := d.yields.Yield(ctx, asset, v)
		if err != nil {
			continue
		}
		if y > best {
			best = y
		}
	}
	return best
}

func (d *Detector) setState(asset types.Asset, v types.VenueID, s types.VenueActivityState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[pairKey{asset, v}] = s
}
