/*

This file contains the default parameters for the allocation engine.

These values are used when no active parameter set exists in the database.
They are calibrated for pooled capital in the millions: conservative rate
limits, meaningful idle floors, and short opportunity windows.

*/

package config

import (
	"time"

	"github.com/stratafi/allocator/internal/types"
)

// DefaultEngineParameters provides the baseline parameter set for the engine.
var DefaultEngineParameters = types.EngineParameters{
	// --- Idle detection ---
	UtilizationThresholdBps: 7000, // a venue running under 70% utilization is underused.
	// Below this, a meaningful share of the venue's capital earns nothing.

	MinIdleAmount: 50_000, // ignore idle balances under 50k base units.
	// Moving dust costs more in execution than it ever recovers in yield.

	MinReallocationAmount: 50_000, // floor for a detection to become reallocatable.

	IdleTimeThreshold: 30 * time.Minute, // capital must sit underused this long.
	// One low-utilization sample is noise; half an hour is a trend.

	// --- Scoring (defaults per the balanced profile) ---
	YieldWeight:     0.40,
	RiskWeight:      0.30,
	LiquidityWeight: 0.20,
	CostWeight:      0.10,

	YieldThresholdBps: 50, // a candidate needs at least +0.5% APR to be scored.
	// Smaller spreads are inside oracle noise and never survive costs.

	OpportunityTTL: 5 * time.Minute, // opportunities go stale fast.
	// Yield data drifts; a stale opportunity must be re-derived from a fresh
	// scan, never executed on old numbers.

	// --- Execution rate limiting ---
	CooldownPeriod: 1 * time.Hour, // at most one reallocation per asset per hour.
	// Thrash protection: without a cooldown two venues flapping around a
	// threshold would generate a transfer every cycle.

	MaxReallocationBpsPerCycle: 5000, // move at most 50% of available idle per cycle.
	// Large single moves cause slippage and leave no room to react if the
	// target venue's yield collapses right after the transfer.

	// --- Strategy management ---
	MinExecutionInterval: 10 * time.Minute,
	LearningRate:         0.2, // exponential smoothing factor for adaptive weight shifts.
	MaxWeightShiftBps:    500, // a single adapt() step moves at most 5% of a target's weight.

	// --- Venue querying ---
	VenueQueryRatePerSec: 10,
	VenueQueryBurst:      5,
}
