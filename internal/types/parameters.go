/*

This file contains the tunable thresholds, weights, and limits for the
allocation engine. Different parameter sets can exist for different market
regimes; the active set is versioned and persisted in the database.

*/

package types

import "time"

// EngineParameters holds all tunable thresholds and coefficients used by the
// detector, scorer, and executor.
type EngineParameters struct {
	// --- Idle detection ---
	UtilizationThresholdBps float64       `json:"utilization_threshold_bps"` // below this a venue's capital counts as underused
	MinIdleAmount           int64         `json:"min_idle_amount"`           // base units; smaller idle balances are ignored
	MinReallocationAmount   int64         `json:"min_reallocation_amount"`   // base units; floor for a detection to be reallocatable
	IdleTimeThreshold       time.Duration `json:"idle_time_threshold"`       // capital must sit below threshold at least this long

	// --- Scoring ---
	YieldWeight       float64       `json:"yield_weight"`
	RiskWeight        float64       `json:"risk_weight"`
	LiquidityWeight   float64       `json:"liquidity_weight"`
	CostWeight        float64       `json:"cost_weight"`
	YieldThresholdBps float64       `json:"yield_threshold_bps"` // minimum spread for a candidate to be scored at all
	OpportunityTTL    time.Duration `json:"opportunity_ttl"`     // bounds staleness against market-data drift

	// --- Execution rate limiting (per asset) ---
	CooldownPeriod             time.Duration `json:"cooldown_period"`
	MaxReallocationBpsPerCycle int64         `json:"max_reallocation_bps_per_cycle"` // cap as bps of the source venue's ledger balance

	// --- Strategy management ---
	MinExecutionInterval time.Duration `json:"min_execution_interval"` // floor for strategy execution frequency
	LearningRate         float64       `json:"learning_rate"`          // exponential smoothing factor for adaptive strategies
	MaxWeightShiftBps    int64         `json:"max_weight_shift_bps"`   // cap on a single adapt() move per target venue

	// --- Venue querying ---
	VenueQueryRatePerSec float64 `json:"venue_query_rate_per_sec"` // scan-side throttle on adapter queries
	VenueQueryBurst      int     `json:"venue_query_burst"`
}
