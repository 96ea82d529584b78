/*

This file contains the persistent reallocation strategy configuration and the
weight vector consumed by the scorer. Strategies are created and edited by an
operator, executed repeatedly by the keeper, and deactivated explicitly; they
never silently expire.

*/

package types

import (
	"time"
)

// WeightProfile is the scoring weight vector a strategy supplies to the
// scorer. Weights are fractions and should sum to 1.0.
type WeightProfile struct {
	Yield     float64 `json:"yield"`
	Risk      float64 `json:"risk"`
	Liquidity float64 `json:"liquidity"`
	Cost      float64 `json:"cost"`
}

// Sum returns the total of the four weights.
func (w WeightProfile) Sum() float64 {
	return w.Yield + w.Risk + w.Liquidity + w.Cost
}

// ProfileName identifies a built-in weighting policy.
type ProfileName string

const (
	ProfileYieldMaximizing    ProfileName = "yield_maximizing"
	ProfileRiskMinimizing     ProfileName = "risk_minimizing"
	ProfileLiquidityOptimized ProfileName = "liquidity_optimizing"
	ProfileBalanced           ProfileName = "balanced"
)

// ReallocationStrategy is a named, parameterized reallocation policy.
type ReallocationStrategy struct {
	ID                     int64          `json:"id"`
	Name                   string         `json:"name"`
	Asset                  Asset          `json:"asset"`
	Profile                ProfileName    `json:"profile"`
	Weights                WeightProfile  `json:"weights"`
	SourceVenues           []VenueID      `json:"source_venues"`
	TargetVenues           []VenueID      `json:"target_venues"`
	TargetWeights          []TargetWeight `json:"target_weights"` // per target venue, sums to WeightScale
	MinYieldImprovementBps float64        `json:"min_yield_improvement_bps"`
	MaxRiskIncrease        float64        `json:"max_risk_increase"` // max target-minus-source risk delta, 0..1
	ExecutionFrequency     time.Duration  `json:"execution_frequency"`
	LastExecution          time.Time      `json:"last_execution"`
	Active                 bool           `json:"active"`
	IsAdaptive             bool           `json:"is_adaptive"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// Due reports whether the strategy's minimum execution interval has elapsed.
// The engine enforces this itself rather than trusting the keeper's cadence.
func (s *ReallocationStrategy) Due(now time.Time) bool {
	if s.LastExecution.IsZero() {
		return true
	}
	return !now.Before(s.LastExecution.Add(s.ExecutionFrequency))
}
