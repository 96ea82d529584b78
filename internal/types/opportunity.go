/*

This file contains the scored reallocation opportunity type. An opportunity is
single-use and time-boxed: execution after ExpiresAt must be rejected, and a
consumed opportunity is never re-executed.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// OpportunityStatus is the executor's per-opportunity state machine.
type OpportunityStatus string

const (
	OpportunityProposed  OpportunityStatus = "PROPOSED"
	OpportunityValidated OpportunityStatus = "VALIDATED"
	OpportunityExecuting OpportunityStatus = "EXECUTING"
	OpportunityCompleted OpportunityStatus = "COMPLETED"
	OpportunityFailed    OpportunityStatus = "FAILED"
	OpportunityExpired   OpportunityStatus = "EXPIRED"
)

// ReallocationOpportunity is a scored, time-boxed proposal to move a specific
// amount of an asset from one venue to another.
type ReallocationOpportunity struct {
	ID                  string            `json:"id"`
	Asset               Asset             `json:"asset"`
	FromVenue           VenueID           `json:"from_venue"`
	ToVenue             VenueID           `json:"to_venue"`
	Amount              sdkmath.Int       `json:"amount"`
	CurrentYieldBps     float64           `json:"current_yield_bps"`
	TargetYieldBps      float64           `json:"target_yield_bps"`
	YieldImprovementBps float64           `json:"yield_improvement_bps"`
	EstimatedCost       float64           `json:"estimated_cost"` // execution cost in asset base units
	NetBenefit          float64           `json:"net_benefit"`    // amount * improvement - cost, annualized units
	RiskScore           float64           `json:"risk_score"`     // target venue risk, 0..1
	Score               float64           `json:"score"`          // composite ranking score
	Confidence          float64           `json:"confidence"`     // 0..1, how much of the candidate data was live
	Status              OpportunityStatus `json:"status"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	ExpiresAt           time.Time         `json:"expires_at"` // always > CreatedAt
}

// Expired reports whether the opportunity is past its expiry at the given time.
func (o *ReallocationOpportunity) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}
