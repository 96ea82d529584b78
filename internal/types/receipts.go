/*

This file contains the audit-trail types: execution receipts for individual
reallocations and cycle snapshots recording the full before/plan/after state
of one engine cycle. Aggregate statistics are always derived from these
records, never maintained as independent counters.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// ExecutionStep names the step of a reallocation at which a failure occurred.
type ExecutionStep string

const (
	StepValidate  ExecutionStep = "VALIDATE"
	StepRateLimit ExecutionStep = "RATE_LIMIT"
	StepWithdraw  ExecutionStep = "WITHDRAW"
	StepDeposit   ExecutionStep = "DEPOSIT"
	StepRecord    ExecutionStep = "RECORD"
	StepNone      ExecutionStep = ""
)

// ExecutionReceipt records the outcome of one reallocation attempt with
// enough detail (step, amounts, venues) to support safe retry.
type ExecutionReceipt struct {
	ReceiptID               int64             `json:"receipt_id,omitempty"` // assigned by the database
	OpportunityID           string            `json:"opportunity_id"`
	Asset                   Asset             `json:"asset"`
	FromVenue               VenueID           `json:"from_venue"`
	ToVenue                 VenueID           `json:"to_venue"`
	RequestedAmount         sdkmath.Int       `json:"requested_amount"`
	WithdrawnAmount         sdkmath.Int       `json:"withdrawn_amount"`
	DepositedAmount         sdkmath.Int       `json:"deposited_amount"`
	Status                  OpportunityStatus `json:"status"`
	FailedStep              ExecutionStep     `json:"failed_step,omitempty"`
	Message                 string            `json:"message,omitempty"`
	EstimatedImprovementBps float64           `json:"estimated_improvement_bps"`
	RealizedImprovementBps  float64           `json:"realized_improvement_bps"`
	Emergency               bool              `json:"emergency"`
	Timestamp               time.Time         `json:"timestamp"`
}

// BalanceSnapshot is a point-in-time copy of one asset's ledger state.
type BalanceSnapshot struct {
	TotalDeposited sdkmath.Int             `json:"total_deposited"`
	PerVenue       map[VenueID]sdkmath.Int `json:"per_venue"`
}

// CycleSnapshot records everything one engine cycle saw and did for an asset.
type CycleSnapshot struct {
	SnapshotID    int64                     `json:"snapshot_id,omitempty"`
	CycleNumber   int                       `json:"cycle_number"`
	CycleID       string                    `json:"cycle_id"` // uuid for log correlation
	Asset         Asset                     `json:"asset"`
	ParamsID      int64                     `json:"params_id,omitempty"`
	Timestamp     time.Time                 `json:"timestamp"`
	InitialState  BalanceSnapshot           `json:"initial_state"`
	Detections    []IdleDetection           `json:"detections"`
	Opportunities []ReallocationOpportunity `json:"opportunities"`
	Receipts      []ExecutionReceipt        `json:"receipts"`
	FinalState    BalanceSnapshot           `json:"final_state"`
	VenuesTouched []string                  `json:"venues_touched"`
}
