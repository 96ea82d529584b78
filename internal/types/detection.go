/*

This file contains the types produced by the idle-capital detector. Detections
are immutable point-in-time facts: a new scan supersedes, never mutates, the
previous detection for the same (asset, venue) pair.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// VenueActivityState is the detector's per-(asset, venue) state machine.
type VenueActivityState string

const (
	StateUnknown          VenueActivityState = "UNKNOWN"
	StateMonitored        VenueActivityState = "MONITORED"
	StateIdle             VenueActivityState = "IDLE"
	StateReallocatable    VenueActivityState = "REALLOCATABLE"
	StateNotReallocatable VenueActivityState = "NOT_REALLOCATABLE"
)

// IdleDetection is one scan observation for an (asset, venue) pair.
type IdleDetection struct {
	Asset           Asset              `json:"asset"`
	Venue           VenueID            `json:"venue"`
	TotalCapital    sdkmath.Int        `json:"total_capital"`   // ledger balance in the venue
	ActiveCapital   sdkmath.Int        `json:"active_capital"`  // per downstream utilization
	IdleAmount      sdkmath.Int        `json:"idle_amount"`     // total - active
	UtilizationBps  float64            `json:"utilization_bps"` // as reported by the venue adapter
	CurrentYieldBps float64            `json:"current_yield_bps"`
	OpportunityCost float64            `json:"opportunity_cost"` // ranking signal only, never charged
	State           VenueActivityState `json:"state"`
	IsIdle          bool               `json:"is_idle"`
	IsReallocatable bool               `json:"is_reallocatable"`
	FirstIdleAt     time.Time          `json:"first_idle_at,omitempty"` // first scan at which the venue dipped below threshold
	DetectedAt      time.Time          `json:"detected_at"`
}
