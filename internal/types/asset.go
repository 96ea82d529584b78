/*

This file contains the identifiers for assets and venues. Venues are external
capital destinations (lending market, AMM, vault strategy, staking) reached
through an adapter; the engine itself never talks to a venue directly.

*/

package types

// Asset is a fungible token identifier (e.g. "usdc", "atom"). Every asset must
// be registered with the ledger before any deposit or allocation call succeeds.
type Asset string

// VenueID is a stable identifier for a capital venue.
type VenueID string

// VenueKind tags the category of a venue.
type VenueKind string

const (
	VenueLending VenueKind = "LENDING"
	VenueTrading VenueKind = "TRADING"
	VenueVault   VenueKind = "VAULT_STRATEGY"
	VenueStaking VenueKind = "STAKING"
	// VenueBuffer is the reserved in-ledger bucket for capital that could not
	// be placed in a downstream venue. It has no adapter.
	VenueBuffer VenueKind = "BUFFER"
)

// BufferVenueID is the reserved venue id for unallocated capital.
const BufferVenueID VenueID = "buffer"

// Venue describes an external capital destination.
type Venue struct {
	ID       VenueID   `json:"id"`
	Kind     VenueKind `json:"kind"`
	Endpoint string    `json:"endpoint,omitempty"` // adapter endpoint, informational
	Frozen   bool      `json:"frozen"`             // emergency flag; frozen venues are never reallocation targets
}

// TargetWeight is one leg of an asset's venue split. Weights are expressed in
// basis points and must sum to 10_000 across an asset's configured venues.
// The slice order is significant: rounding remainders are credited to the
// first venue in the list.
type TargetWeight struct {
	Venue     VenueID `json:"venue"`
	WeightBps int64   `json:"weight_bps"`
}

// WeightScale is the basis-point denominator for all weight math.
const WeightScale int64 = 10_000
