/*

This file defines the error taxonomy for the allocation engine. Callers are
expected to classify failures with errors.Is against these sentinels.

*/

package types

import "errors"

var (
	// ErrValidation covers bad input: zero amounts, malformed weights,
	// unknown identifiers. Rejected before any state change.
	ErrValidation = errors.New("validation error")

	// ErrAssetNotRegistered is returned when an operation references an asset
	// the ledger has never seen.
	ErrAssetNotRegistered = errors.New("asset not registered")

	// ErrInsufficientLiquidity is returned when a withdrawal cannot be fully
	// sourced across venues. No partial withdrawal is applied.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrInvariantViolation is the internal bug-guard for a sum mismatch
	// between an asset's total and its per-venue balances. It halts all
	// further mutating operations on the asset until manually reconciled.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrLedgerHalted is returned for any mutation attempted on an asset
	// whose ledger was halted by a prior invariant violation.
	ErrLedgerHalted = errors.New("ledger halted pending reconciliation")

	// ErrStaleOpportunity marks an opportunity whose yield justification
	// disappeared between scoring and execution.
	ErrStaleOpportunity = errors.New("opportunity is stale")

	// ErrOpportunityExpired marks an opportunity past its expiry. Staleness
	// is the only cancellation mechanism; there is no explicit cancel API.
	ErrOpportunityExpired = errors.New("opportunity expired")

	// ErrVenueUnavailable wraps a failed downstream adapter call. Scans skip
	// the venue; executions abort the specific opportunity only.
	ErrVenueUnavailable = errors.New("venue unavailable")

	// ErrRateLimited is returned when the per-asset cooldown or per-cycle cap
	// is not yet satisfied. Retryable, not an operator-intervention state.
	ErrRateLimited = errors.New("reallocation rate limited")

	// ErrReentrantCall is returned when a venue adapter callback re-enters a
	// mutating entry point for an asset whose execution lock is held.
	ErrReentrantCall = errors.New("reentrant call rejected")

	// ErrUnauthorized is returned by boundary capability checks.
	ErrUnauthorized = errors.New("caller lacks required capability")
)
