/*
This file contains common utility functions for amount arithmetic: converting
between SDK Ints and floats, and splitting amounts across basis-point weights
without losing base units.
*/

package utils

import (
	"errors"
	"fmt"
	"math"

	sdkmath "cosmossdk.io/math"

	"github.com/stratafi/allocator/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrAmountNil      = errors.New("amount is nil")
	ErrAmountNegative = errors.New("amount is negative")
	ErrNotFinite      = errors.New("value is not finite")
	ErrBadWeights     = errors.New("weights are invalid")
)

// IntToFloat64 converts an SDK Int of base units to float64 for rate math.
// Precision loss above 2^53 is acceptable: the result is only ever used for
// scoring signals, never written back to the ledger.
func IntToFloat64(amount sdkmath.Int) (float64, error) {
	if amount.IsNil() {
		return 0, ErrAmountNil
	}
	f, err := sdkmath.LegacyNewDecFromInt(amount).Float64()
	if err != nil {
		return 0, fmt.Errorf("int to float conversion failed: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: result is %f", ErrNotFinite, f)
	}
	return f, nil
}

// ApplyBps returns amount * bps / 10000, truncated toward zero.
func ApplyBps(amount sdkmath.Int, bps int64) (sdkmath.Int, error) {
	if amount.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if amount.IsNegative() {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	if bps < 0 || bps > types.WeightScale {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: bps %d out of range", ErrBadWeights, bps)
	}
	return amount.MulRaw(bps).QuoRaw(types.WeightScale), nil
}

// SplitByWeights splits amount across the given weights. Each leg receives
// amount*weight/10000 truncated; the rounding remainder is credited to the
// first leg so the parts always sum exactly to the input amount.
func SplitByWeights(amount sdkmath.Int, weights []types.TargetWeight) (map[types.VenueID]sdkmath.Int, error) {
	if amount.IsNil() {
		return nil, ErrAmountNil
	}
	if amount.IsNegative() {
		return nil, ErrAmountNegative
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: no weights supplied", ErrBadWeights)
	}

	var totalBps int64
	for _, w := range weights {
		if w.WeightBps < 0 {
			return nil, fmt.Errorf("%w: negative weight for venue %s", ErrBadWeights, w.Venue)
		}
		totalBps += w.WeightBps
	}
	if totalBps != types.WeightScale {
		return nil, fmt.Errorf("%w: weights sum to %d bps, want %d", ErrBadWeights, totalBps, types.WeightScale)
	}

	parts := make(map[types.VenueID]sdkmath.Int, len(weights))
	allocated := sdkmath.ZeroInt()
	for _, w := range weights {
		part := amount.MulRaw(w.WeightBps).QuoRaw(types.WeightScale)
		parts[w.Venue] = part
		allocated = allocated.Add(part)
	}

	remainder := amount.Sub(allocated)
	if remainder.IsNegative() {
		return nil, fmt.Errorf("split over-allocated by %s base units", remainder.Neg().String())
	}
	if remainder.IsPositive() {
		first := weights[0].Venue
		parts[first] = parts[first].Add(remainder)
	}
	return parts, nil
}

// ValidateFinite rejects NaN and infinite values before they reach any
// financial calculation.
func ValidateFinite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s is %f", ErrNotFinite, name, v)
	}
	return nil
}
