package utils

import (
	"math"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafi/allocator/internal/types"
)

func TestSplitByWeightsExact(t *testing.T) {
	weights := []types.TargetWeight{
		{Venue: "alpha", WeightBps: 5000},
		{Venue: "beta", WeightBps: 3000},
		{Venue: "gamma", WeightBps: 2000},
	}

	parts, err := SplitByWeights(sdkmath.NewInt(300_000), weights)
	require.NoError(t, err)

	assert.Equal(t, sdkmath.NewInt(150_000), parts["alpha"])
	assert.Equal(t, sdkmath.NewInt(90_000), parts["beta"])
	assert.Equal(t, sdkmath.NewInt(60_000), parts["gamma"])
}

func TestSplitByWeightsRemainderToFirst(t *testing.T) {
	weights := []types.TargetWeight{
		{Venue: "alpha", WeightBps: 3333},
		{Venue: "beta", WeightBps: 3333},
		{Venue: "gamma", WeightBps: 3334},
	}

	parts, err := SplitByWeights(sdkmath.NewInt(100), weights)
	require.NoError(t, err)

	// Truncated legs are 33/33/33; the 1-unit remainder goes to the first leg.
	assert.Equal(t, sdkmath.NewInt(34), parts["alpha"])
	assert.Equal(t, sdkmath.NewInt(33), parts["beta"])
	assert.Equal(t, sdkmath.NewInt(33), parts["gamma"])

	sum := sdkmath.ZeroInt()
	for _, p := range parts {
		sum = sum.Add(p)
	}
	assert.Equal(t, sdkmath.NewInt(100), sum)
}

func TestSplitByWeightsRejectsBadInput(t *testing.T) {
	good := []types.TargetWeight{{Venue: "alpha", WeightBps: 10000}}

	_, err := SplitByWeights(sdkmath.Int{}, good)
	assert.ErrorIs(t, err, ErrAmountNil)

	_, err = SplitByWeights(sdkmath.NewInt(-5), good)
	assert.ErrorIs(t, err, ErrAmountNegative)

	_, err = SplitByWeights(sdkmath.NewInt(100), nil)
	assert.ErrorIs(t, err, ErrBadWeights)

	_, err = SplitByWeights(sdkmath.NewInt(100), []types.TargetWeight{
		{Venue: "alpha", WeightBps: 6000},
		{Venue: "beta", WeightBps: 3000},
	})
	assert.ErrorIs(t, err, ErrBadWeights)

	_, err = SplitByWeights(sdkmath.NewInt(100), []types.TargetWeight{
		{Venue: "alpha", WeightBps: -1000},
		{Venue: "beta", WeightBps: 11000},
	})
	assert.ErrorIs(t, err, ErrBadWeights)
}

func TestApplyBps(t *testing.T) {
	out, err := ApplyBps(sdkmath.NewInt(700_000), 4000)
	require.NoError(t, err)
	assert.Equal(t, sdkmath.NewInt(280_000), out)

	out, err = ApplyBps(sdkmath.NewInt(99), 3333)
	require.NoError(t, err)
	assert.Equal(t, sdkmath.NewInt(32), out) // truncated toward zero

	_, err = ApplyBps(sdkmath.NewInt(100), 10001)
	assert.ErrorIs(t, err, ErrBadWeights)

	_, err = ApplyBps(sdkmath.NewInt(-1), 100)
	assert.ErrorIs(t, err, ErrAmountNegative)
}

func TestIntToFloat64(t *testing.T) {
	f, err := IntToFloat64(sdkmath.NewInt(123_456))
	require.NoError(t, err)
	assert.Equal(t, 123456.0, f)

	_, err = IntToFloat64(sdkmath.Int{})
	assert.ErrorIs(t, err, ErrAmountNil)
}

func TestValidateFinite(t *testing.T) {
	assert.NoError(t, ValidateFinite("x", 1.5))
	assert.ErrorIs(t, ValidateFinite("x", math.NaN()), ErrNotFinite)
	assert.ErrorIs(t, ValidateFinite("x", math.Inf(1)), ErrNotFinite)
	assert.ErrorIs(t, ValidateFinite("x", math.Inf(-1)), ErrNotFinite)
}
