package oracle

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafi/allocator/internal/types"
)

func TestConfiguredRisksServesTableAndDefault(t *testing.T) {
	risks, err := NewConfiguredRisks(map[types.VenueID]float64{
		"aave-v3": 0.2,
		"uniswap": 0.35,
	}, 0.5)
	require.NoError(t, err)

	ctx := context.Background()

	score, err := risks.Risk(ctx, "usdc", "aave-v3")
	require.NoError(t, err)
	assert.Equal(t, 0.2, score)

	score, err = risks.Risk(ctx, "usdc", "uniswap")
	require.NoError(t, err)
	assert.Equal(t, 0.35, score)

	// Unlisted venues fall back to the default instead of erroring; the
	// emergency destination search depends on that.
	score, err = risks.Risk(ctx, "usdc", "unlisted-venue")
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
}

func TestConfiguredRisksRejectsBadScores(t *testing.T) {
	cases := []struct {
		name         string
		scores       map[types.VenueID]float64
		defaultScore float64
	}{
		{"negative entry", map[types.VenueID]float64{"alpha": -0.1}, 0.5},
		{"entry above one", map[types.VenueID]float64{"alpha": 1.01}, 0.5},
		{"nan entry", map[types.VenueID]float64{"alpha": math.NaN()}, 0.5},
		{"infinite entry", map[types.VenueID]float64{"alpha": math.Inf(1)}, 0.5},
		{"negative default", nil, -0.5},
		{"default above one", nil, 1.5},
		{"nan default", nil, math.NaN()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfiguredRisks(tc.scores, tc.defaultScore)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}
