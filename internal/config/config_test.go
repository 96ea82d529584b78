package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafi/allocator/internal/types"
)

func TestParseVenueRisks(t *testing.T) {
	risks, err := parseVenueRisks("aave-v3=0.2, uniswap=0.35")
	require.NoError(t, err)
	assert.Equal(t, map[types.VenueID]float64{
		"aave-v3": 0.2,
		"uniswap": 0.35,
	}, risks)

	risks, err = parseVenueRisks("")
	require.NoError(t, err)
	assert.Empty(t, risks)

	_, err = parseVenueRisks("aave-v3")
	assert.Error(t, err)

	_, err = parseVenueRisks("aave-v3=1.5")
	assert.Error(t, err)

	_, err = parseVenueRisks("aave-v3=not-a-number")
	assert.Error(t, err)
}
