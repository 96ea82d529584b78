/*

This file contains the built-in scoring weight profiles. A strategy picks one
by name; "balanced" matches the engine's default parameter weights.

*/

package strategy

import (
	"fmt"

	"github.com/stratafi/allocator/internal/types"
)

var builtinProfiles = map[types.ProfileName]types.WeightProfile{
	types.ProfileYieldMaximizing: {
		Yield:     0.70,
		Risk:      0.10,
		Liquidity: 0.10,
		Cost:      0.10,
	},
	types.ProfileRiskMinimizing: {
		Yield:     0.15,
		Risk:      0.60,
		Liquidity: 0.15,
		Cost:      0.10,
	},
	types.ProfileLiquidityOptimized: {
		Yield:     0.20,
		Risk:      0.15,
		Liquidity: 0.55,
		Cost:      0.10,
	},
	types.ProfileBalanced: {
		Yield:     0.40,
		Risk:      0.30,
		Liquidity: 0.20,
		Cost:      0.10,
	},
}

// ProfileWeights resolves a built-in profile name to its weight vector.
func ProfileWeights(name types.ProfileName) (types.WeightProfile, error) {
	w, ok := builtinProfiles[name]
	if !ok {
		return types.WeightProfile{}, fmt.Errorf("%w: unknown weight profile %q", types.ErrValidation, name)
	}
	return w, nil
}

// ProfileNames lists the built-in profile names in a stable order.
func ProfileNames() []types.ProfileName {
	return []types.ProfileName{
		types.ProfileYieldMaximizing,
		types.ProfileRiskMinimizing,
		types.ProfileLiquidityOptimized,
		types.ProfileBalanced,
	}
}
