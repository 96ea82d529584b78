/*

This file contains adaptive target-weight tuning. After each execution an
adaptive strategy nudges its target weights toward the venues that delivered
the best realized yield, with the step bounded by the engine's learning rate
and max-shift cap so a single noisy cycle cannot swing an allocation.

*/

package strategy

import (
	"fmt"
	"math"

	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/utils"
)

// AdaptTargetWeights returns a new target-weight vector shifted toward the
// venues with the highest observed yield. yields maps each target venue to
// its current yield in bps; venues missing from the map keep their weight.
// The returned weights always sum to exactly WeightScale.
func AdaptTargetWeights(current []types.TargetWeight, yields map[types.VenueID]float64, params types.EngineParameters) ([]types.TargetWeight, error) {
	if len(current) == 0 {
		return nil, fmt.Errorf("%w: no target weights to adapt", types.ErrValidation)
	}
	if len(current) == 1 {
		return current, nil // nothing to shift between
	}

	var totalYield float64
	observed := 0
	for _, tw := range current {
		y, ok := yields[tw.Venue]
		if !ok {
			continue
		}
		if err := utils.ValidateFinite(fmt.Sprintf("yield for %s", tw.Venue), y); err != nil {
			return nil, err
		}
		if y < 0 {
			y = 0
		}
		totalYield += y
		observed++
	}
	if observed < 2 || totalYield <= 0 {
		return current, nil // not enough signal to adapt on
	}

	// Ideal weights are yield-proportional; step toward them by the learning
	// rate, each venue's move capped at MaxWeightShiftBps.
	adapted := make([]types.TargetWeight, len(current))
	var sum int64
	for i, tw := range current {
		adapted[i] = tw
		y, ok := yields[tw.Venue]
		if !ok {
			sum += tw.WeightBps
			continue
		}
		if y < 0 {
			y = 0
		}
		ideal := y / totalYield * float64(types.WeightScale)
		shift := params.LearningRate * (ideal - float64(tw.WeightBps))
		shift = math.Max(-float64(params.MaxWeightShiftBps), math.Min(float64(params.MaxWeightShiftBps), shift))

		next := tw.WeightBps + int64(shift)
		if next < 0 {
			next = 0
		}
		adapted[i].WeightBps = next
		sum += next
	}

	// Renormalize so the vector sums exactly to WeightScale. The correction
	// lands on the largest leg, where it distorts the allocation least.
	if sum != types.WeightScale {
		largest := 0
		for i := range adapted {
			if adapted[i].WeightBps > adapted[largest].WeightBps {
				largest = i
			}
		}
		adapted[largest].WeightBps += types.WeightScale - sum
		if adapted[largest].WeightBps < 0 {
			return nil, fmt.Errorf("%w: adaptation produced an infeasible weight vector", types.ErrValidation)
		}
	}
	return adapted, nil
}
