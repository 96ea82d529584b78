/*

This file contains the reallocation scorer: a pure function from idle-capital
detections, per-venue metrics, and strategy weights to a ranked list of
time-boxed reallocation opportunities. All ordering is deterministic so that
identical inputs reproduce identical rankings.

*/

package scorer

import (
	"fmt"
	"sort"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/stratafi/allocator/internal/logger"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/utils"
)

var scoreLogger = logger.GetForComponent("reallocation_scorer")

// VenueMetrics is the point-in-time market data for one venue, fetched by
// the metrics collector before scoring.
type VenueMetrics struct {
	Venue          types.VenueID
	YieldBps       float64
	RiskScore      float64     // 0..1, lower is safer
	LiquidityDepth sdkmath.Int // how much the venue can absorb
	ExecutionCost  float64     // estimated cost in base units for a transfer into this venue
	Frozen         bool
	Live           bool // false when any metric came from a stale or failed query
}

// Inputs bundles everything Score needs.
type Inputs struct {
	Detections []types.IdleDetection
	Metrics    map[types.VenueID]VenueMetrics
	Weights    types.WeightProfile
	Params     types.EngineParameters
	// RiskIncreaseCap is the owning strategy's maximum allowed target-minus-
	// source risk delta. Zero or negative means uncapped.
	RiskIncreaseCap float64
	Now             time.Time
}

// Score produces ranked reallocation opportunities for every reallocatable
// detection. Candidates are discarded before scoring when the yield spread is
// inside the threshold, the risk increase exceeds the strategy's cap, or the
// net benefit is not positive.
func Score(in Inputs) ([]types.ReallocationOpportunity, error) {
	if err := validateWeights(in.Weights); err != nil {
		return nil, err
	}

	var out []types.ReallocationOpportunity
	for _, det := range in.Detections {
		if !det.IsReallocatable || !det.IdleAmount.IsPositive() {
			continue
		}
		candidates := scoreDetection(det, in)
		out = append(out, candidates...)
	}

	sortOpportunities(out)
	scoreLogger.Debug().
		Int("detections", len(in.Detections)).
		Int("opportunities", len(out)).
		Msg("Scoring complete")
	return out, nil
}

// scoreDetection scores every candidate target venue for one source of idle
// capital.
func scoreDetection(det types.IdleDetection, in Inputs) []types.ReallocationOpportunity {
	source, haveSource := in.Metrics[det.Venue]
	amountFloat, err := utils.IntToFloat64(det.IdleAmount)
	if err != nil {
		return nil
	}

	// Deterministic candidate order.
	targets := make([]types.VenueID, 0, len(in.Metrics))
	for v := range in.Metrics {
		targets = append(targets, v)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	norms := normalizers(in.Metrics)

	var out []types.ReallocationOpportunity
	for _, targetID := range targets {
		if targetID == det.Venue {
			continue
		}
		target := in.Metrics[targetID]
		if target.Frozen {
			continue
		}

		improvement := target.YieldBps - det.CurrentYieldBps
		if improvement <= in.Params.YieldThresholdBps {
			continue // no meaningful improvement
		}
		if haveSource && target.RiskScore-source.RiskScore > in.maxRiskIncrease() {
			continue
		}
		// netBenefit = amount * yieldImprovement - estimatedExecutionCost,
		// in annualized base units.
		netBenefit := amountFloat*improvement/float64(types.WeightScale) - target.ExecutionCost
		if netBenefit <= 0 {
			continue
		}

		score := in.Weights.Yield*norms.yield(target.YieldBps) +
			in.Weights.Risk*(1-norms.risk(target.RiskScore)) +
			in.Weights.Liquidity*norms.depth(target.LiquidityDepth, det.IdleAmount) -
			in.Weights.Cost*norms.cost(target.ExecutionCost)

		confidence := 1.0
		if !target.Live {
			confidence = 0.5
		}

		out = append(out, types.ReallocationOpportunity{
			ID:                  uuid.New().String(),
			Asset:               det.Asset,
			FromVenue:           det.Venue,
			ToVenue:             targetID,
			Amount:              det.IdleAmount,
			CurrentYieldBps:     det.CurrentYieldBps,
			TargetYieldBps:      target.YieldBps,
			YieldImprovementBps: improvement,
			EstimatedCost:       target.ExecutionCost,
			NetBenefit:          netBenefit,
			RiskScore:           target.RiskScore,
			Score:               score,
			Confidence:          confidence,
			Status:              types.OpportunityProposed,
			CreatedAt:           in.Now,
			ExpiresAt:           in.Now.Add(in.Params.OpportunityTTL),
		})
	}
	return out
}

// sortOpportunities ranks by score, then breaks ties by highest net benefit,
// then lowest risk, then lexicographic venue id. Full determinism is required
// for reproducibility.
func sortOpportunities(ops []types.ReallocationOpportunity) {
	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.NetBenefit != b.NetBenefit {
			return a.NetBenefit > b.NetBenefit
		}
		if a.RiskScore != b.RiskScore {
			return a.RiskScore < b.RiskScore
		}
		if a.ToVenue != b.ToVenue {
			return a.ToVenue < b.ToVenue
		}
		return a.FromVenue < b.FromVenue
	})
}

// maxRiskIncrease returns the strategy's cap, defaulting to 1 (no cap); the
// risk weight still penalizes risky targets inside the score itself.
func (in Inputs) maxRiskIncrease() float64 {
	if in.RiskIncreaseCap <= 0 {
		return 1.0
	}
	return in.RiskIncreaseCap
}

func validateWeights(w types.WeightProfile) error {
	for _, v := range []float64{w.Yield, w.Risk, w.Liquidity, w.Cost} {
		if err := utils.ValidateFinite("weight", v); err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("%w: negative scoring weight", types.ErrValidation)
		}
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("%w: scoring weights sum to zero", types.ErrValidation)
	}
	return nil
}

// normSet holds the min-max normalizers derived from the candidate set.
type normSet struct {
	minYield, maxYield float64
	minRisk, maxRisk   float64
	minCost, maxCost   float64
}

func normalizers(metrics map[types.VenueID]VenueMetrics) normSet {
	n := normSet{}
	first := true
	for _, m := range metrics {
		if first {
			n.minYield, n.maxYield = m.YieldBps, m.YieldBps
			n.minRisk, n.maxRisk = m.RiskScore, m.RiskScore
			n.minCost, n.maxCost = m.ExecutionCost, m.ExecutionCost
			first = false
			continue
		}
		n.minYield = min(n.minYield, m.YieldBps)
		n.maxYield = max(n.maxYield, m.YieldBps)
		n.minRisk = min(n.minRisk, m.RiskScore)
		n.maxRisk = max(n.maxRisk, m.RiskScore)
		n.minCost = min(n.minCost, m.ExecutionCost)
		n.maxCost = max(n.maxCost, m.ExecutionCost)
	}
	return n
}

func (n normSet) yield(v float64) float64 { return minMax(v, n.minYield, n.maxYield) }
func (n normSet) risk(v float64) float64  { return minMax(v, n.minRisk, n.maxRisk) }
func (n normSet) cost(v float64) float64  { return minMax(v, n.minCost, n.maxCost) }

// depth normalizes liquidity as the fraction of the transfer the venue can
// absorb, capped at 1.
func (n normSet) depth(depth, amount sdkmath.Int) float64 {
	if depth.IsNil() || amount.IsNil() || !amount.IsPositive() {
		return 0
	}
	if depth.GTE(amount) {
		return 1
	}
	d, err1 := utils.IntToFloat64(depth)
	a, err2 := utils.IntToFloat64(amount)
	if err1 != nil || err2 != nil || a == 0 {
		return 0
	}
	return d / a
}

// minMax maps v into [0,1] across the observed range; a flat range maps to 1
// so a lone candidate is not penalized.
func minMax(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	return (v - lo) / (hi - lo)
}
