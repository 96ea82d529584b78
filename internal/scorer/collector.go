/*

This file contains the metrics collector that assembles the per-venue market
data the scorer consumes. A venue whose queries fail is still included with
its last-resort defaults and Live=false, so the scorer can discount it via
confidence rather than losing the candidate entirely.

*/

package scorer

import (
	"context"

	sdkmath "cosmossdk.io/math"

	"github.com/stratafi/allocator/internal/logger"
	"github.com/stratafi/allocator/internal/oracle"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/venue"
)

var collectorLogger = logger.GetForComponent("metrics_collector")

// Collector fetches VenueMetrics from adapters and oracles.
type Collector struct {
	registry *venue.Registry
	yields   oracle.YieldOracle
	risks    oracle.RiskOracle
	// CostEstimate returns the estimated execution cost in base units for a
	// transfer of the given size into the venue. Defaults to a flat zero
	// estimator when nil.
	CostEstimate func(asset types.Asset, v types.VenueID, amount sdkmath.Int) float64
}

// NewCollector creates a collector over the registry and oracles.
func NewCollector(registry *venue.Registry, yields oracle.YieldOracle, risks oracle.RiskOracle) *Collector {
	return &Collector{registry: registry, yields: yields, risks: risks}
}

// Collect gathers metrics for every registered venue for the asset.
// referenceAmount sizes the cost and depth queries; pass the largest idle
// amount under consideration.
func (c *Collector) Collect(ctx context.Context, asset types.Asset, referenceAmount sdkmath.Int) map[types.VenueID]VenueMetrics {
	out := make(map[types.VenueID]VenueMetrics)
	for _, v := range c.registry.List() {
		m := VenueMetrics{
			Venue:          v.ID,
			Frozen:         v.Frozen,
			Live:           true,
			LiquidityDepth: sdkmath.ZeroInt(),
		}

		adapter, err := c.registry.Adapter(v.ID)
		if err != nil {
			continue
		}

		if y, err := c.yields.Yield(ctx, asset, v.ID); err == nil {
			m.YieldBps = y
		} else {
			m.Live = false
			collectorLogger.Warn().Err(err).Str("venue", string(v.ID)).Msg("Yield query failed")
		}

		if r, err := c.risks.Risk(ctx, asset, v.ID); err == nil {
			m.RiskScore = r
		} else {
			// Unknown risk is treated as maximal; a venue we cannot assess
			// should never look attractive.
			m.RiskScore = 1
			m.Live = false
			collectorLogger.Warn().Err(err).Str("venue", string(v.ID)).Msg("Risk query failed")
		}

		if depth, err := adapter.QueryLiquidityDepth(ctx, asset); err == nil {
			m.LiquidityDepth = depth
		} else {
			m.Live = false
			collectorLogger.Warn().Err(err).Str("venue", string(v.ID)).Msg("Depth query failed")
		}

		if c.CostEstimate != nil {
			m.ExecutionCost = c.CostEstimate(asset, v.ID, referenceAmount)
		}

		out[v.ID] = m
	}
	return out
}
