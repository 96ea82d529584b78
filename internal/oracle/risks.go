/*

This file contains the configuration-backed risk oracle. Venue risk scores
are operator-assigned and change through config rollouts, not market data, so
the production source is a validated table loaded at startup. Venues without
an explicit entry get the default score rather than an error; the emergency
path depends on every venue being scorable.

*/

package oracle

import (
	"context"
	"fmt"
	"math"

	"github.com/stratafi/allocator/internal/types"
)

// ConfiguredRisks serves per-venue risk scores from configuration.
type ConfiguredRisks struct {
	scores       map[types.VenueID]float64
	defaultScore float64
}

// NewConfiguredRisks builds a risk oracle from operator-assigned scores. All
// scores, including the default, must be finite and within [0, 1].
func NewConfiguredRisks(scores map[types.VenueID]float64, defaultScore float64) (*ConfiguredRisks, error) {
	if err := validRiskScore(defaultScore); err != nil {
		return nil, fmt.Errorf("default risk score: %w", err)
	}
	copied := make(map[types.VenueID]float64, len(scores))
	for v, s := range scores {
		if err := validRiskScore(s); err != nil {
			return nil, fmt.Errorf("risk score for venue %s: %w", v, err)
		}
		copied[v] = s
	}
	return &ConfiguredRisks{scores: copied, defaultScore: defaultScore}, nil
}

func validRiskScore(s float64) error {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return fmt.Errorf("%w: score must be finite", types.ErrValidation)
	}
	if s < 0 || s > 1 {
		return fmt.Errorf("%w: score %.4f outside [0, 1]", types.ErrValidation, s)
	}
	return nil
}

// Risk implements RiskOracle. Risk scores are venue-scoped; the asset does
// not change a venue's operational risk.
func (c *ConfiguredRisks) Risk(_ context.Context, _ types.Asset, venue types.VenueID) (float64, error) {
	if s, ok := c.scores[venue]; ok {
		return s, nil
	}
	return c.defaultScore, nil
}
