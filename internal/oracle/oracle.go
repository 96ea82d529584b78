/*

This file defines the oracle interfaces the engine consumes. Oracles are
pluggable strategy objects returning best-effort point-in-time values;
staleness is the caller's responsibility and is enforced by the executor's
re-validation step, never inside the oracle.

*/

package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/stratafi/allocator/internal/types"
)

// YieldOracle returns the current yield for an asset in a venue, in basis
// points of APR.
type YieldOracle interface {
	Yield(ctx context.Context, asset types.Asset, venue types.VenueID) (float64, error)
}

// RiskOracle returns a risk score for a venue/asset pair in [0, 1], where 0
// is the safest.
type RiskOracle interface {
	Risk(ctx context.Context, asset types.Asset, venue types.VenueID) (float64, error)
}

// PriceOracle returns the USD price of one whole unit of an asset.
type PriceOracle interface {
	Price(ctx context.Context, asset types.Asset) (float64, error)
}

// Static is a fixture oracle serving preloaded values. It backs tests and
// dry-run deployments; production wiring uses live oracle implementations.
type Static struct {
	mu     sync.RWMutex
	yields map[string]float64
	risks  map[string]float64
	prices map[types.Asset]float64
}

// NewStatic creates an empty fixture oracle.
func NewStatic() *Static {
	return &Static{
		yields: make(map[string]float64),
		risks:  make(map[string]float64),
		prices: make(map[types.Asset]float64),
	}
}

func key(asset types.Asset, venue types.VenueID) string {
	return string(asset) + "/" + string(venue)
}

// SetYield sets the fixture yield in bps for an (asset, venue) pair.
func (s *Static) SetYield(asset types.Asset, venue types.VenueID, bps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.yields[key(asset, venue)] = bps
}

// SetRisk sets the fixture risk score for an (asset, venue) pair.
func (s *Static) SetRisk(asset types.Asset, venue types.VenueID, risk float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risks[key(asset, venue)] = risk
}

// SetPrice sets the fixture USD price for an asset.
func (s *Static) SetPrice(asset types.Asset, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = price
}

// Yield implements YieldOracle.
func (s *Static) Yield(_ context.Context, asset types.Asset, venue types.VenueID) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.yields[key(asset, venue)]
	if !ok {
		return 0, fmt.Errorf("no yield fixture for %s in %s", asset, venue)
	}
	return v, nil
}

// Risk implements RiskOracle.
func (s *Static) Risk(_ context.Context, asset types.Asset, venue types.VenueID) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.risks[key(asset, venue)]
	if !ok {
		return 0, fmt.Errorf("no risk fixture for %s in %s", asset, venue)
	}
	return v, nil
}

// Price implements PriceOracle.
func (s *Static) Price(_ context.Context, asset types.Asset) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.prices[asset]
	if !ok {
		return 0, fmt.Errorf("no price fixture for %s", asset)
	}
	return v, nil
}
