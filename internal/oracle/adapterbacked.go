/*

This file contains the adapter-backed yield oracle: venues already report
their own yields through the adapter interface, so the default production
wiring reads yield from the venue itself and only risk and price come from
external oracles.

*/

package oracle

import (
	"context"
	"errors"

	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/venue"
)

// AdapterYields serves YieldOracle queries straight from venue adapters.
type AdapterYields struct {
	registry *venue.Registry
}

// NewAdapterYields creates a yield oracle backed by the venue registry.
func NewAdapterYields(registry *venue.Registry) *AdapterYields {
	return &AdapterYields{registry: registry}
}

// Yield implements YieldOracle. Buffer capital earns nothing.
func (a *AdapterYields) Yield(ctx context.Context, asset types.Asset, venueID types.VenueID) (float64, error) {
	if venueID == types.BufferVenueID {
		return 0, nil
	}
	adapter, err := a.registry.Adapter(venueID)
	if err != nil {
		return 0, err
	}
	bps, err := adapter.QueryYield(ctx, asset)
	if err != nil {
		return 0, errors.Join(types.ErrVenueUnavailable, err)
	}
	return bps, nil
}
