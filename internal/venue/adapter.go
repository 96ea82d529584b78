/*

This file defines the adapter interface through which the engine reaches
external venues, and the registry that tracks configured venues and their
emergency state. Per-venue mechanics (lending markets, AMMs, vault
strategies, staking) live entirely behind the adapter.

*/

package venue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sdkmath "cosmossdk.io/math"

	"github.com/stratafi/allocator/internal/types"
)

// Adapter is the narrow interface a venue must expose. Implementations must
// be idempotent-safe to call repeatedly with the same logical request during
// retry, and must return the actual amount moved, which may be less than
// requested.
type Adapter interface {
	// Deposit places amount of asset into the venue and returns the amount
	// actually accepted.
	Deposit(ctx context.Context, asset types.Asset, amount sdkmath.Int) (sdkmath.Int, error)

	// Withdraw pulls amount of asset out of the venue and returns the amount
	// actually returned, which may be short of the request.
	Withdraw(ctx context.Context, asset types.Asset, amount sdkmath.Int) (sdkmath.Int, error)

	// QueryUtilization returns the venue's downstream utilization for the
	// asset in basis points (0..10000).
	QueryUtilization(ctx context.Context, asset types.Asset) (float64, error)

	// QueryYield returns the venue's current yield for the asset in basis
	// points of APR.
	QueryYield(ctx context.Context, asset types.Asset) (float64, error)

	// QueryLiquidityDepth returns how much of the asset the venue can absorb
	// without material price impact.
	QueryLiquidityDepth(ctx context.Context, asset types.Asset) (sdkmath.Int, error)
}

// Registry tracks configured venues, their adapters, and their emergency
// (frozen) state. Frozen venues are skipped as reallocation targets and
// trigger the emergency evacuation path.
type Registry struct {
	mu       sync.RWMutex
	venues   map[types.VenueID]types.Venue
	adapters map[types.VenueID]Adapter
}

// NewRegistry creates an empty venue registry.
func NewRegistry() *Registry {
	return &Registry{
		venues:   make(map[types.VenueID]types.Venue),
		adapters: make(map[types.VenueID]Adapter),
	}
}

// Register adds a venue with its adapter. Registering the reserved buffer
// venue is rejected: the buffer is ledger-internal and has no adapter.
func (r *Registry) Register(v types.Venue, a Adapter) error {
	if v.ID == "" {
		return fmt.Errorf("%w: venue id is empty", types.ErrValidation)
	}
	if v.ID == types.BufferVenueID || v.Kind == types.VenueBuffer {
		return fmt.Errorf("%w: buffer venue cannot be registered", types.ErrValidation)
	}
	if a == nil {
		return fmt.Errorf("%w: adapter for venue %s is nil", types.ErrValidation, v.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.venues[v.ID]; exists {
		return fmt.Errorf("%w: venue %s already registered", types.ErrValidation, v.ID)
	}
	r.venues[v.ID] = v
	r.adapters[v.ID] = a
	return nil
}

// Adapter returns the adapter for a venue id.
func (r *Registry) Adapter(id types.VenueID) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: venue %s", types.ErrValidation, id)
	}
	return a, nil
}

// Venue returns the venue descriptor for an id.
func (r *Registry) Venue(id types.VenueID) (types.Venue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[id]
	if !ok {
		return types.Venue{}, fmt.Errorf("%w: venue %s", types.ErrValidation, id)
	}
	return v, nil
}

// IsFrozen reports the emergency flag for a venue. Unknown venues count as
// frozen so they can never be chosen as a destination.
func (r *Registry) IsFrozen(id types.VenueID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[id]
	if !ok {
		return true
	}
	return v.Frozen
}

// SetFrozen flips the emergency flag for a venue.
func (r *Registry) SetFrozen(id types.VenueID, frozen bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.venues[id]
	if !ok {
		return fmt.Errorf("%w: venue %s", types.ErrValidation, id)
	}
	v.Frozen = frozen
	r.venues[id] = v
	return nil
}

// List returns all registered venues sorted by id. Deterministic ordering
// keeps scans and scoring reproducible.
func (r *Registry) List() []types.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Venue, 0, len(r.venues))
	for _, v := range r.venues {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
