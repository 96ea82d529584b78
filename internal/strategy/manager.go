/*

This file contains the strategy manager: validation and lifecycle for named
reallocation strategies. Strategies are operator-managed configuration, so
every mutation is validated against the venue registry and the engine
parameters before it is persisted. Deactivation is always explicit.

*/

package strategy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratafi/allocator/internal/logger"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/venue"
)

// Store persists strategies. The database-backed implementation lives in
// internal/state.
type Store interface {
	SaveStrategy(s *types.ReallocationStrategy) error
	UpdateStrategy(s *types.ReallocationStrategy) error
	LoadStrategies() ([]types.ReallocationStrategy, error)
}

// Manager owns the in-memory strategy set and keeps the store in sync.
type Manager struct {
	mu       sync.RWMutex
	registry *venue.Registry
	store    Store
	params   types.EngineParameters
	byName   map[string]*types.ReallocationStrategy
	log      zerolog.Logger
	now      func() time.Time
}

// NewManager creates a strategy manager. A nil store keeps strategies
// in memory only.
func NewManager(registry *venue.Registry, store Store, params types.EngineParameters) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		params:   params,
		byName:   make(map[string]*types.ReallocationStrategy),
		log:      logger.GetForComponent("strategy_manager"),
		now:      time.Now,
	}
}

// SetClock overrides the manager's time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Load hydrates the manager from the store at startup.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	strategies, err := m.store.LoadStrategies()
	if err != nil {
		return fmt.Errorf("loading strategies: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range strategies {
		s := strategies[i]
		m.byName[s.Name] = &s
	}
	m.log.Info().Int("count", len(strategies)).Msg("Loaded strategies from store")
	return nil
}

// Create validates and registers a new strategy. The profile name resolves to
// its built-in weight vector unless explicit weights were supplied.
func (m *Manager) Create(s types.ReallocationStrategy) (*types.ReallocationStrategy, error) {
	if s.Weights == (types.WeightProfile{}) {
		w, err := ProfileWeights(s.Profile)
		if err != nil {
			return nil, err
		}
		s.Weights = w
	}
	if err := m.validate(&s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[s.Name]; exists {
		return nil, fmt.Errorf("%w: strategy %q already exists", types.ErrValidation, s.Name)
	}

	now := m.now()
	s.CreatedAt = now
	s.UpdatedAt = now
	s.Active = true
	if m.store != nil {
		if err := m.store.SaveStrategy(&s); err != nil {
			return nil, fmt.Errorf("persisting strategy %q: %w", s.Name, err)
		}
	}
	m.byName[s.Name] = &s
	m.log.Info().
		Str("strategy", s.Name).
		Str("asset", string(s.Asset)).
		Str("profile", string(s.Profile)).
		Msg("Strategy created")
	return &s, nil
}

// SetActive activates or deactivates a strategy by name.
func (m *Manager) SetActive(name string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: unknown strategy %q", types.ErrValidation, name)
	}
	s.Active = active
	s.UpdatedAt = m.now()
	if m.store != nil {
		if err := m.store.UpdateStrategy(s); err != nil {
			return fmt.Errorf("persisting strategy %q: %w", name, err)
		}
	}
	m.log.Info().Str("strategy", name).Bool("active", active).Msg("Strategy activation changed")
	return nil
}

// Get returns a copy of the named strategy.
func (m *Manager) Get(name string) (types.ReallocationStrategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byName[name]
	if !ok {
		return types.ReallocationStrategy{}, fmt.Errorf("%w: unknown strategy %q", types.ErrValidation, name)
	}
	return *s, nil
}

// Active returns copies of all active strategies for an asset, sorted by name
// so execution order is deterministic.
func (m *Manager) Active(asset types.Asset) []types.ReallocationStrategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ReallocationStrategy
	for _, s := range m.byName {
		if s.Active && s.Asset == asset {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns copies of every known strategy, sorted by name.
func (m *Manager) All() []types.ReallocationStrategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ReallocationStrategy, 0, len(m.byName))
	for _, s := range m.byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecordExecution writes back the post-execution state of a strategy
// (LastExecution, and adapted weights when the strategy is adaptive).
func (m *Manager) RecordExecution(s *types.ReallocationStrategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byName[s.Name]
	if !ok {
		return fmt.Errorf("%w: unknown strategy %q", types.ErrValidation, s.Name)
	}
	cur.LastExecution = s.LastExecution
	cur.TargetWeights = s.TargetWeights
	cur.UpdatedAt = m.now()
	if m.store != nil {
		if err := m.store.UpdateStrategy(cur); err != nil {
			return fmt.Errorf("persisting strategy %q: %w", s.Name, err)
		}
	}
	return nil
}

func (m *Manager) validate(s *types.ReallocationStrategy) error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if s.Asset == "" {
		errs = append(errs, errors.New("asset is required"))
	}
	if len(s.SourceVenues) == 0 {
		errs = append(errs, errors.New("at least one source venue is required"))
	}
	if len(s.TargetWeights) == 0 {
		errs = append(errs, errors.New("at least one target weight is required"))
	}

	sum := s.Weights.Sum()
	if math.Abs(sum-1.0) > 1e-9 {
		errs = append(errs, fmt.Errorf("scoring weights sum to %.6f, want 1.0", sum))
	}
	if s.MaxRiskIncrease < 0 || s.MaxRiskIncrease > 1 {
		errs = append(errs, fmt.Errorf("max risk increase %.4f out of range [0,1]", s.MaxRiskIncrease))
	}
	if s.MinYieldImprovementBps < 0 {
		errs = append(errs, fmt.Errorf("min yield improvement %.2f bps is negative", s.MinYieldImprovementBps))
	}
	if s.ExecutionFrequency < m.params.MinExecutionInterval {
		errs = append(errs, fmt.Errorf("execution frequency %s under engine minimum %s",
			s.ExecutionFrequency, m.params.MinExecutionInterval))
	}

	var totalBps int64
	for _, tw := range s.TargetWeights {
		if tw.WeightBps < 0 {
			errs = append(errs, fmt.Errorf("negative target weight for venue %s", tw.Venue))
		}
		totalBps += tw.WeightBps
		if _, err := m.registry.Venue(tw.Venue); err != nil {
			errs = append(errs, fmt.Errorf("target venue %s is not registered", tw.Venue))
		}
	}
	if totalBps != types.WeightScale {
		errs = append(errs, fmt.Errorf("target weights sum to %d bps, want %d", totalBps, types.WeightScale))
	}
	for _, sv := range s.SourceVenues {
		if sv == types.BufferVenueID {
			continue // the buffer is always a legal source
		}
		if _, err := m.registry.Venue(sv); err != nil {
			errs = append(errs, fmt.Errorf("source venue %s is not registered", sv))
		}
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{types.ErrValidation}, errs...)...)
	}

	// TargetVenues is derived, kept for API consumers.
	s.TargetVenues = s.TargetVenues[:0]
	for _, tw := range s.TargetWeights {
		s.TargetVenues = append(s.TargetVenues, tw.Venue)
	}
	return nil
}
