package strategy

import (
	"context"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafi/allocator/internal/config"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/venue"
)

const asset = types.Asset("usdc")

// nullAdapter satisfies venue.Adapter for registry wiring; no test in this
// package touches a venue.
type nullAdapter struct{}

func (nullAdapter) Deposit(_ context.Context, _ types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	return amount, nil
}

func (nullAdapter) Withdraw(_ context.Context, _ types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	return amount, nil
}

func (nullAdapter) QueryUtilization(_ context.Context, _ types.Asset) (float64, error) {
	return 0, nil
}

func (nullAdapter) QueryYield(_ context.Context, _ types.Asset) (float64, error) {
	return 0, nil
}

func (nullAdapter) QueryLiquidityDepth(_ context.Context, _ types.Asset) (sdkmath.Int, error) {
	return sdkmath.ZeroInt(), nil
}

// fakeStore records persistence calls in memory.
type fakeStore struct {
	saved   []types.ReallocationStrategy
	updated []types.ReallocationStrategy
	toLoad  []types.ReallocationStrategy
	nextID  int64
}

func (f *fakeStore) SaveStrategy(s *types.ReallocationStrategy) error {
	f.nextID++
	s.ID = f.nextID
	f.saved = append(f.saved, *s)
	return nil
}

func (f *fakeStore) UpdateStrategy(s *types.ReallocationStrategy) error {
	f.updated = append(f.updated, *s)
	return nil
}

func (f *fakeStore) LoadStrategies() ([]types.ReallocationStrategy, error) {
	return f.toLoad, nil
}

func testRegistry(t *testing.T) *venue.Registry {
	t.Helper()
	r := venue.NewRegistry()
	for _, id := range []types.VenueID{"alpha", "beta", "gamma"} {
		require.NoError(t, r.Register(types.Venue{ID: id, Kind: types.VenueLending}, nullAdapter{}))
	}
	return r
}

func validStrategy(name string) types.ReallocationStrategy {
	return types.ReallocationStrategy{
		Name:         name,
		Asset:        asset,
		Profile:      types.ProfileBalanced,
		SourceVenues: []types.VenueID{"alpha"},
		TargetWeights: []types.TargetWeight{
			{Venue: "beta", WeightBps: 6000},
			{Venue: "gamma", WeightBps: 4000},
		},
		ExecutionFrequency: time.Hour,
	}
}

func TestCreateResolvesProfileWeights(t *testing.T) {
	m := NewManager(testRegistry(t), nil, config.DefaultEngineParameters)

	created, err := m.Create(validStrategy("steady"))
	require.NoError(t, err)

	assert.Equal(t, types.WeightProfile{Yield: 0.40, Risk: 0.30, Liquidity: 0.20, Cost: 0.10}, created.Weights)
	assert.True(t, created.Active, "new strategies start active")
	assert.Equal(t, []types.VenueID{"beta", "gamma"}, created.TargetVenues)
	assert.False(t, created.CreatedAt.IsZero())
}

func TestCreateExplicitWeightsWin(t *testing.T) {
	m := NewManager(testRegistry(t), nil, config.DefaultEngineParameters)

	s := validStrategy("custom")
	s.Weights = types.WeightProfile{Yield: 0.25, Risk: 0.25, Liquidity: 0.25, Cost: 0.25}
	created, err := m.Create(s)
	require.NoError(t, err)
	assert.Equal(t, s.Weights, created.Weights)
}

func TestCreateRejectsInvalidStrategy(t *testing.T) {
	m := NewManager(testRegistry(t), nil, config.DefaultEngineParameters)

	cases := map[string]func(*types.ReallocationStrategy){
		"missing name":        func(s *types.ReallocationStrategy) { s.Name = "" },
		"missing asset":       func(s *types.ReallocationStrategy) { s.Asset = "" },
		"no sources":          func(s *types.ReallocationStrategy) { s.SourceVenues = nil },
		"no target weights":   func(s *types.ReallocationStrategy) { s.TargetWeights = nil },
		"weights sum off":     func(s *types.ReallocationStrategy) { s.TargetWeights[0].WeightBps = 5000 },
		"unknown target":      func(s *types.ReallocationStrategy) { s.TargetWeights[0].Venue = "ghost" },
		"unknown source":      func(s *types.ReallocationStrategy) { s.SourceVenues = []types.VenueID{"ghost"} },
		"risk cap over 1":     func(s *types.ReallocationStrategy) { s.MaxRiskIncrease = 1.5 },
		"negative yield min":  func(s *types.ReallocationStrategy) { s.MinYieldImprovementBps = -10 },
		"frequency too short": func(s *types.ReallocationStrategy) { s.ExecutionFrequency = time.Minute },
		"unknown profile":     func(s *types.ReallocationStrategy) { s.Profile = "aggressive" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := validStrategy("bad")
			mutate(&s)
			_, err := m.Create(s)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestCreateBufferIsLegalSource(t *testing.T) {
	m := NewManager(testRegistry(t), nil, config.DefaultEngineParameters)
	s := validStrategy("from-buffer")
	s.SourceVenues = []types.VenueID{types.BufferVenueID}
	_, err := m.Create(s)
	assert.NoError(t, err)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	m := NewManager(testRegistry(t), nil, config.DefaultEngineParameters)
	_, err := m.Create(validStrategy("steady"))
	require.NoError(t, err)
	_, err = m.Create(validStrategy("steady"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSetActiveAndActiveOrdering(t *testing.T) {
	m := NewManager(testRegistry(t), nil, config.DefaultEngineParameters)
	for _, name := range []string{"zulu", "alpha-first", "mike"} {
		_, err := m.Create(validStrategy(name))
		require.NoError(t, err)
	}
	require.NoError(t, m.SetActive("mike", false))

	active := m.Active(asset)
	require.Len(t, active, 2)
	assert.Equal(t, "alpha-first", active[0].Name)
	assert.Equal(t, "zulu", active[1].Name)

	assert.ErrorIs(t, m.SetActive("ghost", true), types.ErrValidation)
}

func TestActiveFiltersByAsset(t *testing.T) {
	m := NewManager(testRegistry(t), nil, config.DefaultEngineParameters)
	_, err := m.Create(validStrategy("usdc-strategy"))
	require.NoError(t, err)

	other := validStrategy("atom-strategy")
	other.Asset = "atom"
	_, err = m.Create(other)
	require.NoError(t, err)

	active := m.Active(asset)
	require.Len(t, active, 1)
	assert.Equal(t, "usdc-strategy", active[0].Name)
}

func TestRecordExecutionPersists(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(testRegistry(t), store, config.DefaultEngineParameters)
	created, err := m.Create(validStrategy("steady"))
	require.NoError(t, err)
	require.Len(t, store.saved, 1)
	assert.Positive(t, created.ID)

	executed := *created
	executed.LastExecution = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	executed.TargetWeights = []types.TargetWeight{
		{Venue: "beta", WeightBps: 6500},
		{Venue: "gamma", WeightBps: 3500},
	}
	require.NoError(t, m.RecordExecution(&executed))
	require.Len(t, store.updated, 1)

	got, err := m.Get("steady")
	require.NoError(t, err)
	assert.Equal(t, executed.LastExecution, got.LastExecution)
	assert.Equal(t, executed.TargetWeights, got.TargetWeights)
}

func TestLoadHydratesFromStore(t *testing.T) {
	stored := validStrategy("restored")
	stored.Weights = types.WeightProfile{Yield: 0.40, Risk: 0.30, Liquidity: 0.20, Cost: 0.10}
	stored.Active = true
	store := &fakeStore{toLoad: []types.ReallocationStrategy{stored}}

	m := NewManager(testRegistry(t), store, config.DefaultEngineParameters)
	require.NoError(t, m.Load())

	got, err := m.Get("restored")
	require.NoError(t, err)
	assert.Equal(t, "restored", got.Name)
	assert.True(t, got.Active)
}

func TestProfileWeights(t *testing.T) {
	for _, name := range ProfileNames() {
		w, err := ProfileWeights(name)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, w.Sum(), 1e-9, "profile %s", name)
	}
	_, err := ProfileWeights("aggressive")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestAdaptShiftsTowardHigherYield(t *testing.T) {
	current := []types.TargetWeight{
		{Venue: "beta", WeightBps: 5000},
		{Venue: "gamma", WeightBps: 5000},
	}
	yields := map[types.VenueID]float64{"beta": 600, "gamma": 400}

	adapted, err := AdaptTargetWeights(current, yields, config.DefaultEngineParameters)
	require.NoError(t, err)
	require.Len(t, adapted, 2)

	// Ideal split is 6000/4000; learning rate 0.2 moves a fifth of the gap.
	assert.Equal(t, int64(5200), adapted[0].WeightBps)
	assert.Equal(t, int64(4800), adapted[1].WeightBps)
	assert.Equal(t, types.WeightScale, adapted[0].WeightBps+adapted[1].WeightBps)
}

func TestAdaptCapsSingleStep(t *testing.T) {
	current := []types.TargetWeight{
		{Venue: "beta", WeightBps: 5000},
		{Venue: "gamma", WeightBps: 5000},
	}
	// Ideal split 8000/2000 asks for a 600 bps move; the cap holds it to 500.
	yields := map[types.VenueID]float64{"beta": 800, "gamma": 200}

	adapted, err := AdaptTargetWeights(current, yields, config.DefaultEngineParameters)
	require.NoError(t, err)
	assert.Equal(t, int64(5500), adapted[0].WeightBps)
	assert.Equal(t, int64(4500), adapted[1].WeightBps)
}

func TestAdaptNeedsEnoughSignal(t *testing.T) {
	current := []types.TargetWeight{
		{Venue: "beta", WeightBps: 6000},
		{Venue: "gamma", WeightBps: 4000},
	}

	// Single target: nothing to shift between.
	single := []types.TargetWeight{{Venue: "beta", WeightBps: 10000}}
	adapted, err := AdaptTargetWeights(single, map[types.VenueID]float64{"beta": 900}, config.DefaultEngineParameters)
	require.NoError(t, err)
	assert.Equal(t, single, adapted)

	// Only one observed yield: unchanged.
	adapted, err = AdaptTargetWeights(current, map[types.VenueID]float64{"beta": 900}, config.DefaultEngineParameters)
	require.NoError(t, err)
	assert.Equal(t, current, adapted)

	// All yields zero: unchanged.
	adapted, err = AdaptTargetWeights(current, map[types.VenueID]float64{"beta": 0, "gamma": 0}, config.DefaultEngineParameters)
	require.NoError(t, err)
	assert.Equal(t, current, adapted)

	_, err = AdaptTargetWeights(nil, nil, config.DefaultEngineParameters)
	assert.ErrorIs(t, err, types.ErrValidation)
}
