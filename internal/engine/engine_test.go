package engine

import (
	"context"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafi/allocator/internal/config"
	"github.com/stratafi/allocator/internal/detector"
	"github.com/stratafi/allocator/internal/executor"
	"github.com/stratafi/allocator/internal/ledger"
	"github.com/stratafi/allocator/internal/oracle"
	"github.com/stratafi/allocator/internal/scorer"
	"github.com/stratafi/allocator/internal/strategy"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/venue"
)

const asset = types.Asset("usdc")

type stubAdapter struct {
	utilBps float64
	depth   sdkmath.Int
}

func (s *stubAdapter) Deposit(_ context.Context, _ types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	return amount, nil
}

func (s *stubAdapter) Withdraw(_ context.Context, _ types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	return amount, nil
}

func (s *stubAdapter) QueryUtilization(_ context.Context, _ types.Asset) (float64, error) {
	return s.utilBps, nil
}

func (s *stubAdapter) QueryYield(_ context.Context, _ types.Asset) (float64, error) {
	return 0, nil
}

func (s *stubAdapter) QueryLiquidityDepth(_ context.Context, _ types.Asset) (sdkmath.Int, error) {
	if s.depth.IsNil() {
		return sdkmath.ZeroInt(), nil
	}
	return s.depth, nil
}

// captureRecorder keeps everything a cycle persisted.
type captureRecorder struct {
	cycle      int
	detections []types.IdleDetection
	snapshots  []types.CycleSnapshot
}

func (r *captureRecorder) RecordDetections(d []types.IdleDetection) error {
	r.detections = append(r.detections, d...)
	return nil
}

func (r *captureRecorder) RecordSnapshot(s types.CycleSnapshot) (int64, error) {
	r.snapshots = append(r.snapshots, s)
	return int64(len(r.snapshots)), nil
}

func (r *captureRecorder) NextCycleNumber() (int, error) {
	r.cycle++
	return r.cycle, nil
}

func (r *captureRecorder) ActiveParamsID() (int64, error) { return 0, nil }

type fixture struct {
	engine     *Engine
	ledger     *ledger.CapitalLedger
	detector   *detector.Detector
	strategies *strategy.Manager
	recorder   *captureRecorder
	clock      *time.Time
}

// newFixture builds a full engine over venues alpha (60% utilized, holding
// all pooled capital), beta (yield 650 bps, risk 0.3), and gamma (yield 500
// bps, risk 0.1).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	params := config.DefaultEngineParameters
	registry := venue.NewRegistry()
	adapters := map[types.VenueID]*stubAdapter{
		"alpha": {utilBps: 6000, depth: sdkmath.NewInt(10_000_000)},
		"beta":  {depth: sdkmath.NewInt(10_000_000)},
		"gamma": {depth: sdkmath.NewInt(10_000_000)},
	}
	for id, a := range adapters {
		require.NoError(t, registry.Register(types.Venue{ID: id, Kind: types.VenueLending}, a))
	}

	oracles := oracle.NewStatic()
	oracles.SetYield(asset, "alpha", 200)
	oracles.SetYield(asset, "beta", 650)
	oracles.SetYield(asset, "gamma", 500)
	oracles.SetRisk(asset, "alpha", 0.2)
	oracles.SetRisk(asset, "beta", 0.3)
	oracles.SetRisk(asset, "gamma", 0.1)

	l := ledger.New(registry)
	require.NoError(t, l.RegisterAsset(asset, []types.TargetWeight{{Venue: "alpha", WeightBps: 10000}}))
	_, err := l.Deposit(context.Background(), asset, sdkmath.NewInt(1_000_000))
	require.NoError(t, err)

	det := detector.New(l, registry, oracles, params)
	collector := scorer.NewCollector(registry, oracles, oracles)
	limiter := executor.NewRateLimiter(params)
	exec := executor.New(l, registry, oracles, oracles, limiter, nil, params)
	strategies := strategy.NewManager(registry, nil, params)
	recorder := &captureRecorder{}

	eng, err := New(Config{
		Ledger:     l,
		Detector:   det,
		Collector:  collector,
		Executor:   exec,
		Strategies: strategies,
		Recorder:   recorder,
		Params:     params,
	})
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	tick := func() time.Time { return *clock }
	l.SetClock(tick)
	det.SetClock(tick)
	exec.SetClock(tick)
	strategies.SetClock(tick)
	eng.SetClock(tick)

	return &fixture{
		engine:     eng,
		ledger:     l,
		detector:   det,
		strategies: strategies,
		recorder:   recorder,
		clock:      clock,
	}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

// warmIdle runs one scan so the idle timer starts, then jumps past the
// idle-time threshold.
func (f *fixture) warmIdle(t *testing.T) {
	t.Helper()
	_, err := f.detector.Scan(context.Background(), asset)
	require.NoError(t, err)
	f.advance(30 * time.Minute)
}

func testStrategy() types.ReallocationStrategy {
	return types.ReallocationStrategy{
		Name:         "rotate-idle",
		Asset:        asset,
		Profile:      types.ProfileBalanced,
		SourceVenues: []types.VenueID{"alpha"},
		TargetWeights: []types.TargetWeight{
			{Venue: "beta", WeightBps: 5000},
			{Venue: "gamma", WeightBps: 5000},
		},
		ExecutionFrequency: time.Hour,
	}
}

func TestRunCycleExecutesBestOpportunity(t *testing.T) {
	f := newFixture(t)
	_, err := f.strategies.Create(testStrategy())
	require.NoError(t, err)
	f.warmIdle(t)

	require.NoError(t, f.engine.RunCycle(context.Background(), asset))

	// 400_000 idle moved to beta, the highest-scoring target; the gamma
	// opportunity then hit the per-asset cooldown.
	snap, err := f.ledger.Balances(asset)
	require.NoError(t, err)
	assert.Equal(t, sdkmath.NewInt(600_000), snap.PerVenue["alpha"])
	assert.Equal(t, sdkmath.NewInt(400_000), snap.PerVenue["beta"])
	assert.True(t, snap.PerVenue["gamma"].IsZero())
	assert.Equal(t, sdkmath.NewInt(1_000_000), snap.TotalDeposited)

	require.Len(t, f.recorder.snapshots, 1)
	cycle := f.recorder.snapshots[0]
	assert.Equal(t, 1, cycle.CycleNumber)
	assert.NotEmpty(t, cycle.CycleID)
	require.Len(t, cycle.Detections, 1)
	assert.Len(t, cycle.Opportunities, 2)
	require.NotEmpty(t, cycle.Receipts)
	assert.Equal(t, types.OpportunityCompleted, cycle.Receipts[0].Status)
	assert.Contains(t, cycle.VenuesTouched, "alpha")
	assert.Contains(t, cycle.VenuesTouched, "beta")
	assert.Equal(t, sdkmath.NewInt(1_000_000), cycle.InitialState.PerVenue["alpha"])
	assert.Equal(t, sdkmath.NewInt(600_000), cycle.FinalState.PerVenue["alpha"])

	assert.NotEmpty(t, f.recorder.detections)
}

func TestRunCycleNoIdleFinishesEmpty(t *testing.T) {
	f := newFixture(t)
	_, err := f.strategies.Create(testStrategy())
	require.NoError(t, err)

	// No warm-up: capital just dipped below the utilization threshold, so
	// nothing is reallocatable yet.
	require.NoError(t, f.engine.RunCycle(context.Background(), asset))

	require.Len(t, f.recorder.snapshots, 1)
	cycle := f.recorder.snapshots[0]
	assert.Empty(t, cycle.Opportunities)
	assert.Empty(t, cycle.Receipts)

	snap, err := f.ledger.Balances(asset)
	require.NoError(t, err)
	assert.Equal(t, sdkmath.NewInt(1_000_000), snap.PerVenue["alpha"])
}

func TestRunCycleAbortsWhenHalted(t *testing.T) {
	f := newFixture(t)

	// Force a halt through an overdrawn rebalance record.
	err := f.ledger.RebalanceRecord(asset, "alpha", "beta", sdkmath.NewInt(2_000_000))
	require.ErrorIs(t, err, types.ErrInvariantViolation)

	err = f.engine.RunCycle(context.Background(), asset)
	require.ErrorIs(t, err, types.ErrInvariantViolation)
	assert.Empty(t, f.recorder.snapshots, "a halted asset must not produce a cycle record")
}

func TestRunCycleSkipsStrategyNotDue(t *testing.T) {
	f := newFixture(t)
	created, err := f.strategies.Create(testStrategy())
	require.NoError(t, err)
	f.warmIdle(t)

	// Mark the strategy as just executed.
	recent := *created
	recent.LastExecution = *f.clock
	require.NoError(t, f.strategies.RecordExecution(&recent))

	require.NoError(t, f.engine.RunCycle(context.Background(), asset))

	require.Len(t, f.recorder.snapshots, 1)
	assert.Empty(t, f.recorder.snapshots[0].Receipts)
	snap, err := f.ledger.Balances(asset)
	require.NoError(t, err)
	assert.Equal(t, sdkmath.NewInt(1_000_000), snap.PerVenue["alpha"])
}

func TestRunCycleAdaptsWeights(t *testing.T) {
	f := newFixture(t)
	s := testStrategy()
	s.IsAdaptive = true
	_, err := f.strategies.Create(s)
	require.NoError(t, err)
	f.warmIdle(t)

	require.NoError(t, f.engine.RunCycle(context.Background(), asset))

	got, err := f.strategies.Get("rotate-idle")
	require.NoError(t, err)
	require.Len(t, got.TargetWeights, 2)
	// Weights shifted toward beta, the higher-yield target, under the
	// learning-rate and max-shift caps.
	assert.Greater(t, got.TargetWeights[0].WeightBps, int64(5000))
	assert.Less(t, got.TargetWeights[1].WeightBps, int64(5000))
	assert.Equal(t, types.WeightScale, got.TargetWeights[0].WeightBps+got.TargetWeights[1].WeightBps)
	assert.Equal(t, *f.clock, got.LastExecution)
}

func TestRunStrategyOperatorPath(t *testing.T) {
	f := newFixture(t)
	_, err := f.strategies.Create(testStrategy())
	require.NoError(t, err)
	f.warmIdle(t)

	receipts, err := f.engine.RunStrategy(context.Background(), "rotate-idle")
	require.NoError(t, err)
	require.NotEmpty(t, receipts)
	assert.Equal(t, types.OpportunityCompleted, receipts[0].Status)

	got, err := f.strategies.Get("rotate-idle")
	require.NoError(t, err)
	assert.Equal(t, *f.clock, got.LastExecution)

	_, err = f.engine.RunStrategy(context.Background(), "ghost")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
