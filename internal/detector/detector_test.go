package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafi/allocator/internal/config"
	"github.com/stratafi/allocator/internal/ledger"
	"github.com/stratafi/allocator/internal/oracle"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/venue"
)

type stubAdapter struct {
	utilBps    float64
	utilErr    error
	depositErr error
}

func (s *stubAdapter) Deposit(_ context.Context, _ types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	if s.depositErr != nil {
		return sdkmath.ZeroInt(), s.depositErr
	}
	return amount, nil
}

func (s *stubAdapter) Withdraw(_ context.Context, _ types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	return amount, nil
}

func (s *stubAdapter) QueryUtilization(_ context.Context, _ types.Asset) (float64, error) {
	if s.utilErr != nil {
		return 0, s.utilErr
	}
	return s.utilBps, nil
}

func (s *stubAdapter) QueryYield(_ context.Context, _ types.Asset) (float64, error) {
	return 0, nil
}

func (s *stubAdapter) QueryLiquidityDepth(_ context.Context, _ types.Asset) (sdkmath.Int, error) {
	return sdkmath.ZeroInt(), nil
}

const asset = types.Asset("usdc")

type fixture struct {
	detector *Detector
	ledger   *ledger.CapitalLedger
	registry *venue.Registry
	yields   *oracle.Static
	clock    *time.Time
}

// newFixture builds a detector over the given venues with equal deposit
// weights and a controllable clock. Each venue gets a yield fixture so the
// scan never skips a venue for a missing signal.
func newFixture(t *testing.T, adapters map[types.VenueID]*stubAdapter) *fixture {
	t.Helper()
	registry := venue.NewRegistry()
	yields := oracle.NewStatic()

	ids := make([]types.VenueID, 0, len(adapters))
	for id := range adapters {
		ids = append(ids, id)
	}
	weights := make([]types.TargetWeight, 0, len(ids))
	per := types.WeightScale / int64(len(ids))
	for i, id := range ids {
		w := per
		if i == 0 {
			w = types.WeightScale - per*int64(len(ids)-1)
		}
		weights = append(weights, types.TargetWeight{Venue: id, WeightBps: w})
		require.NoError(t, registry.Register(types.Venue{ID: id, Kind: types.VenueLending}, adapters[id]))
		yields.SetYield(asset, id, 300)
	}

	l := ledger.New(registry)
	require.NoError(t, l.RegisterAsset(asset, weights))

	d := New(l, registry, yields, config.DefaultEngineParameters)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	d.SetClock(func() time.Time { return *clock })
	l.SetClock(func() time.Time { return *clock })

	return &fixture{detector: d, ledger: l, registry: registry, yields: yields, clock: clock}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestScanIdleBecomesReallocatableAfterThreshold(t *testing.T) {
	adapters := map[types.VenueID]*stubAdapter{"alpha": {utilBps: 6000}}
	f := newFixture(t, adapters)

	_, err := f.ledger.Deposit(context.Background(), asset, sdkmath.NewInt(700_000))
	require.NoError(t, err)

	dets, err := f.detector.Scan(context.Background(), asset)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	det := dets[0]
	assert.Equal(t, sdkmath.NewInt(280_000), det.IdleAmount)
	assert.Equal(t, sdkmath.NewInt(420_000), det.ActiveCapital)
	// Below the utilization threshold but not yet idle long enough.
	assert.False(t, det.IsIdle)
	assert.False(t, det.IsReallocatable)
	assert.Equal(t, types.StateMonitored, det.State)
	assert.Equal(t, *f.clock, det.FirstIdleAt)

	f.advance(30 * time.Minute)

	dets, err = f.detector.Scan(context.Background(), asset)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	det = dets[0]
	assert.True(t, det.IsIdle)
	assert.True(t, det.IsReallocatable)
	assert.Equal(t, types.StateReallocatable, det.State)
	// FirstIdleAt is the original sighting, not the current scan time.
	assert.Equal(t, f.clock.Add(-30*time.Minute), det.FirstIdleAt)
	assert.Equal(t, types.StateReallocatable, f.detector.State(asset, "alpha"))
}

func TestScanIsDeterministic(t *testing.T) {
	adapters := map[types.VenueID]*stubAdapter{
		"alpha": {utilBps: 6000},
		"beta":  {utilBps: 9000},
	}
	f := newFixture(t, adapters)
	_, err := f.ledger.Deposit(context.Background(), asset, sdkmath.NewInt(1_000_000))
	require.NoError(t, err)

	first, err := f.detector.Scan(context.Background(), asset)
	require.NoError(t, err)
	second, err := f.detector.Scan(context.Background(), asset)
	require.NoError(t, err)

	assert.Equal(t, first, second, "identical inputs must produce identical detections")
	require.Len(t, first, 2)
	// Venues are walked in lexicographic order.
	assert.Equal(t, types.VenueID("alpha"), first[0].Venue)
	assert.Equal(t, types.VenueID("beta"), first[1].Venue)
}

func TestScanSkipsFailingVenue(t *testing.T) {
	adapters := map[types.VenueID]*stubAdapter{
		"alpha": {utilBps: 6000},
		"beta":  {utilErr: errors.New("rpc timeout")},
	}
	f := newFixture(t, adapters)
	_, err := f.ledger.Deposit(context.Background(), asset, sdkmath.NewInt(1_000_000))
	require.NoError(t, err)

	dets, err := f.detector.Scan(context.Background(), asset)
	require.NoError(t, err, "one failing venue must not abort the scan")
	require.Len(t, dets, 1)
	assert.Equal(t, types.VenueID("alpha"), dets[0].Venue)
	assert.Equal(t, types.StateUnknown, f.detector.State(asset, "beta"))
}

func TestScanFrozenVenueNotReallocatable(t *testing.T) {
	adapters := map[types.VenueID]*stubAdapter{"alpha": {utilBps: 6000}}
	f := newFixture(t, adapters)
	_, err := f.ledger.Deposit(context.Background(), asset, sdkmath.NewInt(700_000))
	require.NoError(t, err)

	_, err = f.detector.Scan(context.Background(), asset)
	require.NoError(t, err)
	f.advance(30 * time.Minute)
	require.NoError(t, f.registry.SetFrozen("alpha", true))

	dets, err := f.detector.Scan(context.Background(), asset)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	det := dets[0]
	assert.True(t, det.IsIdle)
	assert.False(t, det.IsReallocatable, "frozen venues are never reallocation sources")
	assert.Equal(t, types.StateNotReallocatable, det.State)
}

func TestUtilizationRecoveryRestartsIdleTimer(t *testing.T) {
	a := &stubAdapter{utilBps: 6000}
	f := newFixture(t, map[types.VenueID]*stubAdapter{"alpha": a})
	_, err := f.ledger.Deposit(context.Background(), asset, sdkmath.NewInt(700_000))
	require.NoError(t, err)

	_, err = f.detector.Scan(context.Background(), asset)
	require.NoError(t, err)

	// Venue recovers: utilization back above the threshold.
	f.advance(10 * time.Minute)
	a.utilBps = 8500
	dets, err := f.detector.Scan(context.Background(), asset)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, types.StateMonitored, dets[0].State)
	assert.True(t, dets[0].FirstIdleAt.IsZero(), "recovery must clear the first-idle mark")

	// Utilization drops again 40 minutes after the original sighting. The
	// timer restarted, so the venue is not yet idle.
	f.advance(30 * time.Minute)
	a.utilBps = 6000
	dets, err = f.detector.Scan(context.Background(), asset)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.False(t, dets[0].IsIdle)
	assert.Equal(t, *f.clock, dets[0].FirstIdleAt)
}

func TestScanSkipsBufferAndEmptyVenues(t *testing.T) {
	adapters := map[types.VenueID]*stubAdapter{
		"alpha": {utilBps: 6000},
		"beta":  {depositErr: errors.New("venue offline"), utilBps: 6000},
	}
	f := newFixture(t, adapters)

	// beta rejects its leg so that capital pools in the buffer instead.
	_, err := f.ledger.Deposit(context.Background(), asset, sdkmath.NewInt(1_000_000))
	require.NoError(t, err)

	dets, err := f.detector.Scan(context.Background(), asset)
	require.NoError(t, err)
	require.Len(t, dets, 1, "buffer and zero-balance venues are not scanned")
	assert.Equal(t, types.VenueID("alpha"), dets[0].Venue)
}
