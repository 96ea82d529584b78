package keeper

import (
	"context"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafi/allocator/internal/config"
	"github.com/stratafi/allocator/internal/detector"
	"github.com/stratafi/allocator/internal/engine"
	"github.com/stratafi/allocator/internal/executor"
	"github.com/stratafi/allocator/internal/ledger"
	"github.com/stratafi/allocator/internal/oracle"
	"github.com/stratafi/allocator/internal/scorer"
	"github.com/stratafi/allocator/internal/strategy"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/venue"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	params := config.DefaultEngineParameters
	registry := venue.NewRegistry()
	oracles := oracle.NewStatic()
	l := ledger.New(registry)

	eng, err := engine.New(engine.Config{
		Ledger:     l,
		Detector:   detector.New(l, registry, oracles, params),
		Collector:  scorer.NewCollector(registry, oracles, oracles),
		Executor:   executor.New(l, registry, oracles, oracles, executor.NewRateLimiter(params), nil, params),
		Strategies: strategy.NewManager(registry, nil, params),
		Params:     params,
	})
	require.NoError(t, err)
	return eng
}

func TestNewValidatesSchedule(t *testing.T) {
	eng := testEngine(t)

	_, err := New(nil, "@every 10m")
	assert.Error(t, err)

	_, err = New(eng, "not a cron expression")
	assert.Error(t, err)

	k, err := New(eng, "@every 10m")
	require.NoError(t, err)
	assert.NotNil(t, k)

	k, err = New(eng, "*/15 * * * *")
	require.NoError(t, err)
	assert.NotNil(t, k)
}

func TestStartAndStop(t *testing.T) {
	k, err := New(testEngine(t), "@every 1h")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, k.Start(ctx))
	assert.Error(t, k.Start(ctx), "double start must be rejected")

	k.Stop()
	k.Stop() // idempotent
}

// blockingAdapter stalls every utilization query until released, simulating a
// cycle that outlives the keeper schedule interval.
type blockingAdapter struct {
	entered chan struct{}
	release chan struct{}
}

func (a *blockingAdapter) Deposit(_ context.Context, _ types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	return amount, nil
}

func (a *blockingAdapter) Withdraw(_ context.Context, _ types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	return amount, nil
}

func (a *blockingAdapter) QueryUtilization(_ context.Context, _ types.Asset) (float64, error) {
	a.entered <- struct{}{}
	<-a.release
	return 9000, nil
}

func (a *blockingAdapter) QueryYield(_ context.Context, _ types.Asset) (float64, error) {
	return 300, nil
}

func (a *blockingAdapter) QueryLiquidityDepth(_ context.Context, _ types.Asset) (sdkmath.Int, error) {
	return sdkmath.NewInt(10_000_000), nil
}

func TestScheduledCyclesDoNotOverlap(t *testing.T) {
	params := config.DefaultEngineParameters
	registry := venue.NewRegistry()
	adapter := &blockingAdapter{entered: make(chan struct{}, 3), release: make(chan struct{})}
	require.NoError(t, registry.Register(types.Venue{ID: "alpha", Kind: types.VenueLending}, adapter))

	l := ledger.New(registry)
	require.NoError(t, l.RegisterAsset("usdc", []types.TargetWeight{{Venue: "alpha", WeightBps: 10000}}))
	_, err := l.Deposit(context.Background(), "usdc", sdkmath.NewInt(1_000_000))
	require.NoError(t, err)

	oracles := oracle.NewStatic()
	eng, err := engine.New(engine.Config{
		Ledger:     l,
		Detector:   detector.New(l, registry, oracles, params),
		Collector:  scorer.NewCollector(registry, oracles, oracles),
		Executor:   executor.New(l, registry, oracles, oracles, executor.NewRateLimiter(params), nil, params),
		Strategies: strategy.NewManager(registry, nil, params),
		Params:     params,
	})
	require.NoError(t, err)

	k, err := New(eng, "@every 1h")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, k.Start(ctx))

	// The immediate startup cycle is now parked inside the adapter.
	<-adapter.entered

	jobs := k.cron.Entries()
	require.Len(t, jobs, 1)

	// First scheduled trigger: runs and parks in the adapter too.
	go jobs[0].WrappedJob.Run()
	<-adapter.entered

	// Second trigger while the first is still in flight must be skipped
	// rather than running a third concurrent cycle.
	skipped := make(chan struct{})
	go func() {
		jobs[0].WrappedJob.Run()
		close(skipped)
	}()
	select {
	case <-skipped:
	case <-adapter.entered:
		t.Fatal("overlapping trigger started a concurrent cycle")
	case <-time.After(5 * time.Second):
		t.Fatal("overlapping trigger neither skipped nor ran")
	}

	close(adapter.release)
	k.Stop()
}
