/*

This file contains the allocation engine core: one RunCycle pass per asset
runs detection, metric collection, scoring per active strategy, and execution,
and records the whole cycle as an immutable snapshot. The engine halts a cycle
early rather than acting on partial data.

*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratafi/allocator/internal/detector"
	"github.com/stratafi/allocator/internal/executor"
	"github.com/stratafi/allocator/internal/ledger"
	"github.com/stratafi/allocator/internal/logger"
	"github.com/stratafi/allocator/internal/scorer"
	"github.com/stratafi/allocator/internal/strategy"
	"github.com/stratafi/allocator/internal/types"
)

// Engine wires the detector, scorer, and executor into a repeatable
// allocation cycle.
type Engine struct {
	ledger     *ledger.CapitalLedger
	detector   *detector.Detector
	collector  *scorer.Collector
	executor   *executor.Executor
	strategies *strategy.Manager
	recorder   Recorder
	params     types.EngineParameters
	log        zerolog.Logger
	now        func() time.Time
}

// Config holds the dependencies for creating an engine.
type Config struct {
	Ledger     *ledger.CapitalLedger
	Detector   *detector.Detector
	Collector  *scorer.Collector
	Executor   *executor.Executor
	Strategies *strategy.Manager
	Recorder   Recorder
	Params     types.EngineParameters
}

// New creates an engine after validating its dependencies.
func New(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if cfg.Detector == nil {
		return nil, fmt.Errorf("detector cannot be nil")
	}
	if cfg.Collector == nil {
		return nil, fmt.Errorf("metrics collector cannot be nil")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if cfg.Strategies == nil {
		return nil, fmt.Errorf("strategy manager cannot be nil")
	}
	if cfg.Recorder == nil {
		cfg.Recorder = &NoopRecorder{}
	}

	return &Engine{
		ledger:     cfg.Ledger,
		detector:   cfg.Detector,
		collector:  cfg.Collector,
		executor:   cfg.Executor,
		strategies: cfg.Strategies,
		recorder:   cfg.Recorder,
		params:     cfg.Params,
		log:        logger.GetForComponent("engine_core"),
		now:        time.Now,
	}, nil
}

// SetClock overrides the engine's time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// RunAllCycles runs one cycle per registered asset.
func (e *Engine) RunAllCycles(ctx context.Context) {
	for _, asset := range e.ledger.Assets() {
		if err := e.RunCycle(ctx, asset); err != nil {
			e.log.Error().Err(err).Str("asset", string(asset)).Msg("Cycle failed")
		}
	}
}

// RunCycle executes one full allocation cycle for an asset.
func (e *Engine) RunCycle(ctx context.Context, asset types.Asset) error {
	cycleStart := e.now()

	// Unique cycle id for tracing logs across the entire cycle.
	cycleID := uuid.New().String()
	cycleLogger := e.log.With().Str("cycle_id", cycleID).Str("asset", string(asset)).Logger()
	cycleLogger.Info().Msg("--- Starting allocation cycle ---")

	if err := e.ledger.Halted(asset); err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: ledger is halted, reconcile required")
		return err
	}

	cycleNumber, err := e.recorder.NextCycleNumber()
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: could not advance cycle counter")
		return err
	}
	paramsID, err := e.recorder.ActiveParamsID()
	if err != nil {
		cycleLogger.Warn().Err(err).Msg("Could not resolve active parameter set id")
	}

	initial, err := e.ledger.Balances(asset)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: could not snapshot initial balances")
		return err
	}

	snapshot := types.CycleSnapshot{
		CycleNumber:  cycleNumber,
		CycleID:      cycleID,
		Asset:        asset,
		ParamsID:     paramsID,
		Timestamp:    cycleStart,
		InitialState: initial,
	}

	// Step 1: detection.
	cycleLogger.Info().Msg("Step 1: Scanning venues for idle capital")
	detections, err := e.detector.Scan(ctx, asset)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: scan failed")
		return err
	}
	snapshot.Detections = detections
	if err := e.recorder.RecordDetections(detections); err != nil {
		cycleLogger.Warn().Err(err).Msg("Could not persist detections")
	}

	totalIdle := sdkmath.ZeroInt()
	for _, d := range detections {
		if d.IsReallocatable {
			totalIdle = totalIdle.Add(d.IdleAmount)
		}
	}
	if !totalIdle.IsPositive() {
		cycleLogger.Info().Msg("No reallocatable capital, finishing cycle")
		return e.finishCycle(cycleLogger, snapshot)
	}

	// Step 2: venue metrics.
	cycleLogger.Info().Str("total_idle", totalIdle.String()).Msg("Step 2: Collecting venue metrics")
	metrics := e.collector.Collect(ctx, asset, totalIdle)

	// Step 3: score and execute per active strategy. Strategies run in name
	// order so a cycle's behavior is reproducible from its inputs.
	for _, strat := range e.strategies.Active(asset) {
		e.runStrategyCycle(ctx, cycleLogger, &snapshot, &strat, detections, metrics)
	}

	return e.finishCycle(cycleLogger, snapshot)
}

// runStrategyCycle scores opportunities under one strategy's weights and
// executes them in rank order.
func (e *Engine) runStrategyCycle(
	ctx context.Context,
	cycleLogger zerolog.Logger,
	snapshot *types.CycleSnapshot,
	strat *types.ReallocationStrategy,
	detections []types.IdleDetection,
	metrics map[types.VenueID]scorer.VenueMetrics,
) {
	stratLogger := cycleLogger.With().Str("strategy", strat.Name).Logger()
	if !strat.Due(e.now()) {
		stratLogger.Debug().Msg("Strategy not due, skipping")
		return
	}

	ops, err := scorer.Score(scorer.Inputs{
		Detections:      filterDetections(detections, strat.SourceVenues),
		Metrics:         filterMetrics(metrics, strat.TargetVenues),
		Weights:         strat.Weights,
		Params:          e.params,
		RiskIncreaseCap: strat.MaxRiskIncrease,
		Now:             e.now(),
	})
	if err != nil {
		stratLogger.Error().Err(err).Msg("Scoring failed, skipping strategy")
		return
	}
	snapshot.Opportunities = append(snapshot.Opportunities, ops...)
	if len(ops) == 0 {
		stratLogger.Info().Msg("No viable opportunities under this strategy")
		return
	}
	stratLogger.Info().Int("opportunities", len(ops)).Msg("Step 3: Executing ranked opportunities")

	executed := false
	for i := range ops {
		op := &ops[i]
		if op.YieldImprovementBps < strat.MinYieldImprovementBps {
			continue
		}
		receipt, err := e.executor.Execute(ctx, op)
		snapshot.Receipts = append(snapshot.Receipts, receipt)
		if err != nil {
			if errors.Is(err, types.ErrRateLimited) {
				// The cooldown gate just closed for this asset; the rest of
				// the ranked list would hit the same wall.
				stratLogger.Info().Msg("Rate limit reached, deferring remaining opportunities")
				break
			}
			stratLogger.Warn().Err(err).Str("opportunity", op.ID).Msg("Opportunity failed, continuing")
			continue
		}
		executed = true
	}

	if executed && strat.IsAdaptive {
		e.adaptStrategy(stratLogger, strat, metrics)
	}
	strat.LastExecution = e.now()
	if err := e.strategies.RecordExecution(strat); err != nil {
		stratLogger.Warn().Err(err).Msg("Could not persist strategy execution state")
	}
}

// adaptStrategy shifts the strategy's target weights toward the venues with
// the best observed yields.
func (e *Engine) adaptStrategy(stratLogger zerolog.Logger, strat *types.ReallocationStrategy, metrics map[types.VenueID]scorer.VenueMetrics) {
	yields := make(map[types.VenueID]float64, len(metrics))
	for v, m := range metrics {
		if m.Live {
			yields[v] = m.YieldBps
		}
	}
	adapted, err := strategy.AdaptTargetWeights(strat.TargetWeights, yields, e.params)
	if err != nil {
		stratLogger.Warn().Err(err).Msg("Weight adaptation failed, keeping current weights")
		return
	}
	strat.TargetWeights = adapted
	stratLogger.Info().Msg("Adapted strategy target weights")
}

// RunStrategy executes one named strategy immediately, outside the cycle
// schedule. This is the operator-triggered path.
func (e *Engine) RunStrategy(ctx context.Context, name string) ([]types.ExecutionReceipt, error) {
	strat, err := e.strategies.Get(name)
	if err != nil {
		return nil, err
	}
	receipts, err := e.executor.ExecuteStrategy(ctx, &strat, e.detector)
	if recErr := e.strategies.RecordExecution(&strat); recErr != nil {
		e.log.Warn().Err(recErr).Str("strategy", name).Msg("Could not persist strategy execution state")
	}
	return receipts, err
}

// finishCycle snapshots the final ledger state and persists the cycle record.
func (e *Engine) finishCycle(cycleLogger zerolog.Logger, snapshot types.CycleSnapshot) error {
	final, err := e.ledger.Balances(snapshot.Asset)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Could not snapshot final balances")
		return err
	}
	snapshot.FinalState = final
	snapshot.VenuesTouched = venuesTouched(snapshot.Receipts)

	if _, err := e.recorder.RecordSnapshot(snapshot); err != nil {
		cycleLogger.Error().Err(err).Msg("Could not persist cycle snapshot")
		return err
	}
	cycleLogger.Info().
		Int("detections", len(snapshot.Detections)).
		Int("opportunities", len(snapshot.Opportunities)).
		Int("receipts", len(snapshot.Receipts)).
		Msg("--- Allocation cycle completed ---")
	return nil
}

func filterDetections(detections []types.IdleDetection, sources []types.VenueID) []types.IdleDetection {
	if len(sources) == 0 {
		return detections
	}
	allowed := make(map[types.VenueID]struct{}, len(sources))
	for _, v := range sources {
		allowed[v] = struct{}{}
	}
	var out []types.IdleDetection
	for _, d := range detections {
		if _, ok := allowed[d.Venue]; ok {
			out = append(out, d)
		}
	}
	return out
}

func filterMetrics(metrics map[types.VenueID]scorer.VenueMetrics, targets []types.VenueID) map[types.VenueID]scorer.VenueMetrics {
	if len(targets) == 0 {
		return metrics
	}
	out := make(map[types.VenueID]scorer.VenueMetrics, len(targets))
	for _, v := range targets {
		if m, ok := metrics[v]; ok {
			out[v] = m
		}
	}
	return out
}

func venuesTouched(receipts []types.ExecutionReceipt) []string {
	seen := make(map[string]struct{})
	for _, r := range receipts {
		if r.FromVenue != "" {
			seen[string(r.FromVenue)] = struct{}{}
		}
		if r.ToVenue != "" {
			seen[string(r.ToVenue)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
