/*

This file contains the reallocation executor: the only component allowed to
apply ledger mutations proposed by the scorer. An execution runs the fixed
order withdraw → deposit → ledger record, so the sum invariant holds at
every externally observable boundary. Every attempt, successful or not,
leaves an execution receipt with enough detail to support safe retry.

*/

package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/stratafi/allocator/internal/ledger"
	"github.com/stratafi/allocator/internal/logger"
	"github.com/stratafi/allocator/internal/oracle"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/utils"
	"github.com/stratafi/allocator/internal/venue"
)

// IdleSource feeds ExecuteStrategy with fresh idle-capital detections.
type IdleSource interface {
	Scan(ctx context.Context, asset types.Asset) ([]types.IdleDetection, error)
}

// ReceiptSink persists execution receipts. The database-backed sink lives in
// internal/state; tests use a recording fake.
type ReceiptSink interface {
	SaveReceipt(r types.ExecutionReceipt) (int64, error)
}

// Executor applies reallocation opportunities against venues and the ledger.
type Executor struct {
	ledger   *ledger.CapitalLedger
	registry *venue.Registry
	yields   oracle.YieldOracle
	risks    oracle.RiskOracle
	limiter  *RateLimiter
	receipts ReceiptSink
	params   types.EngineParameters
	log      zerolog.Logger
	now      func() time.Time
}

// New creates an executor.
func New(
	l *ledger.CapitalLedger,
	registry *venue.Registry,
	yields oracle.YieldOracle,
	risks oracle.RiskOracle,
	limiter *RateLimiter,
	receipts ReceiptSink,
	params types.EngineParameters,
) *Executor {
	return &Executor{
		ledger:   l,
		registry: registry,
		yields:   yields,
		risks:    risks,
		limiter:  limiter,
		receipts: receipts,
		params:   params,
		log:      logger.GetForComponent("reallocation_executor"),
		now:      time.Now,
	}
}

// SetClock overrides the executor's time source. Used by tests.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Execute runs one opportunity to completion. The opportunity is mutated in
// place through its state machine and is single-use: a consumed opportunity
// is never re-executed.
func (e *Executor) Execute(ctx context.Context, op *types.ReallocationOpportunity) (types.ExecutionReceipt, error) {
	return e.execute(ctx, op, false)
}

// execute runs one opportunity. With sameCycle set the cooldown is neither
// checked nor recorded here: the caller owns the rate-limit cycle and the
// per-cycle cap is the only limit applied per opportunity.
func (e *Executor) execute(ctx context.Context, op *types.ReallocationOpportunity, sameCycle bool) (types.ExecutionReceipt, error) {
	now := e.now()
	receipt := types.ExecutionReceipt{
		OpportunityID:           op.ID,
		Asset:                   op.Asset,
		FromVenue:               op.FromVenue,
		ToVenue:                 op.ToVenue,
		RequestedAmount:         op.Amount,
		WithdrawnAmount:         sdkmath.ZeroInt(),
		DepositedAmount:         sdkmath.ZeroInt(),
		EstimatedImprovementBps: op.YieldImprovementBps,
		Timestamp:               now,
	}

	// Step 1: expiry. Staleness is the only cancellation mechanism.
	if op.Expired(now) {
		op.Status = types.OpportunityExpired
		op.FailureReason = "expired"
		return e.finish(receipt, op, types.StepValidate, types.ErrOpportunityExpired)
	}

	unlock, err := e.ledger.AcquireAssetLock(op.Asset)
	if err != nil {
		op.Status = types.OpportunityFailed
		op.FailureReason = err.Error()
		return e.finish(receipt, op, types.StepValidate, err)
	}
	defer unlock()

	// Step 2: re-validate the spread against live yields. Never execute a
	// transfer whose justification has disappeared.
	fromYield, toYield, err := e.fetchYields(ctx, op.Asset, op.FromVenue, op.ToVenue)
	if err != nil {
		op.Status = types.OpportunityFailed
		op.FailureReason = err.Error()
		return e.finish(receipt, op, types.StepValidate, errors.Join(types.ErrVenueUnavailable, err))
	}
	if toYield-fromYield <= e.params.YieldThresholdBps {
		op.Status = types.OpportunityFailed
		op.FailureReason = "stale"
		return e.finish(receipt, op, types.StepValidate,
			fmt.Errorf("%w: live spread %.2f bps under threshold %.2f",
				types.ErrStaleOpportunity, toYield-fromYield, e.params.YieldThresholdBps))
	}
	op.Status = types.OpportunityValidated

	// Step 3: rate limits. Available capital is the source venue's ledger
	// balance, the widest amount this opportunity could have moved.
	available, err := e.ledger.VenueBalance(op.Asset, op.FromVenue)
	if err != nil {
		op.Status = types.OpportunityFailed
		op.FailureReason = err.Error()
		return e.finish(receipt, op, types.StepRateLimit, err)
	}
	if !sameCycle {
		if err := e.limiter.CheckCooldown(op.Asset, now); err != nil {
			op.Status = types.OpportunityFailed
			op.FailureReason = err.Error()
			return e.finish(receipt, op, types.StepRateLimit, err)
		}
	}
	if err := e.limiter.CheckCap(op.Amount, available); err != nil {
		op.Status = types.OpportunityFailed
		op.FailureReason = err.Error()
		return e.finish(receipt, op, types.StepRateLimit, err)
	}

	op.Status = types.OpportunityExecuting
	receipt, err = e.transfer(ctx, receipt, op.Asset, op.FromVenue, op.ToVenue, op.Amount)
	if err != nil {
		op.Status = types.OpportunityFailed
		op.FailureReason = receipt.Message
		return e.finish(receipt, op, receipt.FailedStep, err)
	}

	// Step 6: success bookkeeping.
	if !sameCycle {
		e.limiter.Record(op.Asset, now)
	}
	op.Status = types.OpportunityCompleted
	receipt.RealizedImprovementBps = toYield - fromYield
	return e.finish(receipt, op, types.StepNone, nil)
}

// transfer performs the physical withdraw/deposit pair and the ledger record,
// keeping the ledger aligned with wherever the funds actually ended up.
func (e *Executor) transfer(ctx context.Context, receipt types.ExecutionReceipt, asset types.Asset, from, to types.VenueID, amount sdkmath.Int) (types.ExecutionReceipt, error) {
	fromAdapter, err := e.registry.Adapter(from)
	if err != nil {
		receipt.FailedStep = types.StepWithdraw
		receipt.Message = err.Error()
		return receipt, err
	}
	toAdapter, err := e.registry.Adapter(to)
	if err != nil {
		receipt.FailedStep = types.StepDeposit
		receipt.Message = err.Error()
		return receipt, err
	}

	// Step 4: withdraw from the source venue.
	withdrawn, err := fromAdapter.Withdraw(ctx, asset, amount)
	if err != nil {
		receipt.FailedStep = types.StepWithdraw
		receipt.Message = fmt.Sprintf("withdrawal from %s failed: %v", from, err)
		return receipt, errors.Join(types.ErrVenueUnavailable, err)
	}
	receipt.WithdrawnAmount = withdrawn

	if withdrawn.LT(amount) {
		// Short fill: abort the whole opportunity. Depositing a short-changed
		// amount would silently under-allocate the target.
		e.returnFunds(ctx, receipt.OpportunityID, asset, from, fromAdapter, withdrawn)
		receipt.FailedStep = types.StepWithdraw
		receipt.Message = fmt.Sprintf("short withdrawal: requested %s, received %s", amount.String(), withdrawn.String())
		return receipt, fmt.Errorf("%w: %s", types.ErrVenueUnavailable, receipt.Message)
	}

	// Step 5: deposit into the target venue.
	deposited, err := toAdapter.Deposit(ctx, asset, withdrawn)
	if err != nil {
		e.returnFunds(ctx, receipt.OpportunityID, asset, from, fromAdapter, withdrawn)
		receipt.FailedStep = types.StepDeposit
		receipt.Message = fmt.Sprintf("deposit into %s failed: %v", to, err)
		return receipt, errors.Join(types.ErrVenueUnavailable, err)
	}
	receipt.DepositedAmount = deposited

	if deposited.LT(withdrawn) {
		// The target accepted only part of the transfer; put the remainder
		// back and record only what actually moved.
		remainder := withdrawn.Sub(deposited)
		e.returnFunds(ctx, receipt.OpportunityID, asset, from, fromAdapter, remainder)
		if deposited.IsPositive() {
			if err := e.ledger.RebalanceRecord(asset, from, to, deposited); err != nil {
				receipt.FailedStep = types.StepRecord
				receipt.Message = err.Error()
				return receipt, err
			}
		}
		receipt.FailedStep = types.StepDeposit
		receipt.Message = fmt.Sprintf("partial deposit: sent %s, accepted %s", withdrawn.String(), deposited.String())
		return receipt, fmt.Errorf("%w: %s", types.ErrVenueUnavailable, receipt.Message)
	}

	// Ledger record last, after both physical legs succeeded.
	if err := e.ledger.RebalanceRecord(asset, from, to, deposited); err != nil {
		receipt.FailedStep = types.StepRecord
		receipt.Message = err.Error()
		return receipt, err
	}
	return receipt, nil
}

// returnFunds sends withdrawn capital back to its source venue best-effort.
// If the venue refuses it, the funds sit in pool custody and the ledger is
// pointed at the buffer so it keeps matching physical reality.
func (e *Executor) returnFunds(ctx context.Context, opID string, asset types.Asset, from types.VenueID, adapter venue.Adapter, amount sdkmath.Int) {
	if !amount.IsPositive() {
		return
	}
	refunded, err := adapter.Deposit(ctx, asset, amount)
	if err == nil && refunded.Equal(amount) {
		return
	}

	stranded := amount
	if err == nil {
		stranded = amount.Sub(refunded)
	}
	e.log.Error().
		Str("opportunity", opID).
		Str("asset", string(asset)).
		Str("venue", string(from)).
		Str("stranded", stranded.String()).
		Msg("Could not return funds to source venue, crediting buffer")
	if recErr := e.ledger.RebalanceRecord(asset, from, types.BufferVenueID, stranded); recErr != nil {
		e.log.Error().Err(recErr).
			Str("asset", string(asset)).
			Msg("Failed to record stranded funds against buffer")
	}
}

// ExecuteStrategy computes idle capital across the strategy's source venues,
// derives per-target amounts from its target weights, and executes one
// opportunity per nonzero target. Targets are independent: one failure does
// not block the others. The whole invocation is a single rate-limit cycle:
// the asset cooldown is checked once on entry and recorded once on exit, so
// the first completed target never locks out its siblings.
func (e *Executor) ExecuteStrategy(ctx context.Context, strat *types.ReallocationStrategy, idle IdleSource) ([]types.ExecutionReceipt, error) {
	now := e.now()
	if !strat.Active {
		return nil, fmt.Errorf("%w: strategy %q is inactive", types.ErrValidation, strat.Name)
	}
	if !strat.Due(now) {
		return nil, fmt.Errorf("%w: strategy %q not due until %s",
			types.ErrRateLimited, strat.Name, strat.LastExecution.Add(strat.ExecutionFrequency).Format(time.RFC3339))
	}
	if err := e.limiter.CheckCooldown(strat.Asset, now); err != nil {
		return nil, err
	}

	detections, err := idle.Scan(ctx, strat.Asset)
	if err != nil {
		return nil, err
	}

	// Pool reallocatable idle across the strategy's source venues, keeping
	// per-source amounts so each opportunity draws from a concrete venue.
	sources := make(map[types.VenueID]sdkmath.Int)
	totalIdle := sdkmath.ZeroInt()
	for _, det := range detections {
		if !det.IsReallocatable {
			continue
		}
		for _, sv := range strat.SourceVenues {
			if det.Venue == sv {
				sources[sv] = det.IdleAmount
				totalIdle = totalIdle.Add(det.IdleAmount)
			}
		}
	}
	if !totalIdle.IsPositive() {
		e.log.Info().Str("strategy", strat.Name).Msg("No reallocatable idle capital, nothing to execute")
		strat.LastExecution = now
		return nil, nil
	}

	targetAmounts, err := utils.SplitByWeights(totalIdle, strat.TargetWeights)
	if err != nil {
		return nil, errors.Join(types.ErrValidation, err)
	}

	var receipts []types.ExecutionReceipt
	executed := false
	for _, tw := range strat.TargetWeights {
		amount := targetAmounts[tw.Venue]
		if !amount.IsPositive() {
			continue
		}
		from, take, ok := drawFromSources(sources, tw.Venue, amount)
		if !ok {
			continue
		}

		op, err := e.propose(ctx, strat, from, tw.Venue, take, now)
		if err != nil {
			e.log.Warn().Err(err).
				Str("strategy", strat.Name).
				Str("target", string(tw.Venue)).
				Msg("Skipping target")
			continue
		}

		receipt, err := e.execute(ctx, op, true)
		receipts = append(receipts, receipt)
		if err != nil {
			e.log.Warn().Err(err).
				Str("strategy", strat.Name).
				Str("target", string(tw.Venue)).
				Msg("Target execution failed, continuing with remaining targets")
			continue
		}
		executed = true
		sources[from] = sources[from].Sub(take)
	}
	if executed {
		e.limiter.Record(strat.Asset, now)
	}

	strat.LastExecution = now
	return receipts, nil
}

// drawFromSources picks the source venue with the most idle capital that is
// not the target itself, capped at what it holds.
func drawFromSources(sources map[types.VenueID]sdkmath.Int, target types.VenueID, amount sdkmath.Int) (types.VenueID, sdkmath.Int, bool) {
	var best types.VenueID
	bestAmt := sdkmath.ZeroInt()
	for v, idle := range sources {
		if v == target || !idle.IsPositive() {
			continue
		}
		if idle.GT(bestAmt) || (idle.Equal(bestAmt) && (best == "" || v < best)) {
			best, bestAmt = v, idle
		}
	}
	if best == "" {
		return "", sdkmath.ZeroInt(), false
	}
	return best, sdkmath.MinInt(bestAmt, amount), true
}

// propose builds a strategy-driven opportunity from live oracle data.
func (e *Executor) propose(ctx context.Context, strat *types.ReallocationStrategy, from, to types.VenueID, amount sdkmath.Int, now time.Time) (*types.ReallocationOpportunity, error) {
	fromYield, toYield, err := e.fetchYields(ctx, strat.Asset, from, to)
	if err != nil {
		return nil, errors.Join(types.ErrVenueUnavailable, err)
	}
	improvement := toYield - fromYield
	if improvement < strat.MinYieldImprovementBps {
		return nil, fmt.Errorf("%w: improvement %.2f bps under strategy minimum %.2f",
			types.ErrStaleOpportunity, improvement, strat.MinYieldImprovementBps)
	}
	risk, err := e.risks.Risk(ctx, strat.Asset, to)
	if err != nil {
		risk = 1
	}

	amountFloat, err := utils.IntToFloat64(amount)
	if err != nil {
		return nil, err
	}
	return &types.ReallocationOpportunity{
		ID:                  newOpportunityID(),
		Asset:               strat.Asset,
		FromVenue:           from,
		ToVenue:             to,
		Amount:              amount,
		CurrentYieldBps:     fromYield,
		TargetYieldBps:      toYield,
		YieldImprovementBps: improvement,
		NetBenefit:          amountFloat * improvement / float64(types.WeightScale),
		RiskScore:           risk,
		Confidence:          1,
		Status:              types.OpportunityProposed,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.params.OpportunityTTL),
	}, nil
}

// EmergencyReallocate evacuates capital from an unsafe venue into the
// lowest-risk available venue, bypassing cooldown and yield-improvement
// checks entirely.
func (e *Executor) EmergencyReallocate(ctx context.Context, asset types.Asset, from types.VenueID, amount sdkmath.Int) (types.ExecutionReceipt, error) {
	now := e.now()
	receipt := types.ExecutionReceipt{
		OpportunityID:   newOpportunityID(),
		Asset:           asset,
		FromVenue:       from,
		RequestedAmount: amount,
		WithdrawnAmount: sdkmath.ZeroInt(),
		DepositedAmount: sdkmath.ZeroInt(),
		Emergency:       true,
		Timestamp:       now,
	}

	if amount.IsNil() || !amount.IsPositive() {
		return receipt, fmt.Errorf("%w: emergency amount must be positive", types.ErrValidation)
	}

	dest, err := e.safestVenue(ctx, asset, from)
	if err != nil {
		receipt.Status = types.OpportunityFailed
		receipt.Message = err.Error()
		e.save(&receipt)
		return receipt, err
	}
	receipt.ToVenue = dest

	unlock, err := e.ledger.AcquireAssetLock(asset)
	if err != nil {
		receipt.Status = types.OpportunityFailed
		receipt.Message = err.Error()
		e.save(&receipt)
		return receipt, err
	}
	defer unlock()

	receipt, err = e.transfer(ctx, receipt, asset, from, dest, amount)
	if err != nil {
		receipt.Status = types.OpportunityFailed
		e.save(&receipt)
		return receipt, err
	}

	receipt.Status = types.OpportunityCompleted
	e.save(&receipt)
	e.log.Warn().
		Str("asset", string(asset)).
		Str("from", string(from)).
		Str("to", string(dest)).
		Str("amount", amount.String()).
		Msg("Emergency reallocation completed")
	return receipt, nil
}

// safestVenue returns the unfrozen venue with the lowest risk score,
// breaking ties lexicographically.
func (e *Executor) safestVenue(ctx context.Context, asset types.Asset, exclude types.VenueID) (types.VenueID, error) {
	var best types.VenueID
	bestRisk := 2.0
	for _, v := range e.registry.List() {
		if v.ID == exclude || v.Frozen {
			continue
		}
		risk, err := e.risks.Risk(ctx, asset, v.ID)
		if err != nil {
			continue
		}
		if risk < bestRisk {
			best, bestRisk = v.ID, risk
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: no safe destination venue available", types.ErrVenueUnavailable)
	}
	return best, nil
}

func (e *Executor) fetchYields(ctx context.Context, asset types.Asset, from, to types.VenueID) (float64, float64, error) {
	fromYield, err := e.yields.Yield(ctx, asset, from)
	if err != nil {
		return 0, 0, fmt.Errorf("source yield for %s: %w", from, err)
	}
	toYield, err := e.yields.Yield(ctx, asset, to)
	if err != nil {
		return 0, 0, fmt.Errorf("target yield for %s: %w", to, err)
	}
	return fromYield, toYield, nil
}

// finish persists the receipt and returns it with the originating error.
func (e *Executor) finish(receipt types.ExecutionReceipt, op *types.ReallocationOpportunity, step types.ExecutionStep, cause error) (types.ExecutionReceipt, error) {
	receipt.Status = op.Status
	if receipt.FailedStep == types.StepNone {
		receipt.FailedStep = step
	}
	if receipt.Message == "" && cause != nil {
		receipt.Message = cause.Error()
	}
	e.save(&receipt)
	return receipt, cause
}

func (e *Executor) save(receipt *types.ExecutionReceipt) {
	if e.receipts == nil {
		return
	}
	id, err := e.receipts.SaveReceipt(*receipt)
	if err != nil {
		e.log.Error().Err(err).
			Str("opportunity", receipt.OpportunityID).
			Msg("Failed to persist execution receipt")
		return
	}
	receipt.ReceiptID = id
}
