/*

This file contains the capital ledger: the authoritative record of how much
of each asset is pooled in total and how much sits in each venue. The ledger
is the single owner of balances; every other component reads it and proposes
mutations that only the executor is allowed to apply through RebalanceRecord.

The sum invariant (total deposited equals the sum of per-venue balances,
buffer included) must hold after every mutating operation. A detected
violation halts all further mutations for the asset until an operator
reconciles it.

*/

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/stratafi/allocator/internal/logger"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/utils"
	"github.com/stratafi/allocator/internal/venue"
)

// entry is the per-asset ledger record.
type entry struct {
	total      sdkmath.Int
	perVenue   map[types.VenueID]sdkmath.Int
	weights    []types.TargetWeight
	lastUpdate time.Time
}

// CapitalLedger maintains per-asset, per-venue balances.
type CapitalLedger struct {
	registry *venue.Registry
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[types.Asset]*entry
	halted  map[types.Asset]error

	// Per-asset exclusive execution locks. Acquired with TryLock so a
	// reentrant adapter callback fails fast instead of deadlocking.
	lockMu sync.Mutex
	locks  map[types.Asset]*sync.Mutex
}

// New creates an empty ledger over the given venue registry.
func New(registry *venue.Registry) *CapitalLedger {
	return &CapitalLedger{
		registry: registry,
		log:      logger.GetForComponent("capital_ledger"),
		now:      time.Now,
		entries:  make(map[types.Asset]*entry),
		halted:   make(map[types.Asset]error),
		locks:    make(map[types.Asset]*sync.Mutex),
	}
}

// SetClock overrides the ledger's time source. Used by tests.
func (l *CapitalLedger) SetClock(now func() time.Time) {
	l.now = now
}

// RegisterAsset registers an asset with its ordered venue split. Every asset
// must be registered before any deposit or allocation call succeeds.
func (l *CapitalLedger) RegisterAsset(asset types.Asset, weights []types.TargetWeight) error {
	if asset == "" {
		return fmt.Errorf("%w: asset is empty", types.ErrValidation)
	}
	if err := l.validateWeights(weights); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[asset]; exists {
		return fmt.Errorf("%w: asset %s already registered", types.ErrValidation, asset)
	}

	perVenue := map[types.VenueID]sdkmath.Int{
		types.BufferVenueID: sdkmath.ZeroInt(),
	}
	for _, w := range weights {
		perVenue[w.Venue] = sdkmath.ZeroInt()
	}
	l.entries[asset] = &entry{
		total:      sdkmath.ZeroInt(),
		perVenue:   perVenue,
		weights:    append([]types.TargetWeight(nil), weights...),
		lastUpdate: l.now(),
	}

	l.log.Info().Str("asset", string(asset)).Int("venues", len(weights)).Msg("Asset registered")
	return nil
}

// SetTargetWeights replaces an asset's venue split. Existing balances are not
// moved; the new weights apply to subsequent deposits.
func (l *CapitalLedger) SetTargetWeights(asset types.Asset, weights []types.TargetWeight) error {
	if err := l.validateWeights(weights); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[asset]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrAssetNotRegistered, asset)
	}
	for _, w := range weights {
		if _, tracked := e.perVenue[w.Venue]; !tracked {
			e.perVenue[w.Venue] = sdkmath.ZeroInt()
		}
	}
	e.weights = append([]types.TargetWeight(nil), weights...)
	e.lastUpdate = l.now()
	return nil
}

func (l *CapitalLedger) validateWeights(weights []types.TargetWeight) error {
	if len(weights) == 0 {
		return fmt.Errorf("%w: no target weights supplied", types.ErrValidation)
	}
	var total int64
	for _, w := range weights {
		if w.Venue == types.BufferVenueID {
			return fmt.Errorf("%w: buffer venue cannot carry a target weight", types.ErrValidation)
		}
		if _, err := l.registry.Venue(w.Venue); err != nil {
			return fmt.Errorf("%w: unknown venue %s", types.ErrValidation, w.Venue)
		}
		if w.WeightBps < 0 {
			return fmt.Errorf("%w: negative weight for venue %s", types.ErrValidation, w.Venue)
		}
		total += w.WeightBps
	}
	if total != types.WeightScale {
		return fmt.Errorf("%w: target weights sum to %d bps, want %d", types.ErrValidation, total, types.WeightScale)
	}
	return nil
}

// Deposit records an external deposit and auto-splits it across the asset's
// configured venues. A venue adapter failure credits that leg to the buffer
// bucket instead: deposits never fail solely because a venue is down.
// Returns the per-venue deltas applied.
func (l *CapitalLedger) Deposit(ctx context.Context, asset types.Asset, amount sdkmath.Int) (map[types.VenueID]sdkmath.Int, error) {
	if amount.IsNil() || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit amount must be positive", types.ErrValidation)
	}

	unlock, err := l.acquire(asset)
	if err != nil {
		return nil, err
	}
	defer unlock()

	weights, err := l.weightsFor(asset)
	if err != nil {
		return nil, err
	}

	parts, err := utils.SplitByWeights(amount, weights)
	if err != nil {
		return nil, errors.Join(types.ErrValidation, err)
	}

	deltas := make(map[types.VenueID]sdkmath.Int)
	buffered := sdkmath.ZeroInt()

	// Place each leg with its venue in configured order. Shortfalls and
	// failures land in the buffer rather than reverting the deposit.
	for _, w := range weights {
		part := parts[w.Venue]
		if part.IsZero() {
			continue
		}
		adapter, err := l.registry.Adapter(w.Venue)
		if err != nil {
			buffered = buffered.Add(part)
			continue
		}
		accepted, err := adapter.Deposit(ctx, asset, part)
		if err != nil {
			l.log.Warn().Err(err).
				Str("asset", string(asset)).
				Str("venue", string(w.Venue)).
				Str("amount", part.String()).
				Msg("Venue deposit failed, crediting buffer")
			buffered = buffered.Add(part)
			continue
		}
		if accepted.LT(part) {
			buffered = buffered.Add(part.Sub(accepted))
		}
		if accepted.IsPositive() {
			deltas[w.Venue] = accepted
		}
	}
	if buffered.IsPositive() {
		deltas[types.BufferVenueID] = buffered
	}

	if err := l.apply(asset, func(e *entry) {
		e.total = e.total.Add(amount)
		for v, d := range deltas {
			e.perVenue[v] = e.perVenue[v].Add(d)
		}
	}); err != nil {
		return nil, err
	}

	l.log.Info().
		Str("asset", string(asset)).
		Str("amount", amount.String()).
		Int("venues", len(deltas)).
		Msg("Deposit recorded")
	return deltas, nil
}

// Withdraw pulls the requested amount out of the pool, draining venues in the
// given priority order. If the full amount cannot be sourced the withdrawal
// fails with InsufficientLiquidity and the caller receives nothing; any
// capital already pulled from venues stays pooled in the buffer.
func (l *CapitalLedger) Withdraw(ctx context.Context, asset types.Asset, amount sdkmath.Int, order []types.VenueID) (sdkmath.Int, error) {
	if amount.IsNil() || !amount.IsPositive() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: withdraw amount must be positive", types.ErrValidation)
	}

	unlock, err := l.acquire(asset)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	defer unlock()

	if len(order) == 0 {
		order = l.defaultOrder(asset)
	}

	// Feasibility check against ledger balances first so an obviously short
	// request never touches a venue.
	available := sdkmath.ZeroInt()
	l.mu.RLock()
	e, ok := l.entries[asset]
	if ok {
		for _, v := range order {
			if bal, tracked := e.perVenue[v]; tracked {
				available = available.Add(bal)
			}
		}
	}
	l.mu.RUnlock()
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", types.ErrAssetNotRegistered, asset)
	}
	if available.LT(amount) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: need %s, venues hold %s",
			types.ErrInsufficientLiquidity, amount.String(), available.String())
	}

	remaining := amount
	pulled := make(map[types.VenueID]sdkmath.Int)
	for _, v := range order {
		if !remaining.IsPositive() {
			break
		}
		bal := l.balance(asset, v)
		if !bal.IsPositive() {
			continue
		}
		take := sdkmath.MinInt(bal, remaining)

		if v == types.BufferVenueID {
			pulled[v] = take
			remaining = remaining.Sub(take)
			continue
		}

		adapter, err := l.registry.Adapter(v)
		if err != nil {
			continue
		}
		got, err := adapter.Withdraw(ctx, asset, take)
		if err != nil {
			l.log.Warn().Err(err).
				Str("asset", string(asset)).
				Str("venue", string(v)).
				Msg("Venue withdrawal failed, trying next venue")
			continue
		}
		if got.IsPositive() {
			pulled[v] = got
			remaining = remaining.Sub(got)
		}
	}

	if remaining.IsPositive() {
		// Capital already pulled is out of its venues; park it in the buffer
		// so the ledger keeps matching physical reality.
		if err := l.apply(asset, func(e *entry) {
			for v, got := range pulled {
				if v == types.BufferVenueID {
					continue
				}
				e.perVenue[v] = e.perVenue[v].Sub(got)
				e.perVenue[types.BufferVenueID] = e.perVenue[types.BufferVenueID].Add(got)
			}
		}); err != nil {
			return sdkmath.ZeroInt(), err
		}
		return sdkmath.ZeroInt(), fmt.Errorf("%w: sourced %s of %s",
			types.ErrInsufficientLiquidity, amount.Sub(remaining).String(), amount.String())
	}

	if err := l.apply(asset, func(e *entry) {
		e.total = e.total.Sub(amount)
		for v, got := range pulled {
			e.perVenue[v] = e.perVenue[v].Sub(got)
		}
	}); err != nil {
		return sdkmath.ZeroInt(), err
	}

	l.log.Info().
		Str("asset", string(asset)).
		Str("amount", amount.String()).
		Msg("Withdrawal recorded")
	return amount, nil
}

// RebalanceRecord is the executor-only atomic internal transfer between two
// venues. It fails with InvariantViolation if it would drive a venue balance
// negative, and never changes the asset's total.
func (l *CapitalLedger) RebalanceRecord(asset types.Asset, from, to types.VenueID, amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return fmt.Errorf("%w: rebalance amount must be positive", types.ErrValidation)
	}
	if from == to {
		return fmt.Errorf("%w: source and destination venue are the same", types.ErrValidation)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err, halted := l.halted[asset]; halted {
		return errors.Join(types.ErrLedgerHalted, err)
	}
	e, ok := l.entries[asset]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrAssetNotRegistered, asset)
	}
	fromBal, ok := e.perVenue[from]
	if !ok {
		return fmt.Errorf("%w: venue %s not tracked for asset %s", types.ErrValidation, from, asset)
	}
	if fromBal.LT(amount) {
		violation := fmt.Errorf("%w: rebalancing %s from %s would drive balance negative (%s held)",
			types.ErrInvariantViolation, amount.String(), from, fromBal.String())
		l.halted[asset] = violation
		return violation
	}
	if _, ok := e.perVenue[to]; !ok {
		e.perVenue[to] = sdkmath.ZeroInt()
	}

	e.perVenue[from] = e.perVenue[from].Sub(amount)
	e.perVenue[to] = e.perVenue[to].Add(amount)
	e.lastUpdate = l.now()

	return l.checkInvariantLocked(asset, e)
}

// Balances returns a point-in-time copy of the asset's ledger state.
func (l *CapitalLedger) Balances(asset types.Asset) (types.BalanceSnapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[asset]
	if !ok {
		return types.BalanceSnapshot{}, fmt.Errorf("%w: %s", types.ErrAssetNotRegistered, asset)
	}
	per := make(map[types.VenueID]sdkmath.Int, len(e.perVenue))
	for v, b := range e.perVenue {
		per[v] = b
	}
	return types.BalanceSnapshot{TotalDeposited: e.total, PerVenue: per}, nil
}

// TotalDeposited returns the asset's pooled total.
func (l *CapitalLedger) TotalDeposited(asset types.Asset) (sdkmath.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[asset]
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", types.ErrAssetNotRegistered, asset)
	}
	return e.total, nil
}

// VenueBalance returns the ledger balance for one venue.
func (l *CapitalLedger) VenueBalance(asset types.Asset, v types.VenueID) (sdkmath.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[asset]
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", types.ErrAssetNotRegistered, asset)
	}
	bal, tracked := e.perVenue[v]
	if !tracked {
		return sdkmath.ZeroInt(), nil
	}
	return bal, nil
}

// TargetWeights returns the asset's configured venue split.
func (l *CapitalLedger) TargetWeights(asset types.Asset) ([]types.TargetWeight, error) {
	return l.weightsFor(asset)
}

// Assets returns all registered assets.
func (l *CapitalLedger) Assets() []types.Asset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Asset, 0, len(l.entries))
	for a := range l.entries {
		out = append(out, a)
	}
	return out
}

// Utilization returns activeCapital / totalCapitalInVenue as reported by the
// venue adapter. "Active" reflects downstream usage, not the ledger's own
// bookkeeping, which is why this is a passthrough rather than a computation.
func (l *CapitalLedger) Utilization(ctx context.Context, asset types.Asset, v types.VenueID) (float64, error) {
	if v == types.BufferVenueID {
		return 0, nil // buffer capital is idle by definition
	}
	adapter, err := l.registry.Adapter(v)
	if err != nil {
		return 0, err
	}
	bps, err := adapter.QueryUtilization(ctx, asset)
	if err != nil {
		return 0, errors.Join(types.ErrVenueUnavailable, err)
	}
	return bps, nil
}

// Halted returns the pending invariant violation for an asset, if any.
func (l *CapitalLedger) Halted(asset types.Asset) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.halted[asset]
}

// Reconcile resets the asset's total to the sum of its per-venue balances and
// clears the halt. Operator-only: this acknowledges that the per-venue
// balances were manually verified against the venues themselves.
func (l *CapitalLedger) Reconcile(asset types.Asset) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[asset]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrAssetNotRegistered, asset)
	}
	sum := sdkmath.ZeroInt()
	for _, b := range e.perVenue {
		sum = sum.Add(b)
	}
	e.total = sum
	e.lastUpdate = l.now()
	delete(l.halted, asset)

	l.log.Warn().Str("asset", string(asset)).Str("total", sum.String()).Msg("Ledger manually reconciled")
	return nil
}

// AcquireAssetLock takes the asset's exclusive execution lock for a
// multi-step operation (the executor's withdraw/deposit/record sequence).
// The returned release function must be called exactly once. A reentrant
// attempt fails fast with ErrReentrantCall rather than blocking.
func (l *CapitalLedger) AcquireAssetLock(asset types.Asset) (func(), error) {
	return l.acquire(asset)
}

// acquire takes the asset's exclusive execution lock, failing fast on
// reentrancy, and rejects assets that are unregistered or halted.
func (l *CapitalLedger) acquire(asset types.Asset) (func(), error) {
	l.mu.RLock()
	_, registered := l.entries[asset]
	haltErr := l.halted[asset]
	l.mu.RUnlock()
	if !registered {
		return nil, fmt.Errorf("%w: %s", types.ErrAssetNotRegistered, asset)
	}
	if haltErr != nil {
		return nil, errors.Join(types.ErrLedgerHalted, haltErr)
	}

	l.lockMu.Lock()
	lock, ok := l.locks[asset]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[asset] = lock
	}
	l.lockMu.Unlock()

	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: asset %s is mid-operation", types.ErrReentrantCall, asset)
	}
	return lock.Unlock, nil
}

// apply runs a mutation under the entry lock and verifies the sum invariant.
func (l *CapitalLedger) apply(asset types.Asset, mutate func(*entry)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[asset]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrAssetNotRegistered, asset)
	}
	mutate(e)
	e.lastUpdate = l.now()
	return l.checkInvariantLocked(asset, e)
}

// checkInvariantLocked verifies sum(perVenue) == total, halting the asset on
// mismatch. Callers must hold l.mu.
func (l *CapitalLedger) checkInvariantLocked(asset types.Asset, e *entry) error {
	sum := sdkmath.ZeroInt()
	for _, b := range e.perVenue {
		if b.IsNegative() {
			violation := fmt.Errorf("%w: negative balance for asset %s", types.ErrInvariantViolation, asset)
			l.halted[asset] = violation
			return violation
		}
		sum = sum.Add(b)
	}
	if !sum.Equal(e.total) {
		violation := fmt.Errorf("%w: asset %s per-venue sum %s != total %s",
			types.ErrInvariantViolation, asset, sum.String(), e.total.String())
		l.halted[asset] = violation
		l.log.Error().
			Str("asset", string(asset)).
			Str("sum", sum.String()).
			Str("total", e.total.String()).
			Msg("Ledger invariant violated, halting asset")
		return violation
	}
	return nil
}

func (l *CapitalLedger) weightsFor(asset types.Asset) ([]types.TargetWeight, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrAssetNotRegistered, asset)
	}
	return append([]types.TargetWeight(nil), e.weights...), nil
}

func (l *CapitalLedger) defaultOrder(asset types.Asset) []types.VenueID {
	weights, err := l.weightsFor(asset)
	if err != nil {
		return nil
	}
	order := []types.VenueID{types.BufferVenueID}
	for _, w := range weights {
		order = append(order, w.Venue)
	}
	return order
}

func (l *CapitalLedger) balance(asset types.Asset, v types.VenueID) sdkmath.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[asset]
	if !ok {
		return sdkmath.ZeroInt()
	}
	bal, tracked := e.perVenue[v]
	if !tracked {
		return sdkmath.ZeroInt()
	}
	return bal
}
