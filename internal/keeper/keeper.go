/*

This file contains the keeper: the cron-driven scheduler that fires engine
cycles. The keeper only decides WHEN to run; every safety check (strategy
due-ness, cooldowns, rate limits) lives in the engine and executor, so a
misconfigured schedule cannot cause over-trading.

*/

package keeper

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stratafi/allocator/internal/engine"
	"github.com/stratafi/allocator/internal/logger"
)

// Keeper schedules engine cycles on a cron expression.
type Keeper struct {
	engine   *engine.Engine
	schedule string
	cron     *cron.Cron
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a keeper. The schedule accepts standard cron expressions and
// the @every form, e.g. "@every 10m".
func New(eng *engine.Engine, schedule string) (*Keeper, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid cycle schedule %q: %w", schedule, err)
	}
	return &Keeper{
		engine:   eng,
		schedule: schedule,
		log:      logger.GetForComponent("keeper"),
	}, nil
}

// Start begins scheduling cycles and runs the first one immediately. It
// returns after registering the schedule; cycles run on the cron goroutine
// until ctx is cancelled.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("keeper already started")
	}

	// A cycle that outlives the schedule interval must not be overlapped by
	// the next trigger; the skipped run is logged and the schedule resumes.
	k.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&k.log))))
	_, err := k.cron.AddFunc(k.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		k.engine.RunAllCycles(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to register cycle schedule: %w", err)
	}

	k.log.Info().Str("schedule", k.schedule).Msg("Keeper starting, running first cycle immediately")
	go k.engine.RunAllCycles(ctx)

	k.cron.Start()
	k.running = true

	go func() {
		<-ctx.Done()
		k.Stop()
	}()
	return nil
}

// Stop halts the schedule, waiting for an in-flight cycle to finish.
func (k *Keeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running {
		return
	}
	stopCtx := k.cron.Stop()
	<-stopCtx.Done()
	k.running = false
	k.log.Info().Msg("Keeper stopped")
}
