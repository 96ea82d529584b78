/*

This file contains persistence for versioned engine parameter sets. At most
one set per config name is active at a time; activating a new set deactivates
the previous one inside the same transaction.

*/

package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratafi/allocator/internal/types"
)

// SaveEngineParameters saves a new version of engine parameters.
func SaveEngineParameters(params types.EngineParameters, configName string, version int, makeActive bool) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	tx, err := DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback() // Rollback if error occurred
		}
	}()

	if makeActive {
		stmtDeactivate := `UPDATE engine_parameters SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE;`
		_, err = tx.Exec(stmtDeactivate, configName)
		if err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", configName, err)
		}
	}

	stmt := `
        INSERT INTO engine_parameters (
            version, config_name, is_active, activated_at, created_at,
            utilization_threshold_bps, min_idle_amount, min_reallocation_amount, idle_time_threshold_seconds,
            yield_weight, risk_weight, liquidity_weight, cost_weight,
            yield_threshold_bps, opportunity_ttl_seconds,
            cooldown_period_seconds, max_reallocation_bps_per_cycle,
            min_execution_interval_seconds, learning_rate, max_weight_shift_bps,
            venue_query_rate_per_sec, venue_query_burst
        ) VALUES (
            $1, $2, $3, $4, $5,
            $6, $7, $8, $9,
            $10, $11, $12, $13,
            $14, $15,
            $16, $17,
            $18, $19, $20,
            $21, $22
        ) RETURNING params_id;`

	var paramsID int64
	currentTime := time.Now()
	err = tx.QueryRow(
		stmt,
		version, configName, makeActive, currentTime, currentTime,
		params.UtilizationThresholdBps, params.MinIdleAmount, params.MinReallocationAmount, int64(params.IdleTimeThreshold.Seconds()),
		params.YieldWeight, params.RiskWeight, params.LiquidityWeight, params.CostWeight,
		params.YieldThresholdBps, int64(params.OpportunityTTL.Seconds()),
		int64(params.CooldownPeriod.Seconds()), params.MaxReallocationBpsPerCycle,
		int64(params.MinExecutionInterval.Seconds()), params.LearningRate, params.MaxWeightShiftBps,
		params.VenueQueryRatePerSec, params.VenueQueryBurst,
	).Scan(&paramsID)

	if err != nil {
		return 0, fmt.Errorf("failed to insert engine parameters: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("version", version).
		Str("config", configName).
		Int64("params_id", paramsID).
		Bool("active", makeActive).
		Msg("Saved engine parameters")
	return paramsID, nil
}

// LoadActiveEngineParameters loads the currently active engine parameters.
func LoadActiveEngineParameters(configName string) (*types.EngineParameters, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
        SELECT
            utilization_threshold_bps, min_idle_amount, min_reallocation_amount, idle_time_threshold_seconds,
            yield_weight, risk_weight, liquidity_weight, cost_weight,
            yield_threshold_bps, opportunity_ttl_seconds,
            cooldown_period_seconds, max_reallocation_bps_per_cycle,
            min_execution_interval_seconds, learning_rate, max_weight_shift_bps,
            venue_query_rate_per_sec, venue_query_burst
        FROM engine_parameters
        WHERE config_name = $1 AND is_active = TRUE
        ORDER BY activated_at DESC
        LIMIT 1;`

	p := &types.EngineParameters{}
	var idleSecs, ttlSecs, cooldownSecs, minIntervalSecs int64
	row := DB.QueryRow(query, configName)
	err := row.Scan(
		&p.UtilizationThresholdBps, &p.MinIdleAmount, &p.MinReallocationAmount, &idleSecs,
		&p.YieldWeight, &p.RiskWeight, &p.LiquidityWeight, &p.CostWeight,
		&p.YieldThresholdBps, &ttlSecs,
		&cooldownSecs, &p.MaxReallocationBpsPerCycle,
		&minIntervalSecs, &p.LearningRate, &p.MaxWeightShiftBps,
		&p.VenueQueryRatePerSec, &p.VenueQueryBurst,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no active engine parameters found for config '%s'", configName)
		}
		return nil, fmt.Errorf("failed to scan active engine parameters for config '%s': %w", configName, err)
	}

	p.IdleTimeThreshold = time.Duration(idleSecs) * time.Second
	p.OpportunityTTL = time.Duration(ttlSecs) * time.Second
	p.CooldownPeriod = time.Duration(cooldownSecs) * time.Second
	p.MinExecutionInterval = time.Duration(minIntervalSecs) * time.Second

	log.Info().Str("config", configName).Msg("Loaded active engine parameters")
	return p, nil
}

// GetActiveEngineParametersID returns the params_id of the currently active parameters.
func GetActiveEngineParametersID(configName string) (*int64, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
        SELECT params_id
        FROM engine_parameters
        WHERE config_name = $1 AND is_active = TRUE
        ORDER BY activated_at DESC
        LIMIT 1;`

	var paramsID int64
	row := DB.QueryRow(query, configName)
	err := row.Scan(&paramsID)

	if err != nil {
		if err == sql.ErrNoRows {
			// No active parameters found - this is valid, return nil
			log.Debug().Str("config", configName).Msg("No active engine parameters found")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active engine parameters ID for config '%s': %w", configName, err)
	}

	return &paramsID, nil
}
