/*

This file contains persistence for idle-capital detections. Detections are
append-only facts: each scan inserts new rows and never updates old ones.

*/

package state

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"

	"github.com/stratafi/allocator/internal/types"
)

// SaveDetections inserts one scan's detections in a single transaction.
func SaveDetections(detections []types.IdleDetection) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if len(detections) == 0 {
		return nil
	}

	tx, err := DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt := `
        INSERT INTO idle_detections (
            detected_at, asset, venue,
            total_capital, active_capital, idle_amount,
            utilization_bps, current_yield_bps, opportunity_cost,
            state, is_idle, is_reallocatable, first_idle_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);`

	for _, d := range detections {
		var firstIdle interface{}
		if !d.FirstIdleAt.IsZero() {
			firstIdle = d.FirstIdleAt
		}
		_, err = tx.Exec(stmt,
			d.DetectedAt, string(d.Asset), string(d.Venue),
			d.TotalCapital.String(), d.ActiveCapital.String(), d.IdleAmount.String(),
			d.UtilizationBps, d.CurrentYieldBps, d.OpportunityCost,
			string(d.State), d.IsIdle, d.IsReallocatable, firstIdle,
		)
		if err != nil {
			return fmt.Errorf("failed to insert detection for %s/%s: %w", d.Asset, d.Venue, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit detections: %w", err)
	}
	return nil
}

// LoadRecentDetections returns the most recent detections for an asset,
// newest first.
func LoadRecentDetections(asset types.Asset, limit int) ([]types.IdleDetection, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
        SELECT detected_at, asset, venue,
               total_capital, active_capital, idle_amount,
               utilization_bps, current_yield_bps, opportunity_cost,
               state, is_idle, is_reallocatable, first_idle_at
        FROM idle_detections
        WHERE asset = $1
        ORDER BY detected_at DESC
        LIMIT $2;`

	rows, err := DB.Query(query, string(asset), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []types.IdleDetection
	for rows.Next() {
		var d types.IdleDetection
		var assetStr, venueStr, stateStr string
		var total, active, idle string
		var firstIdle *time.Time
		if err := rows.Scan(
			&d.DetectedAt, &assetStr, &venueStr,
			&total, &active, &idle,
			&d.UtilizationBps, &d.CurrentYieldBps, &d.OpportunityCost,
			&stateStr, &d.IsIdle, &d.IsReallocatable, &firstIdle,
		); err != nil {
			return nil, fmt.Errorf("failed to scan detection row: %w", err)
		}
		d.Asset = types.Asset(assetStr)
		d.Venue = types.VenueID(venueStr)
		d.State = types.VenueActivityState(stateStr)
		if firstIdle != nil {
			d.FirstIdleAt = *firstIdle
		}
		totalInt, ok := sdkmath.NewIntFromString(total)
		if !ok {
			return nil, fmt.Errorf("invalid total_capital %q in detection row", total)
		}
		activeInt, ok := sdkmath.NewIntFromString(active)
		if !ok {
			return nil, fmt.Errorf("invalid active_capital %q in detection row", active)
		}
		idleInt, ok := sdkmath.NewIntFromString(idle)
		if !ok {
			return nil, fmt.Errorf("invalid idle_amount %q in detection row", idle)
		}
		d.TotalCapital, d.ActiveCapital, d.IdleAmount = totalInt, activeInt, idleInt
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("detection row iteration failed: %w", err)
	}

	log.Debug().Str("asset", string(asset)).Int("count", len(out)).Msg("Loaded recent detections")
	return out, nil
}
