/*

This file contains derived performance analytics. All aggregates are computed
from the receipt and snapshot tables on demand; the engine never maintains
running counters that could drift from the underlying records.

*/

package state

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/stratafi/allocator/internal/types"
)

// PerformanceSummary is a read model computed over execution receipts.
type PerformanceSummary struct {
	Asset                  types.Asset `json:"asset"`
	Since                  time.Time   `json:"since"`
	TotalAttempts          int         `json:"total_attempts"`
	CompletedCount         int         `json:"completed_count"`
	FailedCount            int         `json:"failed_count"`
	ExpiredCount           int         `json:"expired_count"`
	EmergencyCount         int         `json:"emergency_count"`
	TotalMoved             sdkmath.Int `json:"total_moved"` // sum of deposited amounts on completed receipts
	AvgRealizedImprovement float64     `json:"avg_realized_improvement_bps"`
	CyclesRecorded         int         `json:"cycles_recorded"`
}

// VenueFlow summarizes capital movement touching one venue.
type VenueFlow struct {
	Venue    types.VenueID `json:"venue"`
	Inbound  sdkmath.Int   `json:"inbound"`
	Outbound sdkmath.Int   `json:"outbound"`
}

// ComputePerformanceSummary aggregates receipts for an asset since the given
// time. A zero since covers all history.
func ComputePerformanceSummary(asset types.Asset, since time.Time) (*PerformanceSummary, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
        SELECT
            COUNT(*),
            COUNT(*) FILTER (WHERE status = 'COMPLETED'),
            COUNT(*) FILTER (WHERE status = 'FAILED'),
            COUNT(*) FILTER (WHERE status = 'EXPIRED'),
            COUNT(*) FILTER (WHERE emergency),
            COALESCE(SUM(deposited_amount) FILTER (WHERE status = 'COMPLETED'), 0)::TEXT,
            COALESCE(AVG(realized_improvement_bps) FILTER (WHERE status = 'COMPLETED'), 0)
        FROM execution_receipts
        WHERE asset = $1 AND receipt_timestamp >= $2;`

	summary := &PerformanceSummary{Asset: asset, Since: since}
	var totalMoved string
	err := DB.QueryRow(query, string(asset), since).Scan(
		&summary.TotalAttempts,
		&summary.CompletedCount,
		&summary.FailedCount,
		&summary.ExpiredCount,
		&summary.EmergencyCount,
		&totalMoved,
		&summary.AvgRealizedImprovement,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate execution receipts: %w", err)
	}

	moved, ok := sdkmath.NewIntFromString(totalMoved)
	if !ok {
		return nil, fmt.Errorf("invalid aggregated total %q", totalMoved)
	}
	summary.TotalMoved = moved

	cycleQuery := `
        SELECT COUNT(*) FROM cycle_snapshots
        WHERE asset = $1 AND snapshot_timestamp >= $2;`
	if err := DB.QueryRow(cycleQuery, string(asset), since).Scan(&summary.CyclesRecorded); err != nil {
		return nil, fmt.Errorf("failed to count cycle snapshots: %w", err)
	}

	return summary, nil
}

// ComputeVenueFlows aggregates per-venue inbound and outbound amounts over
// completed receipts for an asset.
func ComputeVenueFlows(asset types.Asset, since time.Time) ([]VenueFlow, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
        SELECT venue,
               COALESCE(SUM(inbound), 0)::TEXT,
               COALESCE(SUM(outbound), 0)::TEXT
        FROM (
            SELECT to_venue AS venue, deposited_amount AS inbound, 0 AS outbound
            FROM execution_receipts
            WHERE asset = $1 AND status = 'COMPLETED' AND receipt_timestamp >= $2 AND to_venue IS NOT NULL
            UNION ALL
            SELECT from_venue AS venue, 0 AS inbound, deposited_amount AS outbound
            FROM execution_receipts
            WHERE asset = $1 AND status = 'COMPLETED' AND receipt_timestamp >= $2
        ) flows
        GROUP BY venue
        ORDER BY venue;`

	rows, err := DB.Query(query, string(asset), since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate venue flows: %w", err)
	}
	defer rows.Close()

	var out []VenueFlow
	for rows.Next() {
		var venueStr, inStr, outStr string
		if err := rows.Scan(&venueStr, &inStr, &outStr); err != nil {
			return nil, fmt.Errorf("failed to scan venue flow row: %w", err)
		}
		inbound, ok := sdkmath.NewIntFromString(inStr)
		if !ok {
			return nil, fmt.Errorf("invalid inbound total %q for venue %s", inStr, venueStr)
		}
		outbound, ok := sdkmath.NewIntFromString(outStr)
		if !ok {
			return nil, fmt.Errorf("invalid outbound total %q for venue %s", outStr, venueStr)
		}
		out = append(out, VenueFlow{
			Venue:    types.VenueID(venueStr),
			Inbound:  inbound,
			Outbound: outbound,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("venue flow iteration failed: %w", err)
	}
	return out, nil
}
