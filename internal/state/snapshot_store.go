/*

This file contains persistence for cycle snapshots: the full before/plan/after
record of each engine cycle, with the structured payloads stored as JSONB.

*/

package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/stratafi/allocator/internal/types"
)

// SaveCycleSnapshot persists one cycle snapshot and returns its database id.
func SaveCycleSnapshot(s types.CycleSnapshot) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	initialJSON, err := json.Marshal(s.InitialState)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal initial state: %w", err)
	}
	detectionsJSON, err := json.Marshal(s.Detections)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal detections: %w", err)
	}
	opportunitiesJSON, err := json.Marshal(s.Opportunities)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal opportunities: %w", err)
	}
	receiptsJSON, err := json.Marshal(s.Receipts)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal receipts: %w", err)
	}
	finalJSON, err := json.Marshal(s.FinalState)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal final state: %w", err)
	}

	var paramsID interface{}
	if s.ParamsID != 0 {
		paramsID = s.ParamsID
	}

	stmt := `
        INSERT INTO cycle_snapshots (
            cycle_number, cycle_id, snapshot_timestamp, params_id, asset,
            initial_state, detections, opportunities, receipts, final_state,
            venues_touched
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING snapshot_id;`

	var snapshotID int64
	err = DB.QueryRow(stmt,
		s.CycleNumber, s.CycleID, s.Timestamp, paramsID, string(s.Asset),
		initialJSON, detectionsJSON, opportunitiesJSON, receiptsJSON, finalJSON,
		pq.Array(s.VenuesTouched),
	).Scan(&snapshotID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert cycle snapshot: %w", err)
	}

	log.Info().
		Int64("snapshot_id", snapshotID).
		Int("cycle", s.CycleNumber).
		Str("cycle_id", s.CycleID).
		Str("asset", string(s.Asset)).
		Msg("Saved cycle snapshot")
	return snapshotID, nil
}

// LoadLatestCycleSnapshot returns the most recent snapshot for an asset.
func LoadLatestCycleSnapshot(asset types.Asset) (*types.CycleSnapshot, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := snapshotSelect + `
        WHERE asset = $1
        ORDER BY snapshot_timestamp DESC
        LIMIT 1;`

	row := DB.QueryRow(query, string(asset))
	s, err := scanSnapshot(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no cycle snapshots found for asset '%s'", asset)
		}
		return nil, err
	}
	return s, nil
}

// LoadCycleSnapshot returns one snapshot by id.
func LoadCycleSnapshot(snapshotID int64) (*types.CycleSnapshot, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := snapshotSelect + ` WHERE snapshot_id = $1;`
	row := DB.QueryRow(query, snapshotID)
	s, err := scanSnapshot(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no cycle snapshot with id %d", snapshotID)
		}
		return nil, err
	}
	return s, nil
}

// LoadRecentCycleSnapshots returns recent snapshots, newest first. An empty
// asset returns snapshots across all assets.
func LoadRecentCycleSnapshots(asset types.Asset, limit int) ([]types.CycleSnapshot, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	query := snapshotSelect + `
        WHERE ($1 = '' OR asset = $1)
        ORDER BY snapshot_timestamp DESC
        LIMIT $2;`

	rows, err := DB.Query(query, string(asset), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.CycleSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot row iteration failed: %w", err)
	}
	return out, nil
}

const snapshotSelect = `
        SELECT snapshot_id, cycle_number, cycle_id, snapshot_timestamp, params_id, asset,
               initial_state, detections, opportunities, receipts, final_state,
               venues_touched
        FROM cycle_snapshots`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*types.CycleSnapshot, error) {
	s := &types.CycleSnapshot{}
	var assetStr string
	var paramsID sql.NullInt64
	var initialJSON, detectionsJSON, opportunitiesJSON, receiptsJSON, finalJSON []byte

	err := row.Scan(
		&s.SnapshotID, &s.CycleNumber, &s.CycleID, &s.Timestamp, &paramsID, &assetStr,
		&initialJSON, &detectionsJSON, &opportunitiesJSON, &receiptsJSON, &finalJSON,
		pq.Array(&s.VenuesTouched),
	)
	if err != nil {
		return nil, err
	}

	s.Asset = types.Asset(assetStr)
	if paramsID.Valid {
		s.ParamsID = paramsID.Int64
	}

	if err := json.Unmarshal(initialJSON, &s.InitialState); err != nil {
		return nil, fmt.Errorf("failed to unmarshal initial state: %w", err)
	}
	if err := json.Unmarshal(detectionsJSON, &s.Detections); err != nil {
		return nil, fmt.Errorf("failed to unmarshal detections: %w", err)
	}
	if err := json.Unmarshal(opportunitiesJSON, &s.Opportunities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal opportunities: %w", err)
	}
	if err := json.Unmarshal(receiptsJSON, &s.Receipts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipts: %w", err)
	}
	if err := json.Unmarshal(finalJSON, &s.FinalState); err != nil {
		return nil, fmt.Errorf("failed to unmarshal final state: %w", err)
	}
	return s, nil
}
