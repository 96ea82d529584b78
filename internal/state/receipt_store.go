/*

This file contains persistence for execution receipts. ReceiptStore adapts
the package-level functions to the executor's ReceiptSink interface.

*/

package state

import (
	"database/sql"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"

	"github.com/stratafi/allocator/internal/types"
)

// ReceiptStore is the database-backed receipt sink handed to the executor.
type ReceiptStore struct{}

// SaveReceipt persists one execution receipt and returns its database id.
func (ReceiptStore) SaveReceipt(r types.ExecutionReceipt) (int64, error) {
	return SaveExecutionReceipt(r)
}

// SaveExecutionReceipt inserts a receipt row.
func SaveExecutionReceipt(r types.ExecutionReceipt) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	stmt := `
        INSERT INTO execution_receipts (
            receipt_timestamp, opportunity_id, asset, from_venue, to_venue,
            requested_amount, withdrawn_amount, deposited_amount,
            status, failed_step, message,
            estimated_improvement_bps, realized_improvement_bps, emergency
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        RETURNING receipt_id;`

	var toVenue interface{}
	if r.ToVenue != "" {
		toVenue = string(r.ToVenue)
	}
	var failedStep interface{}
	if r.FailedStep != types.StepNone {
		failedStep = string(r.FailedStep)
	}

	var receiptID int64
	err := DB.QueryRow(stmt,
		r.Timestamp, r.OpportunityID, string(r.Asset), string(r.FromVenue), toVenue,
		r.RequestedAmount.String(), r.WithdrawnAmount.String(), r.DepositedAmount.String(),
		string(r.Status), failedStep, r.Message,
		r.EstimatedImprovementBps, r.RealizedImprovementBps, r.Emergency,
	).Scan(&receiptID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert execution receipt: %w", err)
	}

	log.Debug().
		Int64("receipt_id", receiptID).
		Str("opportunity", r.OpportunityID).
		Str("status", string(r.Status)).
		Msg("Saved execution receipt")
	return receiptID, nil
}

// LoadRecentReceipts returns the most recent receipts for an asset, newest
// first. An empty asset returns receipts across all assets.
func LoadRecentReceipts(asset types.Asset, limit int) ([]types.ExecutionReceipt, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
        SELECT receipt_id, receipt_timestamp, opportunity_id, asset, from_venue, to_venue,
               requested_amount, withdrawn_amount, deposited_amount,
               status, failed_step, message,
               estimated_improvement_bps, realized_improvement_bps, emergency
        FROM execution_receipts
        WHERE ($1 = '' OR asset = $1)
        ORDER BY receipt_timestamp DESC
        LIMIT $2;`

	rows, err := DB.Query(query, string(asset), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution receipts: %w", err)
	}
	defer rows.Close()

	var out []types.ExecutionReceipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receipt row iteration failed: %w", err)
	}
	return out, nil
}

func scanReceipt(rows *sql.Rows) (types.ExecutionReceipt, error) {
	var r types.ExecutionReceipt
	var assetStr, fromStr, statusStr string
	var toVenue, failedStep, message sql.NullString
	var requested, withdrawn, deposited string
	var estImp, realImp sql.NullFloat64

	if err := rows.Scan(
		&r.ReceiptID, &r.Timestamp, &r.OpportunityID, &assetStr, &fromStr, &toVenue,
		&requested, &withdrawn, &deposited,
		&statusStr, &failedStep, &message,
		&estImp, &realImp, &r.Emergency,
	); err != nil {
		return r, fmt.Errorf("failed to scan receipt row: %w", err)
	}

	r.Asset = types.Asset(assetStr)
	r.FromVenue = types.VenueID(fromStr)
	if toVenue.Valid {
		r.ToVenue = types.VenueID(toVenue.String)
	}
	r.Status = types.OpportunityStatus(statusStr)
	if failedStep.Valid {
		r.FailedStep = types.ExecutionStep(failedStep.String)
	}
	if message.Valid {
		r.Message = message.String
	}
	if estImp.Valid {
		r.EstimatedImprovementBps = estImp.Float64
	}
	if realImp.Valid {
		r.RealizedImprovementBps = realImp.Float64
	}

	var ok bool
	if r.RequestedAmount, ok = sdkmath.NewIntFromString(requested); !ok {
		return r, fmt.Errorf("invalid requested_amount %q in receipt row", requested)
	}
	if r.WithdrawnAmount, ok = sdkmath.NewIntFromString(withdrawn); !ok {
		return r, fmt.Errorf("invalid withdrawn_amount %q in receipt row", withdrawn)
	}
	if r.DepositedAmount, ok = sdkmath.NewIntFromString(deposited); !ok {
		return r, fmt.Errorf("invalid deposited_amount %q in receipt row", deposited)
	}
	return r, nil
}
