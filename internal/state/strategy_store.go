/*

This file contains persistence for reallocation strategies. StrategyStore
adapts the package-level functions to the strategy manager's Store interface.

*/

package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/stratafi/allocator/internal/types"
)

// StrategyStore is the database-backed strategy store handed to the manager.
type StrategyStore struct{}

func (StrategyStore) SaveStrategy(s *types.ReallocationStrategy) error   { return SaveStrategy(s) }
func (StrategyStore) UpdateStrategy(s *types.ReallocationStrategy) error { return UpdateStrategy(s) }
func (StrategyStore) LoadStrategies() ([]types.ReallocationStrategy, error) {
	return LoadStrategies()
}

// SaveStrategy inserts a new strategy and writes its assigned id back.
func SaveStrategy(s *types.ReallocationStrategy) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	weightsJSON, err := json.Marshal(s.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal scoring weights: %w", err)
	}
	targetsJSON, err := json.Marshal(s.TargetWeights)
	if err != nil {
		return fmt.Errorf("failed to marshal target weights: %w", err)
	}

	sources := make([]string, len(s.SourceVenues))
	for i, v := range s.SourceVenues {
		sources[i] = string(v)
	}

	stmt := `
        INSERT INTO strategies (
            name, asset, profile, weights, source_venues, target_weights,
            min_yield_improvement_bps, max_risk_increase, execution_frequency_seconds,
            last_execution, active, is_adaptive, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        RETURNING strategy_id;`

	var lastExec interface{}
	if !s.LastExecution.IsZero() {
		lastExec = s.LastExecution
	}
	err = DB.QueryRow(stmt,
		s.Name, string(s.Asset), string(s.Profile), weightsJSON, pq.Array(sources), targetsJSON,
		s.MinYieldImprovementBps, s.MaxRiskIncrease, int64(s.ExecutionFrequency.Seconds()),
		lastExec, s.Active, s.IsAdaptive, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to insert strategy '%s': %w", s.Name, err)
	}

	log.Info().Int64("strategy_id", s.ID).Str("name", s.Name).Msg("Saved strategy")
	return nil
}

// UpdateStrategy rewrites a strategy's mutable fields by name.
func UpdateStrategy(s *types.ReallocationStrategy) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	weightsJSON, err := json.Marshal(s.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal scoring weights: %w", err)
	}
	targetsJSON, err := json.Marshal(s.TargetWeights)
	if err != nil {
		return fmt.Errorf("failed to marshal target weights: %w", err)
	}

	sources := make([]string, len(s.SourceVenues))
	for i, v := range s.SourceVenues {
		sources[i] = string(v)
	}

	stmt := `
        UPDATE strategies SET
            asset = $2, profile = $3, weights = $4, source_venues = $5, target_weights = $6,
            min_yield_improvement_bps = $7, max_risk_increase = $8, execution_frequency_seconds = $9,
            last_execution = $10, active = $11, is_adaptive = $12, updated_at = $13
        WHERE name = $1;`

	var lastExec interface{}
	if !s.LastExecution.IsZero() {
		lastExec = s.LastExecution
	}
	res, err := DB.Exec(stmt,
		s.Name, string(s.Asset), string(s.Profile), weightsJSON, pq.Array(sources), targetsJSON,
		s.MinYieldImprovementBps, s.MaxRiskIncrease, int64(s.ExecutionFrequency.Seconds()),
		lastExec, s.Active, s.IsAdaptive, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update strategy '%s': %w", s.Name, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("strategy '%s' not found", s.Name)
	}
	return nil
}

// LoadStrategies returns every stored strategy.
func LoadStrategies() ([]types.ReallocationStrategy, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
        SELECT strategy_id, name, asset, profile, weights, source_venues, target_weights,
               min_yield_improvement_bps, max_risk_increase, execution_frequency_seconds,
               last_execution, active, is_adaptive, created_at, updated_at
        FROM strategies
        ORDER BY name;`

	rows, err := DB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var out []types.ReallocationStrategy
	for rows.Next() {
		var s types.ReallocationStrategy
		var assetStr, profileStr string
		var weightsJSON, targetsJSON []byte
		var sources []string
		var freqSecs int64
		var lastExec sql.NullTime

		if err := rows.Scan(
			&s.ID, &s.Name, &assetStr, &profileStr, &weightsJSON, pq.Array(&sources), &targetsJSON,
			&s.MinYieldImprovementBps, &s.MaxRiskIncrease, &freqSecs,
			&lastExec, &s.Active, &s.IsAdaptive, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan strategy row: %w", err)
		}

		s.Asset = types.Asset(assetStr)
		s.Profile = types.ProfileName(profileStr)
		s.ExecutionFrequency = time.Duration(freqSecs) * time.Second
		if lastExec.Valid {
			s.LastExecution = lastExec.Time
		}
		if err := json.Unmarshal(weightsJSON, &s.Weights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scoring weights for '%s': %w", s.Name, err)
		}
		if err := json.Unmarshal(targetsJSON, &s.TargetWeights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal target weights for '%s': %w", s.Name, err)
		}
		s.SourceVenues = make([]types.VenueID, len(sources))
		for i, v := range sources {
			s.SourceVenues[i] = types.VenueID(v)
		}
		s.TargetVenues = make([]types.VenueID, 0, len(s.TargetWeights))
		for _, tw := range s.TargetWeights {
			s.TargetVenues = append(s.TargetVenues, tw.Venue)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strategy row iteration failed: %w", err)
	}
	return out, nil
}
