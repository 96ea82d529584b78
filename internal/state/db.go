/*

This file contains the PostgreSQL connection pool and schema management for
the allocation engine's persistent state: parameters, detections, receipts,
cycle snapshots, strategies, and the global cycle counter.

*/

package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	var err error
	DB, err = sql.Open("postgres", psqlInfo)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	err = DB.Ping()
	if err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	schemaSQL := `
		CREATE TABLE IF NOT EXISTS engine_parameters (
			params_id SERIAL PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 1,
			config_name VARCHAR(255) NOT NULL DEFAULT 'default',
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			activated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			utilization_threshold_bps DECIMAL(10, 4) NOT NULL,
			min_idle_amount BIGINT NOT NULL,
			min_reallocation_amount BIGINT NOT NULL,
			idle_time_threshold_seconds BIGINT NOT NULL,
			yield_weight DECIMAL(10, 4) NOT NULL, risk_weight DECIMAL(10, 4) NOT NULL,
			liquidity_weight DECIMAL(10, 4) NOT NULL, cost_weight DECIMAL(10, 4) NOT NULL,
			yield_threshold_bps DECIMAL(10, 4) NOT NULL,
			opportunity_ttl_seconds BIGINT NOT NULL,
			cooldown_period_seconds BIGINT NOT NULL,
			max_reallocation_bps_per_cycle BIGINT NOT NULL,
			min_execution_interval_seconds BIGINT NOT NULL,
			learning_rate DECIMAL(10, 8) NOT NULL,
			max_weight_shift_bps BIGINT NOT NULL,
			venue_query_rate_per_sec DECIMAL(10, 4) NOT NULL,
			venue_query_burst INTEGER NOT NULL,
			CONSTRAINT uq_engine_parameters_config_version UNIQUE (config_name, version)
		);
		CREATE INDEX IF NOT EXISTS idx_engine_parameters_config_active ON engine_parameters(config_name, is_active, activated_at DESC);

		CREATE TABLE IF NOT EXISTS idle_detections (
			detection_id SERIAL PRIMARY KEY,
			detected_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			asset VARCHAR(64) NOT NULL,
			venue VARCHAR(64) NOT NULL,
			total_capital NUMERIC(78, 0) NOT NULL,
			active_capital NUMERIC(78, 0) NOT NULL,
			idle_amount NUMERIC(78, 0) NOT NULL,
			utilization_bps DECIMAL(10, 4) NOT NULL,
			current_yield_bps DECIMAL(10, 4) NOT NULL,
			opportunity_cost DECIMAL(20, 8) NOT NULL,
			state VARCHAR(32) NOT NULL,
			is_idle BOOLEAN NOT NULL,
			is_reallocatable BOOLEAN NOT NULL,
			first_idle_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_idle_detections_asset_venue ON idle_detections(asset, venue, detected_at DESC);
		CREATE INDEX IF NOT EXISTS idx_idle_detections_timestamp ON idle_detections(detected_at DESC);

		CREATE TABLE IF NOT EXISTS execution_receipts (
			receipt_id SERIAL PRIMARY KEY,
			receipt_timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			opportunity_id VARCHAR(64) NOT NULL,
			asset VARCHAR(64) NOT NULL,
			from_venue VARCHAR(64) NOT NULL,
			to_venue VARCHAR(64),
			requested_amount NUMERIC(78, 0) NOT NULL,
			withdrawn_amount NUMERIC(78, 0) NOT NULL,
			deposited_amount NUMERIC(78, 0) NOT NULL,
			status VARCHAR(32) NOT NULL,
			failed_step VARCHAR(32),
			message TEXT,
			estimated_improvement_bps DECIMAL(10, 4),
			realized_improvement_bps DECIMAL(10, 4),
			emergency BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_execution_receipts_timestamp ON execution_receipts(receipt_timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_execution_receipts_asset ON execution_receipts(asset, receipt_timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_execution_receipts_opportunity ON execution_receipts(opportunity_id);

		CREATE TABLE IF NOT EXISTS cycle_snapshots (
			snapshot_id SERIAL PRIMARY KEY,
			cycle_number INTEGER NOT NULL,
			cycle_id VARCHAR(64) NOT NULL,
			snapshot_timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			params_id INTEGER REFERENCES engine_parameters(params_id),
			asset VARCHAR(64) NOT NULL,

			-- Pre-cycle state
			initial_state JSONB,

			-- What the cycle saw and decided
			detections JSONB,
			opportunities JSONB,

			-- The outcome
			receipts JSONB,
			final_state JSONB,
			venues_touched TEXT[]
		);
		CREATE INDEX IF NOT EXISTS idx_cycle_snapshots_timestamp ON cycle_snapshots(snapshot_timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_cycle_snapshots_cycle ON cycle_snapshots(cycle_number DESC);
		CREATE INDEX IF NOT EXISTS idx_cycle_snapshots_asset ON cycle_snapshots(asset, snapshot_timestamp DESC);

		CREATE TABLE IF NOT EXISTS strategies (
			strategy_id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			asset VARCHAR(64) NOT NULL,
			profile VARCHAR(64) NOT NULL,
			weights JSONB NOT NULL,
			source_venues TEXT[] NOT NULL,
			target_weights JSONB NOT NULL,
			min_yield_improvement_bps DECIMAL(10, 4) NOT NULL,
			max_risk_increase DECIMAL(10, 4) NOT NULL,
			execution_frequency_seconds BIGINT NOT NULL,
			last_execution TIMESTAMPTZ,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			is_adaptive BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_strategies_asset_active ON strategies(asset, active);

		-- Cycle counter table for persistent global cycle tracking
		CREATE TABLE IF NOT EXISTS cycle_counter (
			id INTEGER PRIMARY KEY DEFAULT 1,
			current_cycle INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT single_row_check CHECK (id = 1)
		);

		-- Insert initial row if it doesn't exist
		INSERT INTO cycle_counter (id, current_cycle)
		VALUES (1, 0)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := DB.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection() error {
	if DB == nil {
		return fmt.Errorf("database connection is nil")
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := DB.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
