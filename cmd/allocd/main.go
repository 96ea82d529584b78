package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/stratafi/allocator/internal/auth"
	"github.com/stratafi/allocator/internal/config"
	"github.com/stratafi/allocator/internal/detector"
	"github.com/stratafi/allocator/internal/engine"
	"github.com/stratafi/allocator/internal/executor"
	"github.com/stratafi/allocator/internal/keeper"
	"github.com/stratafi/allocator/internal/ledger"
	"github.com/stratafi/allocator/internal/logger"
	"github.com/stratafi/allocator/internal/oracle"
	"github.com/stratafi/allocator/internal/scorer"
	"github.com/stratafi/allocator/internal/state"
	"github.com/stratafi/allocator/internal/strategy"
	"github.com/stratafi/allocator/internal/venue"
	"github.com/stratafi/allocator/internal/web"
)

const (
	PARAMS_CONFIG_NAME    = "default_allocation_policy"
	PARAMS_CONFIG_VERSION = 1
)

// main is the entry point for the capital allocation engine.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("Capital allocation engine starting...")

	// Initialize database connection
	dbCfg := state.DBConfig{
		Host: os.Getenv("DB_HOST"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
		User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
		DBName: os.Getenv("DB_NAME"), SSLMode: os.Getenv("DB_SSLMODE"),
	}
	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// Load engine parameters, seeding defaults on first run.
	params, err := state.LoadActiveEngineParameters(PARAMS_CONFIG_NAME)
	if err != nil {
		log.Warn().Err(err).Msg("No active engine parameters, saving defaults.")
		defaults := config.DefaultEngineParameters
		if _, err := state.SaveEngineParameters(defaults, PARAMS_CONFIG_NAME, PARAMS_CONFIG_VERSION, true); err != nil {
			log.Fatal().Err(err).Msg("Failed to save initial default engine parameters.")
		}
		params = &defaults
	}
	log.Info().Msg("Engine parameters loaded successfully.")

	// --- 2. Venue registry and ledger ---
	registry := venue.NewRegistry()
	for _, v := range config.Venues {
		adapter := venue.NewRESTAdapter(v.ID, v.Endpoint)
		if err := registry.Register(v, adapter); err != nil {
			log.Fatal().Err(err).Str("venue", string(v.ID)).Msg("Failed to register venue")
		}
	}

	capitalLedger := ledger.New(registry)
	for asset, weights := range config.AssetWeights {
		if err := capitalLedger.RegisterAsset(asset, weights); err != nil {
			log.Fatal().Err(err).Str("asset", string(asset)).Msg("Failed to register asset")
		}
	}

	// --- 3. Detection, scoring, execution pipeline ---
	yields := oracle.NewAdapterYields(registry)
	risks, err := oracle.NewConfiguredRisks(config.VenueRisks, config.DefaultVenueRisk)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid venue risk configuration")
	}

	idleDetector := detector.New(capitalLedger, registry, yields, *params)
	collector := scorer.NewCollector(registry, yields, risks)
	rateLimiter := executor.NewRateLimiter(*params)
	exec := executor.New(capitalLedger, registry, yields, risks, rateLimiter, state.ReceiptStore{}, *params)

	strategies := strategy.NewManager(registry, state.StrategyStore{}, *params)
	if err := strategies.Load(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load strategies")
	}

	eng, err := engine.New(engine.Config{
		Ledger:     capitalLedger,
		Detector:   idleDetector,
		Collector:  collector,
		Executor:   exec,
		Strategies: strategies,
		Recorder:   engine.DBRecorder{ConfigName: PARAMS_CONFIG_NAME},
		Params:     *params,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}
	log.Info().Msg("Engine created successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 4. Web dashboard ---
	webServer := web.NewWebServer(web.Config{
		Port:       config.WebPort,
		Ledger:     capitalLedger,
		Engine:     eng,
		Executor:   exec,
		Strategies: strategies,
		Auth:       auth.NewTokenAuthenticator(config.AdminToken),
		ConfigName: PARAMS_CONFIG_NAME,
	})
	go func() {
		log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Starting web dashboard")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// --- 5. Venue health prober ---
	if len(config.HealthAddrs) > 0 {
		prober := venue.NewHealthProber(registry, config.HealthAddrs, 30*time.Second)
		go prober.Run(ctx)
	}

	// --- 6. Keeper schedule ---
	cycleKeeper, err := keeper.New(eng, config.CycleCron)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create keeper")
	}
	if err := cycleKeeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start keeper")
	}
	log.Info().Str("schedule", config.CycleCron).Msg("Keeper running")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, stopping keeper...")
	cycleKeeper.Stop()
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
