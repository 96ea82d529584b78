/*

This file contains the operations dashboard and API: read endpoints for
cycles, detections, strategies, and performance, and token-guarded admin
endpoints for strategy management, reconciliation, and emergency moves.

*/

package web

import (
	"context"
	"embed"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gorilla/mux"

	"github.com/stratafi/allocator/internal/auth"
	"github.com/stratafi/allocator/internal/engine"
	"github.com/stratafi/allocator/internal/executor"
	"github.com/stratafi/allocator/internal/ledger"
	"github.com/stratafi/allocator/internal/logger"
	"github.com/stratafi/allocator/internal/state"
	"github.com/stratafi/allocator/internal/strategy"
	"github.com/stratafi/allocator/internal/types"
)

var webLogger = logger.GetForComponent("web_server")

//go:embed static/*
var staticFiles embed.FS

//go:embed static/index.html
var dashboardHTML []byte

// WebServer handles HTTP requests for allocator data and administration.
type WebServer struct {
	router     *mux.Router
	port       string
	ledger     *ledger.CapitalLedger
	engine     *engine.Engine
	executor   *executor.Executor
	strategies *strategy.Manager
	authn      *auth.TokenAuthenticator
	configName string
}

// Config holds the dependencies for creating a web server.
type Config struct {
	Port       string
	Ledger     *ledger.CapitalLedger
	Engine     *engine.Engine
	Executor   *executor.Executor
	Strategies *strategy.Manager
	Auth       *auth.TokenAuthenticator
	ConfigName string
}

// NewWebServer creates a new web server instance.
func NewWebServer(cfg Config) *WebServer {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	server := &WebServer{
		router:     mux.NewRouter(),
		port:       cfg.Port,
		ledger:     cfg.Ledger,
		engine:     cfg.Engine,
		executor:   cfg.Executor,
		strategies: cfg.Strategies,
		authn:      cfg.Auth,
		configName: cfg.ConfigName,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes.
func (ws *WebServer) setupRoutes() {
	// Static files
	staticHandler := http.FileServer(http.FS(staticFiles))
	ws.router.PathPrefix("/static/").Handler(http.StripPrefix("/", staticHandler))

	// Dashboard routes
	ws.router.HandleFunc("/", ws.handleDashboard).Methods("GET")
	ws.router.HandleFunc("/dashboard", ws.handleDashboard).Methods("GET")

	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// Read API
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/balances/{asset}", ws.handleGetBalances).Methods("GET")
	api.HandleFunc("/cycles", ws.handleGetCycles).Methods("GET")
	api.HandleFunc("/cycles/latest", ws.handleGetLatestCycle).Methods("GET")
	api.HandleFunc("/cycles/{id:[0-9]+}", ws.handleGetCycle).Methods("GET")
	api.HandleFunc("/detections", ws.handleGetDetections).Methods("GET")
	api.HandleFunc("/opportunities", ws.handleGetOpportunities).Methods("GET")
	api.HandleFunc("/receipts", ws.handleGetReceipts).Methods("GET")
	api.HandleFunc("/strategies", ws.handleGetStrategies).Methods("GET")
	api.HandleFunc("/parameters", ws.handleGetParameters).Methods("GET")
	api.HandleFunc("/performance", ws.handleGetPerformance).Methods("GET")

	// Admin API, guarded by bearer token
	admin := ws.router.PathPrefix("/api/admin").Subrouter()
	admin.Use(ws.authMiddleware)
	admin.HandleFunc("/strategies", ws.handleCreateStrategy).Methods("POST")
	admin.HandleFunc("/strategies/{name}/activate", ws.handleSetStrategyActive(true)).Methods("POST")
	admin.HandleFunc("/strategies/{name}/deactivate", ws.handleSetStrategyActive(false)).Methods("POST")
	admin.HandleFunc("/strategies/{name}/run", ws.handleRunStrategy).Methods("POST")
	admin.HandleFunc("/reconcile/{asset}", ws.handleReconcile).Methods("POST")
	admin.HandleFunc("/emergency", ws.handleEmergency).Methods("POST")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server.
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth returns server health status.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	dbHealthy := true
	hasErrors := false
	if err := state.TestDBConnection(); err != nil {
		dbHealthy = false
		hasErrors = true
	}

	haltedAssets := []string{}
	if ws.ledger != nil {
		for _, asset := range ws.ledger.Assets() {
			if err := ws.ledger.Halted(asset); err != nil {
				haltedAssets = append(haltedAssets, string(asset))
				hasErrors = true
			}
		}
	}

	overallStatus := "OK"
	if hasErrors {
		overallStatus = "DEGRADED"
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
		},
		"component": map[string]interface{}{
			"name":    "allocd-capital-allocation-engine",
			"version": "1.0.0",
		},
		"engine_status": map[string]interface{}{
			"database_healthy": dbHealthy,
			"halted_assets":    haltedAssets,
		},
	}

	statusCode := http.StatusOK
	if hasErrors {
		statusCode = http.StatusServiceUnavailable
	}
	ws.writeJSONResponse(w, statusCode, response)
}

// handleDashboard serves the main dashboard HTML.
func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(dashboardHTML)
}

// handleGetBalances returns the ledger view of one asset.
func (ws *WebServer) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	asset := types.Asset(mux.Vars(r)["asset"])
	balances, err := ws.ledger.Balances(asset)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "Unknown asset")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, balances)
}

// handleGetCycles returns recent cycle snapshots.
func (ws *WebServer) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20, 100)
	asset := types.Asset(r.URL.Query().Get("asset"))

	cycles, err := state.LoadRecentCycleSnapshots(asset, limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get recent cycles")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve cycles")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"cycles": cycles,
		"count":  len(cycles),
		"limit":  limit,
	})
}

// handleGetCycle returns a specific cycle snapshot by ID.
func (ws *WebServer) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid cycle ID")
		return
	}

	cycle, err := state.LoadCycleSnapshot(id)
	if err != nil {
		webLogger.Error().Err(err).Int64("snapshotId", id).Msg("Failed to get cycle")
		ws.writeErrorResponse(w, http.StatusNotFound, "Cycle not found")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, cycle)
}

// handleGetLatestCycle returns the most recent cycle snapshot.
func (ws *WebServer) handleGetLatestCycle(w http.ResponseWriter, r *http.Request) {
	asset := types.Asset(r.URL.Query().Get("asset"))
	cycles, err := state.LoadRecentCycleSnapshots(asset, 1)
	if err != nil || len(cycles) == 0 {
		ws.writeErrorResponse(w, http.StatusNotFound, "No cycles found")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, cycles[0])
}

// handleGetOpportunities returns the opportunities scored in the most recent
// cycle. Opportunities are point-in-time and expire quickly, so only the
// latest cycle's set is served.
func (ws *WebServer) handleGetOpportunities(w http.ResponseWriter, r *http.Request) {
	asset := types.Asset(r.URL.Query().Get("asset"))
	cycles, err := state.LoadRecentCycleSnapshots(asset, 1)
	if err != nil || len(cycles) == 0 {
		ws.writeErrorResponse(w, http.StatusNotFound, "No cycles found")
		return
	}
	opps := cycles[0].Opportunities
	if opps == nil {
		opps = []types.ReallocationOpportunity{}
	}
	ws.writeJSONResponse(w, http.StatusOK, opps)
}

// handleGetDetections returns recent idle-capital detections.
func (ws *WebServer) handleGetDetections(w http.ResponseWriter, r *http.Request) {
	asset := types.Asset(r.URL.Query().Get("asset"))
	if asset == "" {
		ws.writeErrorResponse(w, http.StatusBadRequest, "asset query parameter is required")
		return
	}
	detections, err := state.LoadRecentDetections(asset, queryLimit(r, 50, 500))
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get detections")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve detections")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"detections": detections,
		"count":      len(detections),
	})
}

// handleGetReceipts returns recent execution receipts.
func (ws *WebServer) handleGetReceipts(w http.ResponseWriter, r *http.Request) {
	asset := types.Asset(r.URL.Query().Get("asset"))
	receipts, err := state.LoadRecentReceipts(asset, queryLimit(r, 50, 500))
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get receipts")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve receipts")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// handleGetStrategies returns all known strategies.
func (ws *WebServer) handleGetStrategies(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"strategies": ws.strategies.All(),
	})
}

// handleGetParameters returns the active engine parameters.
func (ws *WebServer) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	params, err := state.LoadActiveEngineParameters(ws.configName)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get engine parameters")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve engine parameters")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"parameters": params,
		"timestamp":  time.Now().UTC(),
	})
}

// handleGetPerformance returns aggregated performance derived from receipts.
func (ws *WebServer) handleGetPerformance(w http.ResponseWriter, r *http.Request) {
	asset := types.Asset(r.URL.Query().Get("asset"))
	if asset == "" {
		ws.writeErrorResponse(w, http.StatusBadRequest, "asset query parameter is required")
		return
	}

	since := time.Time{}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid since timestamp, want RFC3339")
			return
		}
		since = parsed
	}

	summary, err := state.ComputePerformanceSummary(asset, since)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to compute performance summary")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to compute performance summary")
		return
	}
	flows, err := state.ComputeVenueFlows(asset, since)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to compute venue flows")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to compute venue flows")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"summary": summary,
		"flows":   flows,
	})
}

// handleCreateStrategy creates a new strategy from a JSON body.
func (ws *WebServer) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var s types.ReallocationStrategy
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid strategy payload: "+err.Error())
		return
	}
	created, err := ws.strategies.Create(s)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	ws.writeJSONResponse(w, http.StatusCreated, created)
}

// handleSetStrategyActive toggles a strategy's active flag.
func (ws *WebServer) handleSetStrategyActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if err := ws.strategies.SetActive(name, active); err != nil {
			ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"strategy": name,
			"active":   active,
		})
	}
}

// handleRunStrategy executes one strategy immediately.
func (ws *WebServer) handleRunStrategy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	receipts, err := ws.engine.RunStrategy(ctx, name)
	response := map[string]interface{}{
		"strategy": name,
		"receipts": receipts,
	}
	if err != nil {
		response["error"] = err.Error()
		ws.writeJSONResponse(w, http.StatusConflict, response)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleReconcile clears a halted ledger by re-deriving the asset total.
func (ws *WebServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	asset := types.Asset(mux.Vars(r)["asset"])
	if err := auth.Check(roleFrom(r), auth.CapReconcile); err != nil {
		ws.writeErrorResponse(w, http.StatusForbidden, err.Error())
		return
	}
	if err := ws.ledger.Reconcile(asset); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	webLogger.Warn().Str("asset", string(asset)).Msg("Ledger reconciled via admin API")
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"asset":      asset,
		"reconciled": true,
	})
}

// handleEmergency evacuates capital from a venue immediately.
func (ws *WebServer) handleEmergency(w http.ResponseWriter, r *http.Request) {
	if err := auth.Check(roleFrom(r), auth.CapEmergencyMove); err != nil {
		ws.writeErrorResponse(w, http.StatusForbidden, err.Error())
		return
	}

	var req struct {
		Asset  string `json:"asset"`
		Venue  string `json:"venue"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid emergency payload: "+err.Error())
		return
	}
	amount, ok := sdkmath.NewIntFromString(req.Amount)
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid amount")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	receipt, err := ws.executor.EmergencyReallocate(ctx, types.Asset(req.Asset), types.VenueID(req.Venue), amount)
	if err != nil {
		ws.writeJSONResponse(w, http.StatusConflict, map[string]interface{}{
			"receipt": receipt,
			"error":   err.Error(),
		})
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"receipt": receipt,
	})
}

// writeJSONResponse writes a JSON response.
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response.
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	ws.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}

type contextKey string

const roleKey contextKey = "role"

func roleFrom(r *http.Request) auth.Role {
	role, _ := r.Context().Value(roleKey).(auth.Role)
	return role
}

// authMiddleware resolves the bearer token to a role and rejects requests
// that carry none.
func (ws *WebServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			ws.writeErrorResponse(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		role, err := ws.authn.Authenticate(token)
		if err != nil {
			ws.writeErrorResponse(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), roleKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware adds CORS headers.
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests.
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func queryLimit(r *http.Request, def, ceiling int) int {
	limit := def
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= ceiling {
			limit = parsed
		}
	}
	return limit
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
