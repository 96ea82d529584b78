package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafi/allocator/internal/auth"
	"github.com/stratafi/allocator/internal/config"
	"github.com/stratafi/allocator/internal/detector"
	"github.com/stratafi/allocator/internal/engine"
	"github.com/stratafi/allocator/internal/executor"
	"github.com/stratafi/allocator/internal/ledger"
	"github.com/stratafi/allocator/internal/oracle"
	"github.com/stratafi/allocator/internal/scorer"
	"github.com/stratafi/allocator/internal/strategy"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/venue"
)

const (
	testAsset = types.Asset("usdc")
	testToken = "test-admin-token"
)

type nullAdapter struct{}

func (nullAdapter) Deposit(_ context.Context, _ types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	return amount, nil
}

func (nullAdapter) Withdraw(_ context.Context, _ types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	return amount, nil
}

func (nullAdapter) QueryUtilization(_ context.Context, _ types.Asset) (float64, error) {
	return 9000, nil
}

func (nullAdapter) QueryYield(_ context.Context, _ types.Asset) (float64, error) {
	return 0, nil
}

func (nullAdapter) QueryLiquidityDepth(_ context.Context, _ types.Asset) (sdkmath.Int, error) {
	return sdkmath.ZeroInt(), nil
}

func newTestServer(t *testing.T) (*WebServer, *ledger.CapitalLedger, *strategy.Manager) {
	t.Helper()
	params := config.DefaultEngineParameters
	registry := venue.NewRegistry()
	for _, id := range []types.VenueID{"alpha", "beta"} {
		require.NoError(t, registry.Register(types.Venue{ID: id, Kind: types.VenueLending}, nullAdapter{}))
	}
	oracles := oracle.NewStatic()
	oracles.SetYield(testAsset, "alpha", 200)
	oracles.SetYield(testAsset, "beta", 650)
	oracles.SetRisk(testAsset, "alpha", 0.2)
	oracles.SetRisk(testAsset, "beta", 0.3)

	l := ledger.New(registry)
	require.NoError(t, l.RegisterAsset(testAsset, []types.TargetWeight{
		{Venue: "alpha", WeightBps: 6000},
		{Venue: "beta", WeightBps: 4000},
	}))
	_, err := l.Deposit(context.Background(), testAsset, sdkmath.NewInt(1_000_000))
	require.NoError(t, err)

	exec := executor.New(l, registry, oracles, oracles, executor.NewRateLimiter(params), nil, params)
	strategies := strategy.NewManager(registry, nil, params)
	eng, err := engine.New(engine.Config{
		Ledger:     l,
		Detector:   detector.New(l, registry, oracles, params),
		Collector:  scorer.NewCollector(registry, oracles, oracles),
		Executor:   exec,
		Strategies: strategies,
		Params:     params,
	})
	require.NoError(t, err)

	ws := NewWebServer(Config{
		Port:       "0",
		Ledger:     l,
		Engine:     eng,
		Executor:   exec,
		Strategies: strategies,
		Auth:       auth.NewTokenAuthenticator(testToken),
		ConfigName: "test",
	})
	return ws, l, strategies
}

func doRequest(ws *WebServer, method, path, token string, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ws.router.ServeHTTP(rec, req)
	return rec
}

func TestGetBalances(t *testing.T) {
	ws, _, _ := newTestServer(t)

	rec := doRequest(ws, http.MethodGet, "/api/balances/usdc", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap types.BalanceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, sdkmath.NewInt(1_000_000), snap.TotalDeposited)
	assert.Equal(t, sdkmath.NewInt(600_000), snap.PerVenue["alpha"])

	rec = doRequest(ws, http.MethodGet, "/api/balances/ghost", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStrategies(t *testing.T) {
	ws, _, strategies := newTestServer(t)
	_, err := strategies.Create(types.ReallocationStrategy{
		Name:               "rotate",
		Asset:              testAsset,
		Profile:            types.ProfileBalanced,
		SourceVenues:       []types.VenueID{"alpha"},
		TargetWeights:      []types.TargetWeight{{Venue: "beta", WeightBps: 10000}},
		ExecutionFrequency: time.Hour,
	})
	require.NoError(t, err)

	rec := doRequest(ws, http.MethodGet, "/api/strategies", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Strategies []types.ReallocationStrategy `json:"strategies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Strategies, 1)
	assert.Equal(t, "rotate", resp.Strategies[0].Name)
}

func TestAdminRequiresToken(t *testing.T) {
	ws, _, _ := newTestServer(t)

	rec := doRequest(ws, http.MethodPost, "/api/admin/reconcile/usdc", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(ws, http.MethodPost, "/api/admin/reconcile/usdc", "wrong-token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(ws, http.MethodPost, "/api/admin/reconcile/usdc", testToken, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminCreateStrategy(t *testing.T) {
	ws, _, strategies := newTestServer(t)

	payload := `{
		"name": "rotate",
		"asset": "usdc",
		"profile": "balanced",
		"source_venues": ["alpha"],
		"target_weights": [{"venue": "beta", "weight_bps": 10000}],
		"execution_frequency": 3600000000000
	}`
	rec := doRequest(ws, http.MethodPost, "/api/admin/strategies", testToken, payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got, err := strategies.Get("rotate")
	require.NoError(t, err)
	assert.True(t, got.Active)

	// Invalid payloads surface as 400, not 500.
	rec = doRequest(ws, http.MethodPost, "/api/admin/strategies", testToken, `{"name": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminActivateDeactivate(t *testing.T) {
	ws, _, strategies := newTestServer(t)
	_, err := strategies.Create(types.ReallocationStrategy{
		Name:               "rotate",
		Asset:              testAsset,
		Profile:            types.ProfileBalanced,
		SourceVenues:       []types.VenueID{"alpha"},
		TargetWeights:      []types.TargetWeight{{Venue: "beta", WeightBps: 10000}},
		ExecutionFrequency: time.Hour,
	})
	require.NoError(t, err)

	rec := doRequest(ws, http.MethodPost, "/api/admin/strategies/rotate/deactivate", testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := strategies.Get("rotate")
	require.NoError(t, err)
	assert.False(t, got.Active)

	rec = doRequest(ws, http.MethodPost, "/api/admin/strategies/rotate/activate", testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = strategies.Get("rotate")
	require.NoError(t, err)
	assert.True(t, got.Active)

	rec = doRequest(ws, http.MethodPost, "/api/admin/strategies/ghost/activate", testToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEmergencyValidation(t *testing.T) {
	ws, _, _ := newTestServer(t)

	rec := doRequest(ws, http.MethodPost, "/api/admin/emergency", testToken, `{"asset":"usdc","venue":"alpha","amount":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(ws, http.MethodPost, "/api/admin/emergency", testToken, `{"asset":"usdc","venue":"alpha","amount":"100000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Receipt types.ExecutionReceipt `json:"receipt"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Receipt.Emergency)
	assert.Equal(t, types.VenueID("beta"), resp.Receipt.ToVenue)
}

func TestHealthWithoutDatabase(t *testing.T) {
	ws, _, _ := newTestServer(t)

	rec := doRequest(ws, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Status       string `json:"status"`
		EngineStatus struct {
			DatabaseHealthy bool `json:"database_healthy"`
		} `json:"engine_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "DEGRADED", resp.Status)
	assert.False(t, resp.EngineStatus.DatabaseHealthy)
}

func TestGetOpportunitiesWithoutCycles(t *testing.T) {
	ws, _, _ := newTestServer(t)

	rec := doRequest(ws, http.MethodGet, "/api/opportunities?asset=usdc", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDashboardServed(t *testing.T) {
	ws, _, _ := newTestServer(t)
	rec := doRequest(ws, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.NotEmpty(t, rec.Body.Bytes())
}
