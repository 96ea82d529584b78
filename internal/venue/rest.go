/*
This file implements the Adapter interface over a venue adapter's REST
surface. Each venue runs its own adapter sidecar exposing a small JSON API;
the engine treats that sidecar as the venue.
*/

package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/stratafi/allocator/internal/logger"
	"github.com/stratafi/allocator/internal/types"
	"github.com/stratafi/allocator/internal/utils"
)

var restLogger = logger.GetForComponent("venue_rest")

var ErrBadAdapterResponse = errors.New("invalid response from venue adapter")

const (
	requestTimeout = 15 * time.Second
	maxRetries     = 2
)

// RESTAdapter talks to a venue adapter sidecar over HTTP.
type RESTAdapter struct {
	venueID types.VenueID
	baseURL string
	client  *http.Client
}

// NewRESTAdapter creates an adapter for the sidecar at baseURL.
func NewRESTAdapter(venueID types.VenueID, baseURL string) *RESTAdapter {
	return &RESTAdapter{
		venueID: venueID,
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type transferRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type transferResponse struct {
	ActualAmount string `json:"actual_amount"`
}

type metricResponse struct {
	ValueBps float64 `json:"value_bps,omitempty"`
	Amount   string  `json:"amount,omitempty"`
}

// Deposit places funds into the venue and returns the amount actually taken.
func (a *RESTAdapter) Deposit(ctx context.Context, asset types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	return a.transfer(ctx, "deposit", asset, amount)
}

// Withdraw pulls funds from the venue and returns the amount actually
// returned, which may be short of the request.
func (a *RESTAdapter) Withdraw(ctx context.Context, asset types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	return a.transfer(ctx, "withdraw", asset, amount)
}

func (a *RESTAdapter) transfer(ctx context.Context, op string, asset types.Asset, amount sdkmath.Int) (sdkmath.Int, error) {
	if amount.IsNil() || !amount.IsPositive() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s amount must be positive", types.ErrValidation, op)
	}

	body, err := json.Marshal(transferRequest{Asset: string(asset), Amount: amount.String()})
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	raw, err := a.do(ctx, http.MethodPost, fmt.Sprintf("%s/v1/%s", a.baseURL, op), body)
	if err != nil {
		return sdkmath.ZeroInt(), errors.Join(types.ErrVenueUnavailable, err)
	}

	var resp transferResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return sdkmath.ZeroInt(), errors.Join(ErrBadAdapterResponse, err)
	}
	actual, ok := sdkmath.NewIntFromString(resp.ActualAmount)
	if !ok || actual.IsNegative() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s returned amount %q", ErrBadAdapterResponse, op, resp.ActualAmount)
	}
	if actual.GT(amount) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s returned %s which exceeds requested %s",
			ErrBadAdapterResponse, op, actual.String(), amount.String())
	}
	return actual, nil
}

// QueryUtilization returns downstream utilization in basis points.
func (a *RESTAdapter) QueryUtilization(ctx context.Context, asset types.Asset) (float64, error) {
	return a.queryBps(ctx, asset, "utilization")
}

// QueryYield returns the current yield in basis points of APR.
func (a *RESTAdapter) QueryYield(ctx context.Context, asset types.Asset) (float64, error) {
	return a.queryBps(ctx, asset, "yield")
}

func (a *RESTAdapter) queryBps(ctx context.Context, asset types.Asset, metric string) (float64, error) {
	raw, err := a.do(ctx, http.MethodGet, fmt.Sprintf("%s/v1/%s/%s", a.baseURL, asset, metric), nil)
	if err != nil {
		return 0, errors.Join(types.ErrVenueUnavailable, err)
	}
	var resp metricResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, errors.Join(ErrBadAdapterResponse, err)
	}
	if err := utils.ValidateFinite(metric, resp.ValueBps); err != nil {
		return 0, errors.Join(ErrBadAdapterResponse, err)
	}
	if resp.ValueBps < 0 {
		return 0, fmt.Errorf("%w: negative %s %f", ErrBadAdapterResponse, metric, resp.ValueBps)
	}
	return resp.ValueBps, nil
}

// QueryLiquidityDepth returns how much of the asset the venue can absorb.
func (a *RESTAdapter) QueryLiquidityDepth(ctx context.Context, asset types.Asset) (sdkmath.Int, error) {
	raw, err := a.do(ctx, http.MethodGet, fmt.Sprintf("%s/v1/%s/depth", a.baseURL, asset), nil)
	if err != nil {
		return sdkmath.ZeroInt(), errors.Join(types.ErrVenueUnavailable, err)
	}
	var resp metricResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return sdkmath.ZeroInt(), errors.Join(ErrBadAdapterResponse, err)
	}
	depth, ok := sdkmath.NewIntFromString(resp.Amount)
	if !ok || depth.IsNegative() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: depth %q", ErrBadAdapterResponse, resp.Amount)
	}
	return depth, nil
}

// do performs one HTTP round-trip with bounded retries on transport errors.
// Mutating calls are retried too: adapters are required to be idempotent-safe
// for the same logical request.
func (a *RESTAdapter) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			restLogger.Debug().
				Str("venue", string(a.venueID)).
				Str("url", url).
				Int("attempt", attempt).
				Msg("Retrying venue adapter call")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("venue adapter returned status %d: %s", resp.StatusCode, string(raw))
			// 4xx responses are not transient; do not retry them.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, lastErr
			}
			continue
		}
		return raw, nil
	}
	return nil, lastErr
}
