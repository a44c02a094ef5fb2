// Package dispatch implements the client for this system's own control
// plane: the execution endpoint that turns observed trades into follower
// orders, plus the supporting reads the stream ingester refreshes its
// caches from.
//
// Mutating calls (SyncTrade, NotifyFill) pass through the circuit breaker;
// Execute is fire-and-forget and best-effort by contract.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-tracker/internal/config"
)

const requestTimeout = 15 * time.Second

// Client is the bearer-authenticated control-plane client.
type Client struct {
	http    *resty.Client
	breaker *Breaker
	logger  *slog.Logger
}

// NewClient creates a control-plane client guarded by the given breaker.
func NewClient(cfg config.DownstreamConfig, breaker *Breaker, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(requestTimeout).
		SetAuthToken(cfg.BearerSecret).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		breaker: breaker,
		logger:  logger.With("component", "dispatch"),
	}
}

// TargetTraderSet is the control plane's execution-target configuration.
type TargetTraderSet struct {
	Traders               []string `json:"traders"`
	HasLeaderboardWallets bool     `json:"has_leaderboard_wallets"`
}

// TargetTraders fetches the execution-target wallet set.
func (c *Client) TargetTraders(ctx context.Context) (TargetTraderSet, error) {
	var result TargetTraderSet
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/copy/target-traders")
	if err != nil {
		return result, fmt.Errorf("target traders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return result, fmt.Errorf("target traders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// syncTradeResponse is the execution endpoint's answer.
type syncTradeResponse struct {
	Inserted int    `json:"inserted"`
	Message  string `json:"message"`
}

// SyncTrade forwards a raw upstream trade to the execution endpoint through
// the circuit breaker. Returns the number of follower orders inserted.
// ErrBreakerOpen means the dispatch was skipped without a network call.
func (c *Client) SyncTrade(ctx context.Context, rawTrade json.RawMessage) (int, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, err
	}

	var result syncTradeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]json.RawMessage{"trade": rawTrade}).
		SetResult(&result).
		Post("/api/copy/sync-trade")

	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	c.breaker.Record(status, err)

	if err != nil {
		return 0, fmt.Errorf("sync trade: %w", err)
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("sync trade: status %d: %s", status, resp.String())
	}
	return result.Inserted, nil
}

// Execute triggers the downstream execution pass. Best-effort: failures are
// logged and swallowed, never propagated.
func (c *Client) Execute(ctx context.Context) {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/api/copy/execute")
	if err != nil {
		c.logger.Warn("execute trigger failed", "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Warn("execute trigger rejected", "status", resp.StatusCode())
	}
}

// FillResult is the control plane's answer to a fill notification.
type FillResult struct {
	Updated   bool    `json:"updated"`
	NewStatus string  `json:"new_status"`
	FillRate  float64 `json:"fill_rate"`
}

// NotifyFill reports a matched order id through the circuit breaker.
func (c *Client) NotifyFill(ctx context.Context, orderID string) (FillResult, error) {
	var result FillResult
	if err := c.breaker.Allow(); err != nil {
		return result, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"order_id": orderID}).
		SetResult(&result).
		Post("/api/copy/ws-fill")

	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	c.breaker.Record(status, err)

	if err != nil {
		return result, fmt.Errorf("notify fill: %w", err)
	}
	if status != http.StatusOK {
		return result, fmt.Errorf("notify fill: status %d: %s", status, resp.String())
	}
	return result, nil
}

// PendingOrder is one open outbound order the ingester watches for fills.
type PendingOrder struct {
	OrderID string `json:"order_id"`
}

// PendingOrders fetches the open outbound orders for fill correlation.
func (c *Client) PendingOrders(ctx context.Context) ([]PendingOrder, error) {
	var result struct {
		Orders []PendingOrder `json:"orders"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/copy/pending-orders")
	if err != nil {
		return nil, fmt.Errorf("pending orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("pending orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Orders, nil
}
