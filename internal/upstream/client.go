// Package upstream implements the read-only clients for the public venue:
// a REST client for trade history, position snapshots, and market status,
// plus the activity WebSocket feed.
//
// The REST client (Client) exposes three operations:
//   - FetchTradesPage: GET /trades?user=...&limit=...&offset=... — newest-first fills
//   - FetchPositions:  GET /positions?user=... — full open-position snapshot, paginated
//   - IsMarketClosed:  GET /markets/{conditionId} — authoritative resolution flag
//
// Every request is preceded by a token-bucket Wait and retried on transient
// failures (408/429/5xx and transport timeouts) with exponential backoff and
// jitter. The endpoints are public; no authentication is sent.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-tracker/internal/config"
	"polymarket-tracker/pkg/types"
)

const (
	dataTimeout   = 15 * time.Second // trade/position fetches
	probeTimeout  = 10 * time.Second // single-market status probes
	retryAttempts = 3
	retryBase     = time.Second
	retryJitter   = 500 * time.Millisecond
	userAgent     = "polymarket-tracker/1.0"

	// TradesPageLimit is the upstream's maximum page size for /trades.
	TradesPageLimit = 200
	// positionsPageLimit is the fixed page size for /positions pagination.
	positionsPageLimit = 500
)

// StatusError is a non-2xx upstream response. Retryable codes are handled
// inside the client; callers see a StatusError only after exhaustion or for
// permanent failures.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// retryableStatus reports whether a response code warrants a retry.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsTimeout reports whether err is a network or deadline timeout. Timeouts
// are retried like a synthetic 408 and are classified non-fatal by the
// pollers' error budgets.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusRequestTimeout
}

// TradeRecord pairs a parsed upstream trade with its raw payload, kept for
// the forensic raw column.
type TradeRecord struct {
	Trade types.UpstreamTrade
	Raw   json.RawMessage
}

// PositionRecord pairs a parsed upstream position with its raw payload.
type PositionRecord struct {
	Position types.UpstreamPosition
	Raw      json.RawMessage
}

// Client is the upstream REST client. It shares one token bucket with its
// owning worker so HTTP fetches and batched store flushes draw from a single
// budget.
type Client struct {
	data    *resty.Client
	market  *resty.Client
	limiter *TokenBucket
	logger  *slog.Logger
}

// NewClient creates an upstream client drawing from the given token bucket.
func NewClient(cfg config.UpstreamConfig, limiter *TokenBucket, logger *slog.Logger) *Client {
	data := newRestyClient(cfg.DataBaseURL, dataTimeout)
	market := newRestyClient(cfg.MarketBaseURL, probeTimeout)
	if cfg.MarketAPIKey != "" {
		market.SetHeader("X-Api-Key", cfg.MarketAPIKey)
	}
	return &Client{
		data:    data,
		market:  market,
		limiter: limiter,
		logger:  logger.With("component", "upstream"),
	}
}

// newRestyClient builds a client with the shared retry policy: up to three
// attempts, delay base·2^(attempt-1) plus uniform jitter, retrying only
// transport errors and the retryable status set.
func newRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent).
		SetRetryCount(retryAttempts - 1).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return retryableStatus(r.StatusCode())
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			attempt := 1
			if resp != nil && resp.Request != nil {
				attempt = resp.Request.Attempt
			}
			delay := retryBase << (attempt - 1)
			return delay + time.Duration(rand.Int63n(int64(retryJitter))), nil
		})
}

// FetchTradesPage returns one page of fills for a wallet, newest-first by
// the upstream clock. Unparseable entries fail the whole page: a malformed
// payload is a permanent error, not a silently dropped trade.
func (c *Client) FetchTradesPage(ctx context.Context, wallet string, limit, offset int) ([]TradeRecord, error) {
	if limit <= 0 || limit > TradesPageLimit {
		limit = TradesPageLimit
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var page []json.RawMessage
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":   wallet,
			"limit":  fmt.Sprintf("%d", limit),
			"offset": fmt.Sprintf("%d", offset),
		}).
		SetResult(&page).
		Get("/trades")
	if err != nil {
		return nil, fmt.Errorf("fetch trades %s offset %d: %w", wallet, offset, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}

	records := make([]TradeRecord, 0, len(page))
	for i, raw := range page {
		var tr types.UpstreamTrade
		if err := json.Unmarshal(raw, &tr); err != nil {
			return nil, fmt.Errorf("fetch trades %s offset %d entry %d: %w", wallet, offset, i, err)
		}
		records = append(records, TradeRecord{Trade: tr, Raw: raw})
	}
	return records, nil
}

// FetchPositions returns the wallet's full open-position snapshot, walking
// pages of 500 until a short page. A 404 or 400 means the wallet has no
// positions and yields an empty snapshot.
func (c *Client) FetchPositions(ctx context.Context, wallet string) ([]PositionRecord, error) {
	var all []PositionRecord
	offset := 0

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var page []json.RawMessage
		resp, err := c.data.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"user":   wallet,
				"limit":  fmt.Sprintf("%d", positionsPageLimit),
				"offset": fmt.Sprintf("%d", offset),
			}).
			SetResult(&page).
			Get("/positions")
		if err != nil {
			return nil, fmt.Errorf("fetch positions %s offset %d: %w", wallet, offset, err)
		}
		switch resp.StatusCode() {
		case http.StatusOK:
		case http.StatusNotFound, http.StatusBadRequest:
			// no positions for this wallet
			return all, nil
		default:
			return nil, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
		}

		for i, raw := range page {
			var pos types.UpstreamPosition
			if err := json.Unmarshal(raw, &pos); err != nil {
				return nil, fmt.Errorf("fetch positions %s offset %d entry %d: %w", wallet, offset, i, err)
			}
			all = append(all, PositionRecord{Position: pos, Raw: raw})
		}

		if len(page) < positionsPageLimit {
			return all, nil
		}
		offset += positionsPageLimit
	}
}

// IsMarketClosed consults the authoritative market object. A market that
// cannot be found reports unknown rather than an error; the reconciler
// treats unknown as not closed.
func (c *Client) IsMarketClosed(ctx context.Context, conditionID string) (types.MarketStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.MarketStatusUnknown, err
	}

	var market types.UpstreamMarket
	resp, err := c.market.R().
		SetContext(ctx).
		SetResult(&market).
		Get("/markets/" + conditionID)
	if err != nil {
		return types.MarketStatusUnknown, fmt.Errorf("market status %s: %w", conditionID, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return market.Status(), nil
	case http.StatusNotFound, http.StatusBadRequest:
		c.logger.Debug("market not found, status unknown", "condition_id", conditionID)
		return types.MarketStatusUnknown, nil
	default:
		return types.MarketStatusUnknown, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
	}
}
