// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline: trade and position
// records, poll-state cursors, lifecycle events, and the JSON shapes of the
// upstream data API and activity WebSocket. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a fill: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Outcome is the binary outcome a fill was on. Empty when the upstream
// omits it.
type Outcome string

const (
	YES Outcome = "YES"
	NO  Outcome = "NO"
)

// CloseReason classifies why a position ceased to exist.
type CloseReason string

const (
	CloseManual   CloseReason = "manual_close"  // holder exited while the market was open
	CloseMarket   CloseReason = "market_closed" // market resolved out from under the position
	CloseRedeemed CloseReason = "redeemed"      // redeemable position was claimed
	ClosePartial  CloseReason = "partial"       // reserved, never emitted by the reconciler
)

// MarketStatus is the oracle's answer for a single market. Unknown means the
// lookup failed or the market object carried neither flag; the reconciler
// treats it as open.
type MarketStatus int

const (
	MarketStatusUnknown MarketStatus = iota
	MarketStatusOpen
	MarketStatusClosed
)

// NormalizeWallet canonicalizes a wallet address to lowercase hex.
// Returns an error unless the input is a 0x-prefixed 20-byte hex string.
func NormalizeWallet(addr string) (string, error) {
	w := strings.ToLower(strings.TrimSpace(addr))
	if len(w) != 42 || !strings.HasPrefix(w, "0x") {
		return "", fmt.Errorf("wallet %q: want 0x + 40 hex chars", addr)
	}
	for _, c := range w[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("wallet %q: non-hex character %q", addr, c)
		}
	}
	return w, nil
}

// ParseTimestamp converts an upstream timestamp to UTC time. The upstream
// emits either seconds or milliseconds since epoch; values too large to be
// plausible seconds are interpreted as milliseconds. Zero and negative
// values are parse errors, never silently dropped.
func ParseTimestamp(ts int64) (time.Time, error) {
	if ts <= 0 {
		return time.Time{}, fmt.Errorf("timestamp %d: must be positive", ts)
	}
	const msCutoff = 9_000_000_000 // ≈ year 2255 in seconds
	if ts < msCutoff {
		return time.Unix(ts, 0).UTC(), nil
	}
	return time.UnixMilli(ts).UTC(), nil
}

// Trade is one fill on one market by one wallet, as stored.
type Trade struct {
	TradeID      string // upstream tx hash, or wallet|market|ts when absent
	Wallet       string // canonical lowercase hex
	TxHash       string // empty when the upstream omitted it
	ConditionID  string // market condition ID, required
	Title        string // market title passthrough
	Slug         string // market slug passthrough
	EventSlug    string // event slug passthrough
	Side         Side
	Outcome      Outcome // empty when unknown
	OutcomeIndex int
	Size         decimal.Decimal // non-negative
	Price        decimal.Decimal // in [0, 1]
	Timestamp    time.Time       // UTC, millisecond precision
	Raw          json.RawMessage // upstream payload for forensic replay
}

// Position is a wallet's currently-open stake on a market at the most
// recent observation.
type Position struct {
	Wallet     string
	MarketID   string // condition ID, or asset when the upstream omits it
	Size       decimal.Decimal
	Redeemable bool
	LastSeenAt time.Time
	Raw        json.RawMessage
}

// PositionClose records that a (wallet, market) position ceased to exist.
// The triple (Wallet, MarketID, ClosedAt) is the idempotency key.
type PositionClose struct {
	Wallet   string
	MarketID string
	ClosedAt time.Time // observation time, not upstream settlement time
	Reason   CloseReason
	Raw      json.RawMessage // last-seen position payload
}

// PollState is the per-wallet ingestion cursor. LastTradeTimeSeen is a
// monotone non-decreasing watermark: every trade at or before it has been
// accounted for.
type PollState struct {
	Wallet              string
	LastTradeTimeSeen   time.Time
	LastPositionCheckAt time.Time
	UpdatedAt           time.Time
}

// UpstreamTrade is the JSON shape of one trade from the data API and from
// the activity WebSocket (both mirror the same object).
type UpstreamTrade struct {
	ProxyWallet     string  `json:"proxyWallet"`
	TransactionHash string  `json:"transactionHash"`
	ConditionID     string  `json:"conditionId"`
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	EventSlug       string  `json:"eventSlug"`
	Side            string  `json:"side"`
	Outcome         string  `json:"outcome"`
	OutcomeIndex    *int    `json:"outcomeIndex"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"` // seconds or milliseconds
}

// TradeID returns the stable identity of the fill: the tx hash when the
// upstream provides one, else the deterministic (wallet, market, timestamp)
// tuple.
func (u UpstreamTrade) TradeID(wallet string) string {
	if u.TransactionHash != "" {
		return u.TransactionHash
	}
	return fmt.Sprintf("%s|%s|%d", wallet, u.ConditionID, u.Timestamp)
}

// ToTrade validates and converts the upstream payload into a store row.
// Invalid payloads are errors; nothing is coerced silently.
func (u UpstreamTrade) ToTrade(wallet string, raw json.RawMessage) (Trade, error) {
	if u.ConditionID == "" {
		return Trade{}, fmt.Errorf("trade %s: missing conditionId", u.TransactionHash)
	}

	var side Side
	switch strings.ToUpper(u.Side) {
	case "BUY":
		side = BUY
	case "SELL":
		side = SELL
	default:
		return Trade{}, fmt.Errorf("trade %s: invalid side %q", u.TransactionHash, u.Side)
	}

	var outcome Outcome
	switch strings.ToUpper(u.Outcome) {
	case "YES":
		outcome = YES
	case "NO":
		outcome = NO
	case "":
		// nullable upstream field
	default:
		return Trade{}, fmt.Errorf("trade %s: invalid outcome %q", u.TransactionHash, u.Outcome)
	}

	if u.Size < 0 {
		return Trade{}, fmt.Errorf("trade %s: negative size %v", u.TransactionHash, u.Size)
	}
	if u.Price < 0 || u.Price > 1 {
		return Trade{}, fmt.Errorf("trade %s: price %v out of [0,1]", u.TransactionHash, u.Price)
	}

	ts, err := ParseTimestamp(u.Timestamp)
	if err != nil {
		return Trade{}, fmt.Errorf("trade %s: %w", u.TransactionHash, err)
	}

	outcomeIdx := 0
	if u.OutcomeIndex != nil {
		outcomeIdx = *u.OutcomeIndex
	}

	return Trade{
		TradeID:      u.TradeID(wallet),
		Wallet:       wallet,
		TxHash:       u.TransactionHash,
		ConditionID:  u.ConditionID,
		Title:        u.Title,
		Slug:         u.Slug,
		EventSlug:    u.EventSlug,
		Side:         side,
		Outcome:      outcome,
		OutcomeIndex: outcomeIdx,
		Size:         decimal.NewFromFloat(u.Size),
		Price:        decimal.NewFromFloat(u.Price),
		Timestamp:    ts,
		Raw:          raw,
	}, nil
}

// UpstreamPosition is the JSON shape of one open position from the data API.
// ConditionID is preferred as the market key; Asset is the fallback.
type UpstreamPosition struct {
	ConditionID string  `json:"conditionId"`
	Asset       string  `json:"asset"`
	Size        float64 `json:"size"`
	Redeemable  bool    `json:"redeemable"`
	Title       string  `json:"title"`
}

// MarketKey returns the identifier positions are keyed on.
func (u UpstreamPosition) MarketKey() string {
	if u.ConditionID != "" {
		return u.ConditionID
	}
	return u.Asset
}

// ToPosition converts the upstream payload into a store row.
func (u UpstreamPosition) ToPosition(wallet string, seenAt time.Time, raw json.RawMessage) (Position, error) {
	key := u.MarketKey()
	if key == "" {
		return Position{}, fmt.Errorf("position for %s: missing conditionId and asset", wallet)
	}
	return Position{
		Wallet:     wallet,
		MarketID:   key,
		Size:       decimal.NewFromFloat(u.Size),
		Redeemable: u.Redeemable,
		LastSeenAt: seenAt,
		Raw:        raw,
	}, nil
}

// UpstreamMarket is the market object from the authoritative lookup,
// reduced to the resolution flags the reconciler cares about.
type UpstreamMarket struct {
	ConditionID string `json:"conditionId"`
	Closed      *bool  `json:"closed"`
	Resolved    *bool  `json:"resolved"`
}

// Status folds the closed/resolved flags into the oracle tri-state.
func (u UpstreamMarket) Status() MarketStatus {
	if u.Closed == nil && u.Resolved == nil {
		return MarketStatusUnknown
	}
	if (u.Closed != nil && *u.Closed) || (u.Resolved != nil && *u.Resolved) {
		return MarketStatusClosed
	}
	return MarketStatusOpen
}

// WSSubscription is one topic subscription inside the subscribe message.
type WSSubscription struct {
	Topic string `json:"topic"` // "activity"
	Type  string `json:"type"`  // "trades" or "orders_matched"
}

// WSSubscribeMsg is sent once per connection to subscribe to activity topics.
type WSSubscribeMsg struct {
	Action        string           `json:"action"` // "subscribe"
	Subscriptions []WSSubscription `json:"subscriptions"`
}

// WSEnvelope carries the routing fields of any activity message.
type WSEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WSOrderRef is one maker order inside an orders_matched payload.
type WSOrderRef struct {
	OrderID string `json:"orderId"`
}

// WSOrdersMatched is an order-match notification from the activity feed.
// Either the flat taker/maker IDs or the makerOrders array may be populated.
type WSOrdersMatched struct {
	TakerOrderID string       `json:"takerOrderId"`
	MakerOrderID string       `json:"makerOrderId"`
	MakerOrders  []WSOrderRef `json:"makerOrders"`
}

// OrderIDs flattens all order identifiers carried by the event.
func (m WSOrdersMatched) OrderIDs() []string {
	ids := make([]string, 0, 2+len(m.MakerOrders))
	if m.TakerOrderID != "" {
		ids = append(ids, m.TakerOrderID)
	}
	if m.MakerOrderID != "" {
		ids = append(ids, m.MakerOrderID)
	}
	for _, o := range m.MakerOrders {
		if o.OrderID != "" {
			ids = append(ids, o.OrderID)
		}
	}
	return ids
}
