// ws.go implements the activity WebSocket feed.
//
// One long-lived connection subscribes to the venue's activity topic with
// two subscription types:
//
//   - trades:          every public fill, mirroring the HTTP trade object
//   - orders_matched:  order-match notifications carrying order IDs
//
// On close the feed reconnects after a short fixed delay and re-sends the
// subscription; consumers are told about each reconnect via Reconnected()
// so they can refresh caches that may have gone stale during the gap. A read
// deadline detects silent server failures within ~2 missed pings.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-tracker/pkg/types"
)

const (
	pingInterval = 50 * time.Second // how often we send PING to keep alive
	readTimeout  = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout = 10 * time.Second // deadline for outgoing messages

	tradeChanSize = 512 // activity trades arrive in bursts around resolutions
	matchChanSize = 128
	reconnSize    = 4
)

// ActivityTradeEvent is one inbound fill from the activity feed, with its
// raw payload preserved for the feed row.
type ActivityTradeEvent struct {
	Trade types.UpstreamTrade
	Raw   json.RawMessage
}

// ActivityFeed manages the activity WebSocket connection: lifecycle,
// subscription, message routing, and reconnection.
type ActivityFeed struct {
	url            string
	reconnectDelay time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	tradeCh chan ActivityTradeEvent
	matchCh chan types.WSOrdersMatched
	reconn  chan struct{}

	logger *slog.Logger
}

// NewActivityFeed creates a feed for the given WebSocket URL.
func NewActivityFeed(wsURL string, reconnectDelay time.Duration, logger *slog.Logger) *ActivityFeed {
	return &ActivityFeed{
		url:            wsURL,
		reconnectDelay: reconnectDelay,
		tradeCh:        make(chan ActivityTradeEvent, tradeChanSize),
		matchCh:        make(chan types.WSOrdersMatched, matchChanSize),
		reconn:         make(chan struct{}, reconnSize),
		logger:         logger.With("component", "ws_activity"),
	}
}

// TradeEvents returns a read-only channel of inbound fills.
func (f *ActivityFeed) TradeEvents() <-chan ActivityTradeEvent { return f.tradeCh }

// MatchEvents returns a read-only channel of orders_matched notifications.
func (f *ActivityFeed) MatchEvents() <-chan types.WSOrdersMatched { return f.matchCh }

// Reconnected signals each successful re-subscription after a disconnect.
func (f *ActivityFeed) Reconnected() <-chan struct{} { return f.reconn }

// Run connects and maintains the connection with a fixed reconnect delay.
// Blocks until ctx is cancelled.
func (f *ActivityFeed) Run(ctx context.Context) error {
	first := true
	for {
		err := f.connectAndRead(ctx, first)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		first = false

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"delay", f.reconnectDelay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

// Close gracefully closes the connection.
func (f *ActivityFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *ActivityFeed) connectAndRead(ctx context.Context, first bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)
	if !first {
		select {
		case f.reconn <- struct{}{}:
		default:
		}
	}

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *ActivityFeed) subscribe() error {
	msg := types.WSSubscribeMsg{
		Action: "subscribe",
		Subscriptions: []types.WSSubscription{
			{Topic: "activity", Type: "trades"},
			{Topic: "activity", Type: "orders_matched"},
		},
	}
	return f.writeJSON(msg)
}

func (f *ActivityFeed) dispatchMessage(data []byte) {
	var envelope types.WSEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "trades":
		payload := envelope.Payload
		if len(payload) == 0 {
			// some servers send the trade object at the top level
			payload = data
		}
		var trade types.UpstreamTrade
		if err := json.Unmarshal(payload, &trade); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case f.tradeCh <- ActivityTradeEvent{Trade: trade, Raw: payload}:
		default:
			f.logger.Warn("trade channel full, dropping event", "tx", trade.TransactionHash)
		}

	case "orders_matched":
		payload := envelope.Payload
		if len(payload) == 0 {
			payload = data
		}
		var match types.WSOrdersMatched
		if err := json.Unmarshal(payload, &match); err != nil {
			f.logger.Error("unmarshal orders_matched event", "error", err)
			return
		}
		select {
		case f.matchCh <- match:
		default:
			f.logger.Warn("match channel full, dropping event")
		}

	case "":
		f.logger.Debug("ignoring untyped ws message")

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.Type)
	}
}

func (f *ActivityFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *ActivityFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *ActivityFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
