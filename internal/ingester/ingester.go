package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"polymarket-tracker/internal/config"
	"polymarket-tracker/internal/dispatch"
	"polymarket-tracker/internal/metrics"
	"polymarket-tracker/internal/upstream"
	"polymarket-tracker/pkg/types"
)

// Feed is the activity stream the ingester consumes.
// *upstream.ActivityFeed satisfies it.
type Feed interface {
	Run(ctx context.Context) error
	TradeEvents() <-chan upstream.ActivityTradeEvent
	MatchEvents() <-chan types.WSOrdersMatched
	Reconnected() <-chan struct{}
}

// Dispatcher is the control-plane surface the ingester talks to.
// *dispatch.Client satisfies it.
type Dispatcher interface {
	TargetTraders(ctx context.Context) (dispatch.TargetTraderSet, error)
	SyncTrade(ctx context.Context, rawTrade json.RawMessage) (int, error)
	Execute(ctx context.Context)
	NotifyFill(ctx context.Context, orderID string) (dispatch.FillResult, error)
	PendingOrders(ctx context.Context) ([]dispatch.PendingOrder, error)
}

// Store is the slice of the relational adapter the ingester needs.
type Store interface {
	UpsertTrades(ctx context.Context, rows []types.Trade) error
	GetActiveFollows(ctx context.Context) ([]string, error)
}

// Ingester consumes the activity feed. For every public fill it decides:
// persist (wallet is followed or an execution target) and dispatch (BUY by
// an execution target). Order-match events are correlated against the
// pending-order cache and reported as fills.
type Ingester struct {
	cfg        config.IngesterConfig
	feed       Feed
	store      Store
	dispatcher Dispatcher

	follows *WalletSet
	targets *WalletSet
	orders  *OrderCache
	buffer  *Buffer
	window  *dispatch.Window

	logger *slog.Logger
}

// New creates the ingester.
func New(cfg config.IngesterConfig, feed Feed, st Store, d Dispatcher, logger *slog.Logger) *Ingester {
	log := logger.With("component", "ingester")
	return &Ingester{
		cfg:        cfg,
		feed:       feed,
		store:      st,
		dispatcher: d,
		follows:    NewWalletSet(),
		targets:    NewWalletSet(),
		orders:     NewOrderCache(),
		buffer:     NewBuffer(cfg.BufferMaxSize, st, log),
		window:     dispatch.NewWindow(cfg.InFlightCap),
		logger:     log,
	}
}

// Run consumes the feed until ctx is cancelled. The final buffer flush runs
// on a fresh context so buffered rows survive shutdown.
func (in *Ingester) Run(ctx context.Context) error {
	in.refreshSets(ctx)
	in.refreshOrders(ctx)

	feedErr := make(chan error, 1)
	go func() { feedErr <- in.feed.Run(ctx) }()

	flushTick := time.NewTicker(in.cfg.BufferFlushInterval)
	defer flushTick.Stop()
	setTick := time.NewTicker(in.cfg.SetRefreshInterval)
	defer setTick.Stop()
	orderTick := time.NewTicker(in.cfg.OrderRefreshInterval)
	defer orderTick.Stop()
	watchdogTick := time.NewTicker(in.cfg.WatchdogInterval)
	defer watchdogTick.Stop()

	for {
		select {
		case <-ctx.Done():
			in.shutdownFlush()
			return ctx.Err()

		case err := <-feedErr:
			in.shutdownFlush()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return ctx.Err()

		case ev := <-in.feed.TradeEvents():
			in.handleTrade(ctx, ev)

		case m := <-in.feed.MatchEvents():
			in.handleMatch(ctx, m)

		case <-in.feed.Reconnected():
			metrics.WSReconnects.Inc()
			in.logger.Info("feed reconnected, refreshing caches")
			in.refreshSets(ctx)
			in.refreshOrders(ctx)

		case <-flushTick.C:
			in.buffer.Flush(ctx, "tick")

		case <-setTick.C:
			in.refreshSets(ctx)

		case <-orderTick.C:
			in.refreshOrders(ctx)

		case <-watchdogTick.C:
			checkMemory(in.logger, in.cfg.WatchdogHeapPct)
		}
	}
}

// handleTrade classifies one inbound fill. Uninteresting wallets are
// dropped without any allocation beyond the decode that already happened.
func (in *Ingester) handleTrade(ctx context.Context, ev upstream.ActivityTradeEvent) {
	wallet, err := types.NormalizeWallet(ev.Trade.ProxyWallet)
	if err != nil {
		in.logger.Debug("feed trade with bad wallet", "error", err)
		return
	}

	followed := in.follows.Contains(wallet)
	targeted := in.targets.Contains(wallet)
	if !followed && !targeted {
		return
	}

	row, err := ev.Trade.ToTrade(wallet, ev.Raw)
	if err != nil {
		in.logger.Warn("feed trade rejected", "wallet", wallet, "error", err)
		return
	}
	in.buffer.Add(ctx, row)

	if targeted && row.Side == types.BUY {
		in.dispatchTrade(ctx, row.TradeID, ev.Raw)
	}
}

// dispatchTrade forwards the fill to the execution endpoint, bounded by the
// in-flight window. A saturated window drops the dispatch rather than
// queueing it: the pollers re-derive the trade within seconds, and a queue
// would just amplify a slow downstream.
func (in *Ingester) dispatchTrade(ctx context.Context, tradeID string, raw json.RawMessage) {
	if !in.window.TryAcquire() {
		metrics.Dispatches.WithLabelValues("dropped_saturated").Inc()
		in.logger.Warn("dispatch window saturated, dropping",
			"trade_id", tradeID,
			"in_flight", in.window.InFlight(),
		)
		return
	}

	go func() {
		defer in.window.Release()

		inserted, err := in.dispatcher.SyncTrade(ctx, raw)
		switch {
		case errors.Is(err, dispatch.ErrBreakerOpen):
			metrics.Dispatches.WithLabelValues("dropped_breaker").Inc()
			return
		case err != nil:
			metrics.Dispatches.WithLabelValues("failed").Inc()
			in.logger.Warn("sync trade failed", "trade_id", tradeID, "error", err)
			return
		}

		metrics.Dispatches.WithLabelValues("sent").Inc()
		if inserted > 0 {
			in.logger.Info("trade dispatched",
				"trade_id", tradeID,
				"orders_inserted", inserted,
			)
			in.dispatcher.Execute(ctx)
		}
	}()
}

// handleMatch correlates an orders_matched event with the pending cache and
// notifies the control plane for each hit. The cache eviction in Match makes
// duplicate events harmless.
func (in *Ingester) handleMatch(ctx context.Context, m types.WSOrdersMatched) {
	for _, id := range m.OrderIDs() {
		if !in.orders.Match(id) {
			continue
		}
		go func(orderID string) {
			res, err := in.dispatcher.NotifyFill(ctx, orderID)
			if err != nil {
				in.logger.Warn("fill notification failed", "order_id", orderID, "error", err)
				return
			}
			in.logger.Info("fill reported",
				"order_id", orderID,
				"updated", res.Updated,
				"status", res.NewStatus,
				"fill_rate", res.FillRate,
			)
		}(id)
	}
}

// refreshSets reloads the follow set from the store and the execution
// targets from the control plane. Failures keep the previous snapshots: a
// stale set beats an empty one.
func (in *Ingester) refreshSets(ctx context.Context) {
	follows, err := in.store.GetActiveFollows(ctx)
	if err != nil {
		in.logger.Warn("follow set refresh failed", "error", err)
	} else {
		in.follows.Replace(follows)
	}

	targets, err := in.dispatcher.TargetTraders(ctx)
	if err != nil {
		in.logger.Warn("target set refresh failed", "error", err)
		return
	}
	in.targets.Replace(targets.Traders)
	in.logger.Debug("wallet sets refreshed",
		"follows", in.follows.Len(),
		"targets", in.targets.Len(),
		"leaderboard", targets.HasLeaderboardWallets,
	)
}

// refreshOrders reloads the pending outbound orders.
func (in *Ingester) refreshOrders(ctx context.Context) {
	orders, err := in.dispatcher.PendingOrders(ctx)
	if err != nil {
		in.logger.Warn("pending order refresh failed", "error", err)
		return
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderID)
	}
	in.orders.Replace(ids)
}

// shutdownFlush drains the buffer with a fresh short-lived context.
func (in *Ingester) shutdownFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	in.buffer.Flush(ctx, "shutdown")
	in.logger.Info("ingester stopped", "buffered_rows", in.buffer.Len())
}
