// Polymarket Tracker — stream ingester.
//
// Consumes the venue's activity WebSocket: persists fills for tracked
// wallets through a small write buffer, forwards execution-eligible BUYs to
// the control plane behind a circuit breaker, and correlates orders_matched
// events with pending outbound orders.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"polymarket-tracker/internal/app"
	"polymarket-tracker/internal/dispatch"
	"polymarket-tracker/internal/health"
	"polymarket-tracker/internal/ingester"
	"polymarket-tracker/internal/store"
	"polymarket-tracker/internal/upstream"
)

func main() {
	cfg, logger, err := app.Bootstrap()
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := app.SignalContext()
	defer stop()

	st, err := store.Open(ctx, cfg.Store.URL, logger)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	healthSrv := health.NewServer(cfg.Health.Port, logger)
	go func() {
		if err := healthSrv.Start(); err != nil {
			logger.Error("health server failed", "error", err)
		}
	}()
	defer healthSrv.Stop()

	breaker := dispatch.NewBreaker(dispatch.DefaultFailureThreshold, dispatch.DefaultOpenDuration, logger)
	client := dispatch.NewClient(cfg.Downstream, breaker, logger)
	feed := upstream.NewActivityFeed(cfg.Upstream.WSURL, cfg.Ingester.ReconnectDelay, logger)

	ing := ingester.New(cfg.Ingester, feed, st, client, logger)
	logger.Info("stream ingester started",
		"ws_url", cfg.Upstream.WSURL,
		"buffer_max", cfg.Ingester.BufferMaxSize,
		"in_flight_cap", cfg.Ingester.InFlightCap,
	)

	if err := ing.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ingester failed", "error", err)
		os.Exit(1)
	}
	logger.Info("ingester stopped")
	feed.Close()
}
