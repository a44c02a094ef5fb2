// Polymarket Tracker — hot poller.
//
// Polls every actively-followed wallet on a tight cadence: walks new trades
// down to the per-wallet watermark, snapshots open positions, and reconciles
// them against the stored snapshot. Exits non-zero when a cycle exhausts its
// non-timeout error budget so the supervisor restarts the process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"

	"polymarket-tracker/internal/app"
	"polymarket-tracker/internal/health"
	"polymarket-tracker/internal/poller"
	"polymarket-tracker/internal/reconcile"
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

	limiter := upstream.NewTokenBucket(cfg.Hot.Burst, cfg.Hot.RatePerSec)
	cooldown := upstream.NewCooldown(cfg.Hot.Cooldown)
	client := upstream.NewClient(cfg.Upstream, limiter, logger)
	runner := poller.NewRunner("hot", st, client,
		limiter,
		cooldown,
		reconcile.Options{
			SizeTolerance:     decimal.NewFromFloat(cfg.Reconcile.SizeTolerance),
			OracleConcurrency: cfg.Reconcile.OracleConcurrency,
		},
		logger,
	)

	hot := poller.NewHot(cfg.Hot, runner, st, cooldown, logger)
	logger.Info("hot poller started",
		"interval", cfg.Hot.Interval,
		"rate_per_sec", cfg.Hot.RatePerSec,
		"error_budget", cfg.Hot.ErrorBudget,
	)

	if err := hot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("hot poller failed", "error", err)
		os.Exit(1)
	}
	logger.Info("hot poller stopped")
}
