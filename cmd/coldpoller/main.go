// Polymarket Tracker — cold poller.
//
// Sweeps every tracked trader outside the active follow set roughly once an
// hour. A named lock in the store serializes sweeps across replicas; a
// replica that loses the race just sleeps out the interval.
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

	limiter := upstream.NewTokenBucket(cfg.Cold.Burst, cfg.Cold.RatePerSec)
	client := upstream.NewClient(cfg.Upstream, limiter, logger)
	runner := poller.NewRunner("cold", st, client,
		limiter,
		upstream.NewCooldown(cfg.Cold.Cooldown),
		reconcile.Options{
			SizeTolerance:     decimal.NewFromFloat(cfg.Reconcile.SizeTolerance),
			OracleConcurrency: cfg.Reconcile.OracleConcurrency,
		},
		logger,
	)

	cold := poller.NewCold(cfg.Cold, runner, st, poller.NewStoreLocker(st), logger)
	logger.Info("cold poller started",
		"interval", cfg.Cold.Interval,
		"lock_duration", cfg.Cold.LockDuration,
	)

	if err := cold.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("cold poller failed", "error", err)
		os.Exit(1)
	}
	logger.Info("cold poller stopped")
}
