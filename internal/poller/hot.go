package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polymarket-tracker/internal/config"
	"polymarket-tracker/internal/metrics"
	"polymarket-tracker/internal/upstream"
)

// walletPoller is the per-wallet cycle the loops drive. *Runner satisfies it.
type walletPoller interface {
	PollWallet(ctx context.Context, wallet string) error
}

// cooldownPruner releases per-wallet cooldown state. *upstream.Cooldown
// satisfies it.
type cooldownPruner interface {
	Forget(wallet string)
}

// Hot is the high-frequency poller over the active follow set. It runs
// continuously without a lock: the per-wallet cooldown and the idempotent
// upserts make concurrent replicas safe, just wasteful.
type Hot struct {
	cfg      config.HotConfig
	runner   walletPoller
	store    Store
	cooldown cooldownPruner
	logger   *slog.Logger

	prev  map[string]struct{}
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHot creates the hot-tier poller. cooldown may be nil when the runner's
// cooldown state does not need pruning.
func NewHot(cfg config.HotConfig, runner walletPoller, st Store, cooldown cooldownPruner, logger *slog.Logger) *Hot {
	return &Hot{
		cfg:      cfg,
		runner:   runner,
		store:    st,
		cooldown: cooldown,
		logger:   logger.With("component", "hot-poller"),
		prev:     make(map[string]struct{}),
		sleep:    sleepCtx,
	}
}

// Run drives hot cycles until the context is cancelled. It returns a
// non-context error only when a cycle exhausts the non-timeout error budget;
// the caller treats that as fatal and exits for a supervisor restart.
//
// Timeouts never count against the budget: under upstream congestion a slow
// cycle that still makes progress beats a crash loop.
func (h *Hot) Run(ctx context.Context) error {
	for {
		start := time.Now()

		follows, err := h.store.GetActiveFollows(ctx)
		if err != nil {
			h.logger.Error("load follow set failed", "error", err)
			if err := h.sleep(ctx, h.cfg.Interval); err != nil {
				return err
			}
			continue
		}
		h.pruneCooldown(follows)

		if err := h.cycle(ctx, follows); err != nil {
			return err
		}
		metrics.PollCycles.WithLabelValues("hot").Inc()

		if remaining := h.cfg.Interval - time.Since(start); remaining > 0 {
			if err := h.sleep(ctx, remaining); err != nil {
				return err
			}
		}
	}
}

// cycle polls every follow wallet once, sequentially. The shared token
// bucket already spaces calls out, so wallet-level concurrency would only
// add contention without raising throughput.
func (h *Hot) cycle(ctx context.Context, wallets []string) error {
	errorsUsed := 0
	for _, wallet := range wallets {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := h.runner.PollWallet(ctx, wallet)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if upstream.IsTimeout(err) {
			metrics.PollErrors.WithLabelValues("hot", "timeout").Inc()
			h.logger.Debug("wallet poll timed out", "wallet", wallet, "error", err)
			continue
		}
		metrics.PollErrors.WithLabelValues("hot", "error").Inc()
		errorsUsed++
		h.logger.Warn("wallet poll failed",
			"wallet", wallet,
			"error", err,
			"budget_used", errorsUsed,
			"budget", h.cfg.ErrorBudget,
		)
		if errorsUsed >= h.cfg.ErrorBudget {
			return fmt.Errorf("hot cycle error budget exhausted: %d non-timeout failures", errorsUsed)
		}
	}
	return nil
}

// pruneCooldown drops cooldown entries for wallets that left the follow
// set, so the per-wallet map does not grow with follow churn.
func (h *Hot) pruneCooldown(follows []string) {
	curr := make(map[string]struct{}, len(follows))
	for _, w := range follows {
		curr[w] = struct{}{}
	}
	if h.cooldown != nil {
		for w := range h.prev {
			if _, ok := curr[w]; !ok {
				h.cooldown.Forget(w)
			}
		}
	}
	h.prev = curr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
