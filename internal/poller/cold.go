package poller

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"polymarket-tracker/internal/config"
	"polymarket-tracker/internal/metrics"
	"polymarket-tracker/internal/store"
	"polymarket-tracker/internal/upstream"
)

// coldLockName is the named lock serializing cold sweeps across replicas.
const coldLockName = "cold_poll"

// extendEvery is how many wallets a sweep processes between inline lock
// extensions, on top of the timer-driven heartbeat.
const extendEvery = 100

// Lock is the slice of a held job lock the cold poller uses.
// *store.Lock satisfies it.
type Lock interface {
	Extend(ctx context.Context, d time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// Locker acquires named job locks. Tests inject fakes; production wraps
// *store.Store via NewStoreLocker.
type Locker interface {
	AcquireNamedLock(ctx context.Context, name string, d time.Duration) (Lock, error)
}

type storeLocker struct {
	s *store.Store
}

// NewStoreLocker adapts the relational store to the Locker interface.
func NewStoreLocker(s *store.Store) Locker {
	return storeLocker{s: s}
}

func (l storeLocker) AcquireNamedLock(ctx context.Context, name string, d time.Duration) (Lock, error) {
	lock, err := l.s.AcquireNamedLock(ctx, name, d)
	if err != nil || lock == nil {
		return nil, err
	}
	return lock, nil
}

// Cold is the long-tail sweep poller. Each sweep covers every tracked
// trader not in the active follow set, guarded by a named lock so at most
// one replica sweeps at a time.
type Cold struct {
	cfg    config.ColdConfig
	runner walletPoller
	store  Store
	locker Locker
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewCold creates the cold-tier poller.
func NewCold(cfg config.ColdConfig, runner walletPoller, st Store, locker Locker, logger *slog.Logger) *Cold {
	return &Cold{
		cfg:    cfg,
		runner: runner,
		store:  st,
		locker: locker,
		logger: logger.With("component", "cold-poller"),
		sleep:  sleepCtx,
	}
}

// Run drives cold sweeps until the context is cancelled. A replica that
// loses the lock race sleeps out the interval quietly and tries again.
func (c *Cold) Run(ctx context.Context) error {
	for {
		lock, err := c.locker.AcquireNamedLock(ctx, coldLockName, c.cfg.LockDuration)
		if err != nil {
			c.logger.Error("lock acquisition failed", "error", err)
		} else if lock == nil {
			c.logger.Debug("cold sweep held by another replica")
		} else {
			c.runSweep(ctx, lock)
		}

		jitter := time.Duration(0)
		if c.cfg.SleepJitter > 0 {
			jitter = time.Duration(rand.Int63n(int64(c.cfg.SleepJitter)))
		}
		if err := c.sleep(ctx, c.cfg.Interval+jitter); err != nil {
			return err
		}
	}
}

// runSweep executes one sweep under the lock and always releases it, even
// when the context is cancelled mid-sweep.
func (c *Cold) runSweep(ctx context.Context, lock Lock) {
	defer func() {
		// Release with a fresh context so shutdown still frees the lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			c.logger.Warn("lock release failed", "error", err)
		}
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx, lock)

	wallets, err := c.coldSet(ctx)
	if err != nil {
		c.logger.Error("load cold set failed", "error", err)
		return
	}
	c.logger.Info("cold sweep started", "wallets", len(wallets))
	start := time.Now()

	polled, failed := 0, 0
	for i, wallet := range wallets {
		if ctx.Err() != nil {
			c.logger.Info("cold sweep interrupted", "polled", polled)
			return
		}
		if err := c.runner.PollWallet(ctx, wallet); err != nil {
			if ctx.Err() != nil {
				return
			}
			failed++
			class := "error"
			if upstream.IsTimeout(err) {
				class = "timeout"
			}
			metrics.PollErrors.WithLabelValues("cold", class).Inc()
			c.logger.Warn("wallet sweep failed", "wallet", wallet, "error", err)
		} else {
			polled++
		}
		// Extension cadence counts processed wallets, not successes: a
		// failure-heavy stretch still consumes wall-clock time under the lock.
		if (i+1)%extendEvery == 0 {
			c.extend(ctx, lock)
		}
	}

	metrics.PollCycles.WithLabelValues("cold").Inc()
	c.logger.Info("cold sweep finished",
		"polled", polled,
		"failed", failed,
		"elapsed", time.Since(start),
	)
}

// coldSet is every tracked trader minus the active follow set, which the
// hot poller already covers at a much tighter cadence.
func (c *Cold) coldSet(ctx context.Context) ([]string, error) {
	traders, err := c.store.GetActiveTraders(ctx)
	if err != nil {
		return nil, err
	}
	follows, err := c.store.GetActiveFollows(ctx)
	if err != nil {
		return nil, err
	}
	hot := make(map[string]struct{}, len(follows))
	for _, w := range follows {
		hot[w] = struct{}{}
	}
	cold := make([]string, 0, len(traders))
	for _, w := range traders {
		if _, ok := hot[w]; !ok {
			cold = append(cold, w)
		}
	}
	return cold, nil
}

// heartbeat extends the lock on a timer for sweeps that outlast the
// wallet-count based extensions.
func (c *Cold) heartbeat(ctx context.Context, lock Lock) {
	if c.cfg.LockHeartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.LockHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.extend(ctx, lock)
		}
	}
}

func (c *Cold) extend(ctx context.Context, lock Lock) {
	ok, err := lock.Extend(ctx, c.cfg.LockDuration)
	if err != nil {
		c.logger.Warn("lock extend failed", "error", err)
		return
	}
	if !ok {
		c.logger.Warn("lock no longer held, sweep continues unprotected")
	}
}
