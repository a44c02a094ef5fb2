package upstream

import (
	"context"
	"sync"
	"time"
)

// Cooldown enforces a uniform minimum gap between upstream calls for the
// same wallet. Even when distinct wallets share one token-bucket budget,
// the gap keeps repeated calls for a single wallet from clustering.
type Cooldown struct {
	mu       sync.Mutex
	gap      time.Duration
	lastCall map[string]time.Time
}

// NewCooldown creates a per-wallet cooldown with the given minimum gap.
func NewCooldown(gap time.Duration) *Cooldown {
	return &Cooldown{
		gap:      gap,
		lastCall: make(map[string]time.Time),
	}
}

// Wait sleeps just long enough that at least the configured gap has elapsed
// since the previous call for this wallet, then records the call time.
func (c *Cooldown) Wait(ctx context.Context, wallet string) error {
	c.mu.Lock()
	last, seen := c.lastCall[wallet]
	now := time.Now()
	var sleep time.Duration
	if seen {
		if remaining := c.gap - now.Sub(last); remaining > 0 {
			sleep = remaining
		}
	}
	c.lastCall[wallet] = now.Add(sleep)
	c.mu.Unlock()

	if sleep <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
		return nil
	}
}

// Forget drops the wallet's entry, releasing memory when a wallet leaves
// the tracked set.
func (c *Cooldown) Forget(wallet string) {
	c.mu.Lock()
	delete(c.lastCall, wallet)
	c.mu.Unlock()
}
