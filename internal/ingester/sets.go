// Package ingester consumes the activity WebSocket feed: it persists fills
// for tracked wallets, forwards execution-eligible fills to the control
// plane, and correlates orders_matched events with pending outbound orders.
package ingester

import (
	"strings"
	"sync"
	"sync/atomic"
)

// WalletSet is an immutable-snapshot membership set. Replace swaps the whole
// set atomically; Contains reads lock-free on the hot path, where every
// public fill on the venue is checked against it.
type WalletSet struct {
	p atomic.Pointer[map[string]struct{}]
}

// NewWalletSet returns an empty set.
func NewWalletSet() *WalletSet {
	s := &WalletSet{}
	empty := make(map[string]struct{})
	s.p.Store(&empty)
	return s
}

// Replace swaps in a new membership snapshot. Wallets are lowercased so
// membership checks are case-insensitive.
func (s *WalletSet) Replace(wallets []string) {
	next := make(map[string]struct{}, len(wallets))
	for _, w := range wallets {
		next[strings.ToLower(w)] = struct{}{}
	}
	s.p.Store(&next)
}

// Contains reports membership for a canonical lowercase wallet.
func (s *WalletSet) Contains(wallet string) bool {
	_, ok := (*s.p.Load())[wallet]
	return ok
}

// Len returns the snapshot size.
func (s *WalletSet) Len() int {
	return len(*s.p.Load())
}

// OrderCache holds the open outbound order IDs awaiting fill confirmation.
// Unlike WalletSet it mutates in place: a matched ID is evicted immediately
// so duplicate orders_matched events cannot double-notify.
type OrderCache struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewOrderCache returns an empty cache.
func NewOrderCache() *OrderCache {
	return &OrderCache{ids: make(map[string]struct{})}
}

// Replace swaps the cache contents for a fresh pending-order snapshot.
func (c *OrderCache) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	c.mu.Lock()
	c.ids = next
	c.mu.Unlock()
}

// Match reports whether the ID is pending and evicts it when found.
func (c *OrderCache) Match(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; !ok {
		return false
	}
	delete(c.ids, id)
	return true
}

// Len returns the number of pending IDs.
func (c *OrderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
