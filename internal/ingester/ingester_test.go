package ingester

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"polymarket-tracker/internal/config"
	"polymarket-tracker/internal/dispatch"
	"polymarket-tracker/internal/upstream"
	"polymarket-tracker/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWalletSetReplaceAndContains(t *testing.T) {
	t.Parallel()
	s := NewWalletSet()
	if s.Contains("0xabc") {
		t.Error("empty set contains wallet")
	}

	s.Replace([]string{"0xABCdef0000000000000000000000000000000001", "0x02"})
	if !s.Contains("0xabcdef0000000000000000000000000000000001") {
		t.Error("mixed-case wallet not found after lowercasing")
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}

	s.Replace(nil)
	if s.Len() != 0 {
		t.Error("Replace(nil) did not empty the set")
	}
}

func TestOrderCacheMatchEvicts(t *testing.T) {
	t.Parallel()
	c := NewOrderCache()
	c.Replace([]string{"ord-1", "ord-2"})

	if !c.Match("ord-1") {
		t.Fatal("Match(ord-1) = false, want pending hit")
	}
	if c.Match("ord-1") {
		t.Error("second Match(ord-1) = true, want evicted")
	}
	if c.Match("ord-9") {
		t.Error("Match on unknown id = true")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]types.Trade
	err     error
}

func (w *fakeWriter) UpsertTrades(_ context.Context, rows []types.Trade) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	batch := make([]types.Trade, len(rows))
	copy(batch, rows)
	w.batches = append(w.batches, batch)
	return nil
}

func (w *fakeWriter) GetActiveFollows(context.Context) ([]string, error) {
	return nil, nil
}

func TestBufferFlushesAtSizeThreshold(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	b := NewBuffer(3, w, testLogger())
	ctx := context.Background()

	b.Add(ctx, types.Trade{TradeID: "t1"})
	b.Add(ctx, types.Trade{TradeID: "t2"})
	if len(w.batches) != 0 {
		t.Fatal("flushed below threshold")
	}
	b.Add(ctx, types.Trade{TradeID: "t3"})
	if len(w.batches) != 1 || len(w.batches[0]) != 3 {
		t.Fatalf("batches = %v, want one flush of 3", w.batches)
	}
	if b.Len() != 0 {
		t.Errorf("buffer holds %d rows after flush", b.Len())
	}
}

func TestBufferFlushFailureKeepsRows(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{err: context.DeadlineExceeded}
	b := NewBuffer(10, w, testLogger())
	ctx := context.Background()

	b.Add(ctx, types.Trade{TradeID: "t1"})
	b.Flush(ctx, "tick")
	if b.Len() != 1 {
		t.Fatalf("buffer holds %d rows after failed flush, want 1", b.Len())
	}

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
	b.Flush(ctx, "tick")
	if b.Len() != 0 || len(w.batches) != 1 {
		t.Error("retained rows not flushed on retry")
	}
}

type fakeDispatcher struct {
	mu           sync.Mutex
	synced       []string
	inserted     int
	syncErr      error
	executeCalls int
	notified     []string
	targets      dispatch.TargetTraderSet
	pending      []dispatch.PendingOrder

	syncDone   chan struct{}
	notifyDone chan struct{}
}

func (d *fakeDispatcher) TargetTraders(context.Context) (dispatch.TargetTraderSet, error) {
	return d.targets, nil
}

func (d *fakeDispatcher) SyncTrade(_ context.Context, raw json.RawMessage) (int, error) {
	d.mu.Lock()
	d.synced = append(d.synced, string(raw))
	d.mu.Unlock()
	if d.syncDone != nil {
		defer func() { d.syncDone <- struct{}{} }()
	}
	return d.inserted, d.syncErr
}

func (d *fakeDispatcher) Execute(context.Context) {
	d.mu.Lock()
	d.executeCalls++
	d.mu.Unlock()
}

func (d *fakeDispatcher) NotifyFill(_ context.Context, orderID string) (dispatch.FillResult, error) {
	d.mu.Lock()
	d.notified = append(d.notified, orderID)
	d.mu.Unlock()
	if d.notifyDone != nil {
		d.notifyDone <- struct{}{}
	}
	return dispatch.FillResult{Updated: true}, nil
}

func (d *fakeDispatcher) PendingOrders(context.Context) ([]dispatch.PendingOrder, error) {
	return d.pending, nil
}

type fakeFeed struct {
	trades  chan upstream.ActivityTradeEvent
	matches chan types.WSOrdersMatched
	reconn  chan struct{}
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		trades:  make(chan upstream.ActivityTradeEvent, 16),
		matches: make(chan types.WSOrdersMatched, 16),
		reconn:  make(chan struct{}, 1),
	}
}

func (f *fakeFeed) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (f *fakeFeed) TradeEvents() <-chan upstream.ActivityTradeEvent { return f.trades }
func (f *fakeFeed) MatchEvents() <-chan types.WSOrdersMatched      { return f.matches }
func (f *fakeFeed) Reconnected() <-chan struct{}                   { return f.reconn }

func ingesterCfg() config.IngesterConfig {
	return config.IngesterConfig{
		BufferMaxSize:        50,
		BufferFlushInterval:  time.Hour,
		InFlightCap:          20,
		SetRefreshInterval:   time.Hour,
		OrderRefreshInterval: time.Hour,
		WatchdogInterval:     time.Hour,
		WatchdogHeapPct:      0.85,
	}
}

const (
	followWallet = "0x1111111111111111111111111111111111111111"
	targetWallet = "0x2222222222222222222222222222222222222222"
)

func feedTrade(wallet, side string) upstream.ActivityTradeEvent {
	return upstream.ActivityTradeEvent{
		Trade: types.UpstreamTrade{
			ProxyWallet:     wallet,
			TransactionHash: "0xfeed",
			ConditionID:     "0xc1",
			Side:            side,
			Size:            5,
			Price:           0.4,
			Timestamp:       1700000000,
		},
		Raw: json.RawMessage(`{"transactionHash":"0xfeed"}`),
	}
}

func newTestIngester(d *fakeDispatcher, w *fakeWriter) *Ingester {
	in := New(ingesterCfg(), newFakeFeed(), w, d, testLogger())
	in.follows.Replace([]string{followWallet})
	in.targets.Replace([]string{targetWallet})
	return in
}

func TestHandleTradeIgnoresUntrackedWallet(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	w := &fakeWriter{}
	in := newTestIngester(d, w)

	in.handleTrade(context.Background(), feedTrade("0x9999999999999999999999999999999999999999", "BUY"))

	if in.buffer.Len() != 0 {
		t.Error("untracked wallet buffered")
	}
	if len(d.synced) != 0 {
		t.Error("untracked wallet dispatched")
	}
}

func TestHandleTradeFollowOnlyPersistsWithoutDispatch(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	w := &fakeWriter{}
	in := newTestIngester(d, w)

	in.handleTrade(context.Background(), feedTrade(followWallet, "BUY"))

	if in.buffer.Len() != 1 {
		t.Errorf("buffer = %d rows, want 1", in.buffer.Len())
	}
	if len(d.synced) != 0 {
		t.Error("follow-only wallet must not be dispatched")
	}
}

func TestHandleTradeTargetBuyDispatches(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{inserted: 2, syncDone: make(chan struct{}, 1)}
	w := &fakeWriter{}
	in := newTestIngester(d, w)

	in.handleTrade(context.Background(), feedTrade(targetWallet, "BUY"))

	select {
	case <-d.syncDone:
	case <-time.After(2 * time.Second):
		t.Fatal("SyncTrade never called for target BUY")
	}
	if in.buffer.Len() != 1 {
		t.Errorf("buffer = %d rows, want 1", in.buffer.Len())
	}
}

func TestHandleTradeTargetSellNotDispatched(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	w := &fakeWriter{}
	in := newTestIngester(d, w)

	in.handleTrade(context.Background(), feedTrade(targetWallet, "SELL"))

	if in.buffer.Len() != 1 {
		t.Errorf("buffer = %d rows, want SELL persisted", in.buffer.Len())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.synced) != 0 {
		t.Error("SELL dispatched, only BUYs are execution-eligible")
	}
}

func TestDispatchDropsWhenWindowSaturated(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	w := &fakeWriter{}
	cfg := ingesterCfg()
	cfg.InFlightCap = 1
	in := New(cfg, newFakeFeed(), w, d, testLogger())
	in.targets.Replace([]string{targetWallet})

	// Hold the only slot so the dispatch path is saturated.
	if !in.window.TryAcquire() {
		t.Fatal("could not pre-fill window")
	}
	in.handleTrade(context.Background(), feedTrade(targetWallet, "BUY"))

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.synced) != 0 {
		t.Error("saturated window still dispatched")
	}
}

func TestHandleMatchNotifiesOncePerOrder(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{notifyDone: make(chan struct{}, 4)}
	w := &fakeWriter{}
	in := newTestIngester(d, w)
	in.orders.Replace([]string{"ord-1"})

	m := types.WSOrdersMatched{TakerOrderID: "ord-1", MakerOrderID: "ord-other"}
	in.handleMatch(context.Background(), m)

	select {
	case <-d.notifyDone:
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyFill never called for pending order")
	}

	// A duplicate event finds the id evicted.
	in.handleMatch(context.Background(), m)
	select {
	case <-d.notifyDone:
		t.Fatal("duplicate match re-notified")
	case <-time.After(50 * time.Millisecond):
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.notified) != 1 || d.notified[0] != "ord-1" {
		t.Errorf("notified = %v, want [ord-1]", d.notified)
	}
}

func TestRefreshSetsLoadsBothSources(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{targets: dispatch.TargetTraderSet{Traders: []string{targetWallet}}}
	w := &fakeWriter{}
	in := New(ingesterCfg(), newFakeFeed(), w, d, testLogger())

	in.refreshSets(context.Background())

	if !in.targets.Contains(targetWallet) {
		t.Error("target set not loaded from control plane")
	}
}
