package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-tracker/internal/reconcile"
	"polymarket-tracker/internal/upstream"
	"polymarket-tracker/pkg/types"
)

const testWallet = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStore struct {
	state      map[string]types.PollState
	positions  map[string][]types.Position
	follows    []string
	traders    []string
	followsErr error

	upserted      []types.Trade
	upsertBatches int
	snapshot      map[string][]types.Position
	deleted       map[string][]string
	closes        []types.PositionClose
	stateUpdates  map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state:        make(map[string]types.PollState),
		positions:    make(map[string][]types.Position),
		snapshot:     make(map[string][]types.Position),
		deleted:      make(map[string][]string),
		stateUpdates: make(map[string]time.Time),
	}
}

func (f *fakeStore) GetPollState(_ context.Context, wallet string) (types.PollState, error) {
	return f.state[wallet], nil
}

func (f *fakeStore) UpdatePollState(_ context.Context, wallet string, lastTradeTime, lastPositionCheck time.Time) error {
	f.stateUpdates[wallet] = lastTradeTime
	f.state[wallet] = types.PollState{
		Wallet:              wallet,
		LastTradeTimeSeen:   lastTradeTime,
		LastPositionCheckAt: lastPositionCheck,
	}
	return nil
}

func (f *fakeStore) UpsertTrades(_ context.Context, rows []types.Trade) error {
	f.upserted = append(f.upserted, rows...)
	f.upsertBatches++
	return nil
}

func (f *fakeStore) GetCurrentPositions(_ context.Context, wallet string) ([]types.Position, error) {
	return f.positions[wallet], nil
}

func (f *fakeStore) UpsertCurrentPositions(_ context.Context, wallet string, snapshot []types.Position) error {
	f.snapshot[wallet] = snapshot
	return nil
}

func (f *fakeStore) DeletePositions(_ context.Context, wallet string, marketIDs []string) error {
	f.deleted[wallet] = append(f.deleted[wallet], marketIDs...)
	return nil
}

func (f *fakeStore) EmitPositionClosed(_ context.Context, events []types.PositionClose) error {
	f.closes = append(f.closes, events...)
	return nil
}

func (f *fakeStore) GetActiveFollows(_ context.Context) ([]string, error) {
	return f.follows, f.followsErr
}

func (f *fakeStore) GetActiveTraders(_ context.Context) ([]string, error) {
	return f.traders, nil
}

type fakeUpstream struct {
	pages      [][]upstream.TradeRecord
	fetchCalls int
	positions  []upstream.PositionRecord
	status     map[string]types.MarketStatus
	statusErr  error
	oracleHits []string
}

func (f *fakeUpstream) FetchTradesPage(_ context.Context, _ string, _, _ int) ([]upstream.TradeRecord, error) {
	if f.fetchCalls >= len(f.pages) {
		f.fetchCalls++
		return nil, nil
	}
	page := f.pages[f.fetchCalls]
	f.fetchCalls++
	return page, nil
}

func (f *fakeUpstream) FetchPositions(_ context.Context, _ string) ([]upstream.PositionRecord, error) {
	return f.positions, nil
}

func (f *fakeUpstream) IsMarketClosed(_ context.Context, marketID string) (types.MarketStatus, error) {
	f.oracleHits = append(f.oracleHits, marketID)
	if f.statusErr != nil {
		return types.MarketStatusUnknown, f.statusErr
	}
	return f.status[marketID], nil
}

func rec(tx string, ts int64) upstream.TradeRecord {
	return upstream.TradeRecord{
		Trade: types.UpstreamTrade{
			ProxyWallet:     testWallet,
			TransactionHash: tx,
			ConditionID:     "0xc1",
			Side:            "BUY",
			Size:            10,
			Price:           0.5,
			Timestamp:       ts,
		},
		Raw: json.RawMessage(`{"transactionHash":"` + tx + `"}`),
	}
}

func newTestRunner(fs *fakeStore, fu *fakeUpstream) *Runner {
	return NewRunner("hot", fs, fu,
		upstream.NewTokenBucket(1000, 1000),
		upstream.NewCooldown(0),
		reconcile.Options{SizeTolerance: decimal.NewFromFloat(0.01), OracleConcurrency: 2},
		testLogger(),
	)
}

func TestPollWalletKeepsOnlyTradesAboveWatermark(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.state[testWallet] = types.PollState{
		Wallet:            testWallet,
		LastTradeTimeSeen: time.Unix(1000, 0).UTC(),
	}
	fu := &fakeUpstream{
		pages: [][]upstream.TradeRecord{{
			rec("0xt1", 1500),
			rec("0xt2", 1200),
			rec("0xt3", 900),
			rec("0xt4", 800),
		}},
	}

	if err := newTestRunner(fs, fu).PollWallet(context.Background(), testWallet); err != nil {
		t.Fatalf("PollWallet() = %v", err)
	}

	if len(fs.upserted) != 2 {
		t.Fatalf("upserted %d trades, want 2", len(fs.upserted))
	}
	if fs.upserted[0].TradeID != "0xt1" || fs.upserted[1].TradeID != "0xt2" {
		t.Errorf("upserted IDs = %s, %s", fs.upserted[0].TradeID, fs.upserted[1].TradeID)
	}
	if got := fs.stateUpdates[testWallet]; !got.Equal(time.Unix(1500, 0).UTC()) {
		t.Errorf("watermark advanced to %v, want 1500", got)
	}
}

func TestPollWalletZeroWatermarkWalksFullHistory(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fu := &fakeUpstream{
		pages: [][]upstream.TradeRecord{{
			rec("0xt1", 1500),
			rec("0xt2", 800),
			rec("0xt3", 100),
		}},
	}

	if err := newTestRunner(fs, fu).PollWallet(context.Background(), testWallet); err != nil {
		t.Fatalf("PollWallet() = %v", err)
	}
	if len(fs.upserted) != 3 {
		t.Errorf("upserted %d trades, want full history of 3", len(fs.upserted))
	}
}

func TestPollWalletStopsPagingAtWatermark(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.state[testWallet] = types.PollState{
		Wallet:            testWallet,
		LastTradeTimeSeen: time.Unix(5000, 0).UTC(),
	}

	// A full page whose oldest entry is below the watermark: older pages
	// cannot contain new trades, so no second fetch may happen.
	page := make([]upstream.TradeRecord, upstream.TradesPageLimit)
	for i := range page {
		page[i] = rec(fmt.Sprintf("0xt%d", i), 6000-int64(i)*10)
	}
	fu := &fakeUpstream{pages: [][]upstream.TradeRecord{page, {rec("0xold", 100)}}}

	if err := newTestRunner(fs, fu).PollWallet(context.Background(), testWallet); err != nil {
		t.Fatalf("PollWallet() = %v", err)
	}
	if fu.fetchCalls != 1 {
		t.Errorf("fetchCalls = %d, want 1 (stop at watermark)", fu.fetchCalls)
	}
}

func TestPollWalletPaginatesFullPages(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	page0 := make([]upstream.TradeRecord, upstream.TradesPageLimit)
	for i := range page0 {
		page0[i] = rec(fmt.Sprintf("0xa%d", i), 9000-int64(i))
	}
	fu := &fakeUpstream{pages: [][]upstream.TradeRecord{page0, {rec("0xb0", 1000)}}}

	if err := newTestRunner(fs, fu).PollWallet(context.Background(), testWallet); err != nil {
		t.Fatalf("PollWallet() = %v", err)
	}
	if fu.fetchCalls != 2 {
		t.Errorf("fetchCalls = %d, want 2", fu.fetchCalls)
	}
	if want := upstream.TradesPageLimit + 1; len(fs.upserted) != want {
		t.Errorf("upserted %d trades, want %d", len(fs.upserted), want)
	}
}

func TestPollWalletMalformedTradeFailsWithoutAdvancing(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	bad := rec("0xbad", 1500)
	bad.Trade.Side = "HOLD"
	fu := &fakeUpstream{pages: [][]upstream.TradeRecord{{bad}}}

	if err := newTestRunner(fs, fu).PollWallet(context.Background(), testWallet); err == nil {
		t.Fatal("PollWallet() = nil, want error on malformed trade")
	}
	if len(fs.upserted) != 0 {
		t.Errorf("upserted %d trades despite failure", len(fs.upserted))
	}
	if _, ok := fs.stateUpdates[testWallet]; ok {
		t.Error("watermark advanced despite failed cycle")
	}
}

func TestPollWalletReconcilesDisappearedPosition(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.positions[testWallet] = []types.Position{
		{Wallet: testWallet, MarketID: "0xm1", Size: decimal.NewFromInt(5)},
		{Wallet: testWallet, MarketID: "0xm2", Size: decimal.NewFromInt(7)},
	}
	fu := &fakeUpstream{
		positions: []upstream.PositionRecord{{
			Position: types.UpstreamPosition{ConditionID: "0xm1", Size: 5},
			Raw:      json.RawMessage(`{"conditionId":"0xm1"}`),
		}},
		status: map[string]types.MarketStatus{"0xm2": types.MarketStatusClosed},
	}

	if err := newTestRunner(fs, fu).PollWallet(context.Background(), testWallet); err != nil {
		t.Fatalf("PollWallet() = %v", err)
	}

	if len(fs.closes) != 1 {
		t.Fatalf("closes = %d, want 1", len(fs.closes))
	}
	if fs.closes[0].MarketID != "0xm2" || fs.closes[0].Reason != types.CloseMarket {
		t.Errorf("close = %s/%s, want 0xm2/market_closed", fs.closes[0].MarketID, fs.closes[0].Reason)
	}
	if got := fs.deleted[testWallet]; len(got) != 1 || got[0] != "0xm2" {
		t.Errorf("deleted = %v, want [0xm2]", got)
	}
	if len(fs.snapshot[testWallet]) != 1 || fs.snapshot[testWallet][0].MarketID != "0xm1" {
		t.Errorf("stored snapshot = %v, want just 0xm1", fs.snapshot[testWallet])
	}
}

func TestHotCycleErrorBudget(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.follows = []string{"0x01", "0x02", "0x03", "0x04"}

	failing := pollerFunc(func(context.Context, string) error {
		return errors.New("boom")
	})
	h := NewHot(hotCfg(3), failing, fs, nil, testLogger())

	err := h.cycle(context.Background(), fs.follows)
	if err == nil {
		t.Fatal("cycle() = nil, want budget exhaustion error")
	}
}

func TestHotCycleTimeoutsDoNotConsumeBudget(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	wallets := make([]string, 10)
	for i := range wallets {
		wallets[i] = fmt.Sprintf("0x%02d", i)
	}

	timingOut := pollerFunc(func(context.Context, string) error {
		return context.DeadlineExceeded
	})
	h := NewHot(hotCfg(2), timingOut, fs, nil, testLogger())

	if err := h.cycle(context.Background(), wallets); err != nil {
		t.Errorf("cycle() = %v, timeouts must not exhaust the budget", err)
	}
}

type pollerFunc func(ctx context.Context, wallet string) error

func (f pollerFunc) PollWallet(ctx context.Context, wallet string) error {
	return f(ctx, wallet)
}

type forgetRecorder struct {
	forgotten []string
}

func (f *forgetRecorder) Forget(wallet string) {
	f.forgotten = append(f.forgotten, wallet)
}

func TestHotPrunesCooldownForDepartedWallets(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	rec := &forgetRecorder{}
	h := NewHot(hotCfg(50), pollerFunc(func(context.Context, string) error { return nil }), fs, rec, testLogger())

	h.pruneCooldown([]string{"0x01", "0x02"})
	if len(rec.forgotten) != 0 {
		t.Fatalf("forgot %v on first cycle, want nothing", rec.forgotten)
	}

	h.pruneCooldown([]string{"0x02", "0x03"})
	if len(rec.forgotten) != 1 || rec.forgotten[0] != "0x01" {
		t.Errorf("forgot %v, want [0x01]", rec.forgotten)
	}

	// Staying wallets are never forgotten across further churn.
	h.pruneCooldown([]string{"0x02", "0x03"})
	if len(rec.forgotten) != 1 {
		t.Errorf("forgot %v after stable cycle, want no new evictions", rec.forgotten)
	}
}
