// Package poller implements the tiered polling engine: a per-wallet poll
// cycle shared by both tiers, the always-on hot loop over the active follow
// set, and the lock-guarded cold sweep over the long tail.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polymarket-tracker/internal/metrics"
	"polymarket-tracker/internal/reconcile"
	"polymarket-tracker/internal/store"
	"polymarket-tracker/internal/upstream"
	"polymarket-tracker/pkg/types"
)

// Store is the slice of the relational adapter the poll cycle needs.
// *store.Store satisfies it; tests inject fakes.
type Store interface {
	GetPollState(ctx context.Context, wallet string) (types.PollState, error)
	UpdatePollState(ctx context.Context, wallet string, lastTradeTime, lastPositionCheck time.Time) error
	UpsertTrades(ctx context.Context, rows []types.Trade) error
	GetCurrentPositions(ctx context.Context, wallet string) ([]types.Position, error)
	UpsertCurrentPositions(ctx context.Context, wallet string, snapshot []types.Position) error
	DeletePositions(ctx context.Context, wallet string, marketIDs []string) error
	EmitPositionClosed(ctx context.Context, events []types.PositionClose) error
	GetActiveFollows(ctx context.Context) ([]string, error)
	GetActiveTraders(ctx context.Context) ([]string, error)
}

// Upstream is the slice of the venue client the poll cycle needs.
// *upstream.Client satisfies it.
type Upstream interface {
	FetchTradesPage(ctx context.Context, wallet string, limit, offset int) ([]upstream.TradeRecord, error)
	FetchPositions(ctx context.Context, wallet string) ([]upstream.PositionRecord, error)
	IsMarketClosed(ctx context.Context, marketID string) (types.MarketStatus, error)
}

// Runner executes the per-wallet poll cycle for one tier. Both pollers hold
// one Runner each, wired with their tier's rate budget and cooldown.
type Runner struct {
	tier     string
	store    Store
	upstream Upstream
	limiter  *upstream.TokenBucket
	cooldown *upstream.Cooldown
	recOpts  reconcile.Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a poll-cycle runner for a tier.
func NewRunner(tier string, st Store, up Upstream, limiter *upstream.TokenBucket, cooldown *upstream.Cooldown, recOpts reconcile.Options, logger *slog.Logger) *Runner {
	return &Runner{
		tier:     tier,
		store:    st,
		upstream: up,
		limiter:  limiter,
		cooldown: cooldown,
		recOpts:  recOpts,
		logger:   logger.With("component", "poller", "tier", tier),
		now:      time.Now,
	}
}

// PollWallet runs one full ingestion cycle for a wallet: walk new trades
// down to the watermark, flush them, snapshot positions, reconcile against
// the stored snapshot, and advance the cursor. A wallet never polled before
// has a zero watermark and gets a full-history walk.
//
// Any error fails the cycle for this wallet only; the watermark is not
// advanced on failure, so the next cycle re-derives everything missed.
func (r *Runner) PollWallet(ctx context.Context, wallet string) error {
	if err := r.cooldown.Wait(ctx, wallet); err != nil {
		return err
	}

	state, err := r.store.GetPollState(ctx, wallet)
	if err != nil {
		return err
	}
	watermark := state.LastTradeTimeSeen

	rows, maxSeen, err := r.collectNewTrades(ctx, wallet, watermark)
	if err != nil {
		return err
	}

	// Flush in bounded batches, each drawing on the same rate budget as the
	// HTTP fetches.
	for _, chunk := range store.ChunkTrades(rows, store.UpsertBatchCeiling) {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := r.store.UpsertTrades(ctx, chunk); err != nil {
			return err
		}
		metrics.TradesUpserted.WithLabelValues("poll").Add(float64(len(chunk)))
	}

	if err := r.reconcilePositions(ctx, wallet); err != nil {
		return err
	}

	newWatermark := watermark
	if maxSeen.After(newWatermark) {
		newWatermark = maxSeen
	}
	if err := r.store.UpdatePollState(ctx, wallet, newWatermark, r.now()); err != nil {
		return err
	}

	if len(rows) > 0 {
		r.logger.Debug("wallet polled",
			"wallet", wallet,
			"new_trades", len(rows),
			"watermark", newWatermark,
		)
	}
	return nil
}

// collectNewTrades walks trade pages newest-first, keeping rows strictly
// newer than the watermark. It stops on a short page or as soon as a page's
// oldest trade is at or below the watermark: the upstream orders pages
// newest-first, so older pages cannot contain new trades.
func (r *Runner) collectNewTrades(ctx context.Context, wallet string, watermark time.Time) ([]types.Trade, time.Time, error) {
	var rows []types.Trade
	maxSeen := time.Time{}
	offset := 0

	for {
		page, err := r.upstream.FetchTradesPage(ctx, wallet, upstream.TradesPageLimit, offset)
		if err != nil {
			return nil, time.Time{}, err
		}
		if len(page) == 0 {
			break
		}

		reachedWatermark := false
		for _, rec := range page {
			ts, err := types.ParseTimestamp(rec.Trade.Timestamp)
			if err != nil {
				return nil, time.Time{}, fmt.Errorf("wallet %s: %w", wallet, err)
			}
			if !ts.After(watermark) {
				// at or below the watermark: already accounted for
				metrics.TradesDiscarded.Inc()
				reachedWatermark = true
				continue
			}
			row, err := rec.Trade.ToTrade(wallet, rec.Raw)
			if err != nil {
				return nil, time.Time{}, fmt.Errorf("wallet %s: %w", wallet, err)
			}
			rows = append(rows, row)
			if ts.After(maxSeen) {
				maxSeen = ts
			}
		}

		if reachedWatermark || len(page) < upstream.TradesPageLimit {
			break
		}
		offset += len(page)
	}
	return rows, maxSeen, nil
}

// reconcilePositions fetches the fresh snapshot, diffs it against the
// stored one, and applies the result: emit closes, remove disappeared rows,
// upsert the new snapshot.
func (r *Runner) reconcilePositions(ctx context.Context, wallet string) error {
	seenAt := r.now()

	records, err := r.upstream.FetchPositions(ctx, wallet)
	if err != nil {
		return err
	}
	curr := make([]types.Position, 0, len(records))
	for _, rec := range records {
		p, err := rec.Position.ToPosition(wallet, seenAt, rec.Raw)
		if err != nil {
			return err
		}
		curr = append(curr, p)
	}

	prev, err := r.store.GetCurrentPositions(ctx, wallet)
	if err != nil {
		return err
	}

	result, err := reconcile.Reconcile(ctx, prev, curr, oracleFunc(r.upstream.IsMarketClosed), seenAt, r.recOpts)
	if err != nil {
		return err
	}

	if err := r.store.EmitPositionClosed(ctx, result.Closes); err != nil {
		return err
	}
	for _, c := range result.Closes {
		metrics.PositionCloses.WithLabelValues(string(c.Reason)).Inc()
		r.logger.Info("position closed",
			"wallet", wallet,
			"market", c.MarketID,
			"reason", c.Reason,
		)
	}
	if err := r.store.DeletePositions(ctx, wallet, result.Disappeared); err != nil {
		return err
	}
	return r.store.UpsertCurrentPositions(ctx, wallet, curr)
}

// oracleFunc adapts a function to the reconcile.Oracle interface.
type oracleFunc func(ctx context.Context, marketID string) (types.MarketStatus, error)

func (f oracleFunc) IsMarketClosed(ctx context.Context, marketID string) (types.MarketStatus, error) {
	return f(ctx, marketID)
}
