// Package reconcile diffs two open-position snapshots and derives lifecycle
// events. It is a pure function of its inputs and the market-status oracle:
// replaying with identical inputs yields an identical event set, which
// combined with the store's idempotent emit key makes close events
// exactly-once in practice.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"polymarket-tracker/pkg/types"
)

// Oracle answers whether a market has resolved. Unknown is treated as not
// closed: a market we cannot confirm as closed is assumed to be an explicit
// exit by the holder.
type Oracle interface {
	IsMarketClosed(ctx context.Context, marketID string) (types.MarketStatus, error)
}

// Options tunes the reconciler.
type Options struct {
	// SizeTolerance is the minimum share-count delta that counts as a real
	// size change. Units are shares, matching the upstream snapshot.
	SizeTolerance decimal.Decimal
	// OracleConcurrency bounds the parallel market-status lookups per cycle.
	OracleConcurrency int
}

// SizeChange reports a position whose size moved by more than the tolerance
// while remaining open. A partial reduction is not a close.
type SizeChange struct {
	MarketID string
	PrevSize decimal.Decimal
	CurrSize decimal.Decimal
}

// Result is the reconciler's output: close events to emit, the market IDs
// whose rows should be removed, and size changes for observability.
type Result struct {
	Closes      []types.PositionClose
	Disappeared []string
	SizeChanges []SizeChange
}

// Reconcile compares the previously stored snapshot against the fresh one.
// Disappeared positions become close events: a position whose last-seen
// payload was redeemable is classified redeemed; otherwise the oracle
// decides between market_closed and manual_close. Oracle failures map to
// manual_close rather than failing the cycle. Output ordering is
// deterministic (sorted by market ID).
func Reconcile(ctx context.Context, prev, curr []types.Position, oracle Oracle, now time.Time, opts Options) (Result, error) {
	prevByKey := make(map[string]types.Position, len(prev))
	for _, p := range prev {
		prevByKey[p.MarketID] = p
	}
	currByKey := make(map[string]types.Position, len(curr))
	for _, c := range curr {
		currByKey[c.MarketID] = c
	}

	var result Result
	for key := range prevByKey {
		if _, ok := currByKey[key]; !ok {
			result.Disappeared = append(result.Disappeared, key)
		}
	}
	sort.Strings(result.Disappeared)

	// Size deltas on surviving positions.
	for key, p := range prevByKey {
		c, ok := currByKey[key]
		if !ok {
			continue
		}
		if p.Size.Sub(c.Size).Abs().GreaterThan(opts.SizeTolerance) {
			result.SizeChanges = append(result.SizeChanges, SizeChange{
				MarketID: key,
				PrevSize: p.Size,
				CurrSize: c.Size,
			})
		}
	}
	sort.Slice(result.SizeChanges, func(i, j int) bool {
		return result.SizeChanges[i].MarketID < result.SizeChanges[j].MarketID
	})

	if len(result.Disappeared) == 0 {
		return result, nil
	}

	reasons := make([]types.CloseReason, len(result.Disappeared))
	concurrency := opts.OracleConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, marketID := range result.Disappeared {
		i, marketID := i, marketID
		if prevByKey[marketID].Redeemable {
			// The only way a redeemable position leaves the book is a claim.
			reasons[i] = types.CloseRedeemed
			continue
		}
		g.Go(func() error {
			status, err := oracle.IsMarketClosed(gctx, marketID)
			if err != nil || status != types.MarketStatusClosed {
				reasons[i] = types.CloseManual
			} else {
				reasons[i] = types.CloseMarket
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	result.Closes = make([]types.PositionClose, len(result.Disappeared))
	for i, marketID := range result.Disappeared {
		p := prevByKey[marketID]
		result.Closes[i] = types.PositionClose{
			Wallet:   p.Wallet,
			MarketID: marketID,
			ClosedAt: now,
			Reason:   reasons[i],
			Raw:      p.Raw,
		}
	}
	return result, nil
}
