package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"polymarket-tracker/pkg/types"
)

// UpsertBatchCeiling caps one statement batch. Larger flushes are split so a
// single statement cannot hit the store's statement timeout.
const UpsertBatchCeiling = 500

const upsertTradeSQL = `
INSERT INTO trades (
    trade_id, wallet, tx_hash, condition_id, title, slug, event_slug,
    side, outcome, outcome_index, size, price, trade_timestamp, raw,
    source_updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12::numeric, $13, $14, now())
ON CONFLICT (trade_id) DO UPDATE SET
    title             = excluded.title,
    slug              = excluded.slug,
    event_slug        = excluded.event_slug,
    side              = excluded.side,
    outcome           = excluded.outcome,
    outcome_index     = excluded.outcome_index,
    size              = excluded.size,
    price             = excluded.price,
    trade_timestamp   = excluded.trade_timestamp,
    raw               = excluded.raw,
    source_updated_at = now()
WHERE excluded.trade_timestamp >= trades.trade_timestamp`

// UpsertTrades batch-upserts trade rows keyed on trade_id. Identity columns
// never change; mutable columns are latest-wins, guarded so a replayed older
// upstream emission cannot move trade_timestamp backwards. Rows are split
// into chunks of at most UpsertBatchCeiling.
func (s *Store) UpsertTrades(ctx context.Context, rows []types.Trade) error {
	for _, chunk := range ChunkTrades(rows, UpsertBatchCeiling) {
		batch := &pgx.Batch{}
		for _, tr := range chunk {
			batch.Queue(upsertTradeSQL,
				tr.TradeID, tr.Wallet, nullable(tr.TxHash), tr.ConditionID,
				tr.Title, tr.Slug, tr.EventSlug,
				string(tr.Side), nullable(string(tr.Outcome)), tr.OutcomeIndex,
				tr.Size.String(), tr.Price.String(), tr.Timestamp, []byte(tr.Raw),
			)
		}
		if err := s.sendBatch(ctx, batch); err != nil {
			return fmt.Errorf("upsert trades: %w", err)
		}
	}
	return nil
}

// ChunkTrades splits rows into slices of at most n. Exported for the
// orchestrators, which rate-limit each chunk flush separately.
func ChunkTrades(rows []types.Trade, n int) [][]types.Trade {
	if len(rows) == 0 {
		return nil
	}
	chunks := make([][]types.Trade, 0, (len(rows)+n-1)/n)
	for start := 0; start < len(rows); start += n {
		end := start + n
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return nil
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
