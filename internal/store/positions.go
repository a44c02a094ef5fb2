package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"polymarket-tracker/pkg/types"
)

// GetCurrentPositions returns the stored open-position snapshot for a wallet.
func (s *Store) GetCurrentPositions(ctx context.Context, wallet string) ([]types.Position, error) {
	rows, err := s.pool.Query(ctx, `
SELECT market_id, size::text, redeemable, last_seen_at, raw
FROM positions_current
WHERE wallet = $1`, wallet)
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", wallet, err)
	}
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		p := types.Position{Wallet: wallet}
		var sizeText string
		var raw []byte
		if err := rows.Scan(&p.MarketID, &sizeText, &p.Redeemable, &p.LastSeenAt, &raw); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if p.Size, err = decimal.NewFromString(sizeText); err != nil {
			return nil, fmt.Errorf("position %s/%s size %q: %w", wallet, p.MarketID, sizeText, err)
		}
		p.Raw = json.RawMessage(raw)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpsertCurrentPositions writes the fresh snapshot. Positions absent from
// the snapshot are NOT deleted here; their disappearance is the reconciler's
// input, and DeletePositions handles the explicit removal.
func (s *Store) UpsertCurrentPositions(ctx context.Context, wallet string, snapshot []types.Position) error {
	if len(snapshot) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range snapshot {
		batch.Queue(`
INSERT INTO positions_current (wallet, market_id, size, redeemable, last_seen_at, raw)
VALUES ($1, $2, $3::numeric, $4, $5, $6)
ON CONFLICT (wallet, market_id) DO UPDATE SET
    size         = excluded.size,
    redeemable   = excluded.redeemable,
    last_seen_at = excluded.last_seen_at,
    raw          = excluded.raw`,
			wallet, p.MarketID, p.Size.String(), p.Redeemable, p.LastSeenAt, []byte(p.Raw))
	}
	if err := s.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("upsert positions %s: %w", wallet, err)
	}
	return nil
}

// DeletePositions removes rows for markets the reconciler classified as
// disappeared.
func (s *Store) DeletePositions(ctx context.Context, wallet string, marketIDs []string) error {
	if len(marketIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
DELETE FROM positions_current
WHERE wallet = $1 AND market_id = ANY($2)`, wallet, marketIDs)
	if err != nil {
		return fmt.Errorf("delete positions %s: %w", wallet, err)
	}
	return nil
}

// EmitPositionClosed records lifecycle events, ignoring duplicates on the
// (wallet, market_id, closed_at) identity so replays are no-ops.
func (s *Store) EmitPositionClosed(ctx context.Context, events []types.PositionClose) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
INSERT INTO positions_closed (wallet, market_id, closed_at, closed_reason, raw)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (wallet, market_id, closed_at) DO NOTHING`,
			e.Wallet, e.MarketID, e.ClosedAt, string(e.Reason), []byte(e.Raw))
	}
	if err := s.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("emit position closed: %w", err)
	}
	return nil
}
