package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"polymarket-tracker/pkg/types"
)

// GetPollState reads the wallet's ingestion cursor. A wallet that has never
// been polled gets a zero state, which the poller treats as "walk full
// history".
func (s *Store) GetPollState(ctx context.Context, wallet string) (types.PollState, error) {
	state := types.PollState{Wallet: wallet}
	var lastTrade, lastCheck *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT last_trade_time_seen, last_position_check_at, updated_at
FROM poll_state
WHERE wallet = $1`, wallet).Scan(&lastTrade, &lastCheck, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("get poll state %s: %w", wallet, err)
	}
	if lastTrade != nil {
		state.LastTradeTimeSeen = lastTrade.UTC()
	}
	if lastCheck != nil {
		state.LastPositionCheckAt = lastCheck.UTC()
	}
	return state, nil
}

// UpdatePollState advances the wallet's cursor. The store enforces watermark
// monotonicity with GREATEST: two overlapping cycles cannot move
// last_trade_time_seen backwards no matter which write lands last.
func (s *Store) UpdatePollState(ctx context.Context, wallet string, lastTradeTime, lastPositionCheck time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO poll_state (wallet, last_trade_time_seen, last_position_check_at, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (wallet) DO UPDATE SET
    last_trade_time_seen   = GREATEST(poll_state.last_trade_time_seen, excluded.last_trade_time_seen),
    last_position_check_at = excluded.last_position_check_at,
    updated_at             = now()`,
		wallet, lastTradeTime, lastPositionCheck)
	if err != nil {
		return fmt.Errorf("update poll state %s: %w", wallet, err)
	}
	return nil
}
