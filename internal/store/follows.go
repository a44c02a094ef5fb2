package store

import (
	"context"
	"fmt"
	"log/slog"

	"polymarket-tracker/pkg/types"
)

// GetActiveFollows returns the distinct canonical wallets currently followed
// by at least one user. This set defines the hot tier: tier is never stored,
// it is derived from membership here at read time.
func (s *Store) GetActiveFollows(ctx context.Context) ([]string, error) {
	return s.walletSet(ctx, `SELECT DISTINCT wallet FROM follows WHERE active`)
}

// GetActiveTraders returns every tracked trader wallet. Wallets here but not
// in the follow set form the cold tier.
func (s *Store) GetActiveTraders(ctx context.Context) ([]string, error) {
	return s.walletSet(ctx, `SELECT wallet FROM traders WHERE active`)
}

func (s *Store) walletSet(ctx context.Context, query string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("wallet set: %w", err)
	}
	defer rows.Close()

	var wallets []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		canonical, err := types.NormalizeWallet(w)
		if err != nil {
			// a malformed row must not poison the whole set
			s.logger.Warn("skipping malformed wallet", slog.String("wallet", w), slog.Any("error", err))
			continue
		}
		wallets = append(wallets, canonical)
	}
	return wallets, rows.Err()
}
