// Package store is the relational adapter. It owns every durable entity:
// trades, current positions, position close events, per-wallet poll state,
// named job locks, and the follow/trader sets.
//
// Every operation is idempotent. Writers rely on primary-key conflict
// handling rather than application locks: concurrent upserts from the
// pollers and the stream ingester collapse onto the same rows. The expected
// DDL, including the acquire_named_lock stored procedure, is in schema.sql.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool with the pipeline's semantic operations.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to the relational store and verifies the connection.
func Open(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return &Store{
		pool:   pool,
		logger: logger.With("component", "store"),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
