package ingester

import (
	"context"
	"log/slog"
	"time"

	"polymarket-tracker/internal/metrics"
	"polymarket-tracker/pkg/types"
)

// tradeWriter is the slice of the store the buffer flushes into.
type tradeWriter interface {
	UpsertTrades(ctx context.Context, rows []types.Trade) error
}

// Buffer batches feed trades before writing them. A flush happens when the
// buffer reaches maxSize or when the orchestrator's flush ticker fires,
// whichever comes first, so a quiet feed still drains within one interval.
//
// Upserts are idempotent on trade_id, so a fill that also arrives via a
// poll cycle lands exactly once.
type Buffer struct {
	rows    []types.Trade
	maxSize int
	store   tradeWriter
	logger  *slog.Logger
}

// NewBuffer creates a buffer flushing into the given store.
func NewBuffer(maxSize int, store tradeWriter, logger *slog.Logger) *Buffer {
	return &Buffer{
		rows:    make([]types.Trade, 0, maxSize),
		maxSize: maxSize,
		store:   store,
		logger:  logger.With("component", "feed-buffer"),
	}
}

// Add appends a row and flushes when the size threshold is hit. Only the
// orchestrator goroutine calls Add and Flush, so no locking is needed.
func (b *Buffer) Add(ctx context.Context, row types.Trade) {
	b.rows = append(b.rows, row)
	if len(b.rows) >= b.maxSize {
		b.Flush(ctx, "size")
	}
}

// Flush writes all buffered rows. On failure the rows are kept for the next
// attempt; the pollers re-derive anything lost if the process dies first.
func (b *Buffer) Flush(ctx context.Context, trigger string) {
	if len(b.rows) == 0 {
		return
	}
	start := time.Now()
	if err := b.store.UpsertTrades(ctx, b.rows); err != nil {
		b.logger.Error("buffer flush failed",
			"rows", len(b.rows),
			"trigger", trigger,
			"error", err,
		)
		return
	}
	metrics.BufferFlushes.WithLabelValues(trigger).Inc()
	metrics.TradesUpserted.WithLabelValues("stream").Add(float64(len(b.rows)))
	b.logger.Debug("buffer flushed",
		"rows", len(b.rows),
		"trigger", trigger,
		"elapsed", time.Since(start),
	)
	b.rows = b.rows[:0]
}

// Len returns the number of buffered rows.
func (b *Buffer) Len() int {
	return len(b.rows)
}
