// Package metrics defines the Prometheus collectors shared by the three
// workers. Collectors register on the default registry and are served by the
// health server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TradesUpserted counts rows written to the trades table, by source
	// ("poll" or "stream").
	TradesUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_trades_upserted_total",
		Help: "Trade rows upserted into the store",
	}, []string{"source"})

	// TradesDiscarded counts trades dropped at or below the watermark.
	TradesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_trades_discarded_total",
		Help: "Trades at or below the per-wallet watermark",
	})

	// PositionCloses counts emitted lifecycle events by reason.
	PositionCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_position_closes_total",
		Help: "Position close events emitted",
	}, []string{"reason"})

	// PollCycles counts completed poll cycles by tier.
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_poll_cycles_total",
		Help: "Completed poll cycles",
	}, []string{"tier"})

	// PollErrors counts failed wallet cycles by tier and class
	// ("timeout" or "error").
	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_poll_errors_total",
		Help: "Failed wallet poll cycles",
	}, []string{"tier", "class"})

	// WSReconnects counts activity feed reconnections.
	WSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_ws_reconnects_total",
		Help: "Activity WebSocket reconnections",
	})

	// BufferFlushes counts feed-buffer flushes by trigger ("size" or "tick").
	BufferFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_buffer_flushes_total",
		Help: "Stream feed buffer flushes",
	}, []string{"trigger"})

	// Dispatches counts execution dispatches by outcome
	// ("sent", "dropped_saturated", "dropped_breaker", "failed").
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_dispatches_total",
		Help: "Execution dispatch attempts by outcome",
	}, []string{"outcome"})

	// BreakerState exposes the circuit breaker state
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
	})

	// HeapBytes is the watchdog's last heap reading.
	HeapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_heap_bytes",
		Help: "Heap in use, sampled by the memory watchdog",
	})
)
