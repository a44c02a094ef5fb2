package ingester

import (
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"

	"polymarket-tracker/internal/metrics"
)

// checkMemory samples the heap and warns when usage crosses the configured
// fraction of the runtime's soft memory limit. The ingester holds unbounded
// upstream state (wallet sets, pending orders, feed buffer), so a creeping
// heap is the first sign of a leak in one of them.
func checkMemory(logger *slog.Logger, heapPct float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	metrics.HeapBytes.Set(float64(ms.HeapAlloc))

	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		// no soft limit configured (GOMEMLIMIT unset)
		return
	}
	if float64(ms.HeapAlloc) > heapPct*float64(limit) {
		logger.Warn("heap approaching memory limit",
			"heap_bytes", ms.HeapAlloc,
			"limit_bytes", limit,
			"threshold_pct", heapPct,
		)
	}
}
