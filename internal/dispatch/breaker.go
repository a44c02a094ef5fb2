// breaker.go implements the three-state circuit breaker guarding the
// downstream control plane.
//
// Failure accounting follows HTTP semantics: only 5xx, 408, and transport
// failures (including timeouts) count against the breaker. An explicit 4xx
// means the downstream is alive and answering, so it counts as a success
// even when the individual dispatch is rejected.
package dispatch

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"polymarket-tracker/internal/metrics"
)

// ErrBreakerOpen is returned by Allow while the breaker rejects dispatches.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Default breaker tuning for the downstream control plane.
const (
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = time.Minute
)

// State is the breaker's position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	default:
		return "open"
	}
}

// Breaker is a consecutive-failure circuit breaker. In closed state,
// threshold consecutive failures open it; while open all calls are rejected
// without touching the network; after openFor elapses a single half-open
// probe decides between closing and re-opening.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	openFor   time.Duration
	openedAt  time.Time
	probing   bool

	now    func() time.Time // injectable clock for tests
	logger *slog.Logger
}

// NewBreaker creates a breaker with the given consecutive-failure threshold
// and open duration.
func NewBreaker(threshold int, openFor time.Duration, logger *slog.Logger) *Breaker {
	return &Breaker{
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
		logger:    logger.With("component", "breaker"),
	}
}

// Allow reports whether a call may proceed. In open state it returns
// ErrBreakerOpen until the open duration elapses, then admits exactly one
// half-open probe; concurrent callers during the probe are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openFor {
			return ErrBreakerOpen
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
}

// Record reports a call outcome. A nil err with any explicit status < 500
// (except 408) is a success; everything else is a failure.
func (b *Breaker) Record(status int, err error) {
	failed := err != nil || status >= http.StatusInternalServerError || status == http.StatusRequestTimeout

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if failed {
			b.openedAt = b.now()
			b.setState(StateOpen)
			b.logger.Warn("half-open probe failed, breaker re-opened", "status", status, "error", err)
		} else {
			b.failures = 0
			b.setState(StateClosed)
			b.logger.Info("breaker closed after successful probe")
		}
		return
	}

	if !failed {
		b.failures = 0
		return
	}

	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(StateOpen)
		b.logger.Warn("breaker opened",
			"consecutive_failures", b.failures,
			"open_for", b.openFor,
		)
	}
}

// CurrentState returns the breaker state for observability.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.BreakerState.Set(float64(s))
}

// Window bounds the number of synchronous dispatches in flight. When
// saturated, TryAcquire fails and the caller drops the dispatch: the pollers
// re-derive any dropped trade within seconds, so queueing would only grow
// memory for no correctness gain.
type Window struct {
	slots chan struct{}
}

// NewWindow creates a window admitting up to cap concurrent holders.
func NewWindow(cap int) *Window {
	return &Window{slots: make(chan struct{}, cap)}
}

// TryAcquire takes a slot without blocking. Returns false when saturated.
func (w *Window) TryAcquire() bool {
	select {
	case w.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot.
func (w *Window) Release() {
	select {
	case <-w.slots:
	default:
	}
}

// InFlight returns the number of held slots.
func (w *Window) InFlight() int {
	return len(w.slots)
}
