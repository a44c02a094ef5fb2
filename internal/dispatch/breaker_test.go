package dispatch

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testBreaker(threshold int, openFor time.Duration) (*Breaker, *time.Time) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := NewBreaker(threshold, openFor, logger)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := testBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow() before threshold returned %v", err)
		}
		b.Record(503, nil)
	}

	if b.CurrentState() != StateOpen {
		t.Errorf("state = %v, want open", b.CurrentState())
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() while open = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	t.Parallel()
	b, _ := testBreaker(5, time.Minute)

	// N-1 failures followed by a success keeps the breaker closed.
	for i := 0; i < 4; i++ {
		b.Record(503, nil)
	}
	b.Record(200, nil)
	for i := 0; i < 4; i++ {
		b.Record(503, nil)
	}

	if b.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed", b.CurrentState())
	}
}

func TestBreaker4xxIsSuccess(t *testing.T) {
	t.Parallel()
	b, _ := testBreaker(3, time.Minute)

	for i := 0; i < 10; i++ {
		b.Record(422, nil)
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("state = %v, 4xx must not open the breaker", b.CurrentState())
	}

	// 408 is the exception: counts as a failure.
	for i := 0; i < 3; i++ {
		b.Record(408, nil)
	}
	if b.CurrentState() != StateOpen {
		t.Errorf("state = %v, 408s must open the breaker", b.CurrentState())
	}
}

func TestBreakerTransportErrorIsFailure(t *testing.T) {
	t.Parallel()
	b, _ := testBreaker(2, time.Minute)

	b.Record(0, errors.New("dial tcp: connection refused"))
	b.Record(0, errors.New("context deadline exceeded"))

	if b.CurrentState() != StateOpen {
		t.Errorf("state = %v, want open after transport failures", b.CurrentState())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()
	b, now := testBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		b.Record(503, nil)
	}

	// Still open just before the window elapses.
	*now = now.Add(59 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Allow() at 59s = %v, want rejection", err)
	}

	// After the window a single probe is admitted.
	*now = now.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after window = %v, want probe admitted", err)
	}
	if b.CurrentState() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", b.CurrentState())
	}

	// Concurrent caller during the probe is rejected.
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("second Allow() during probe = %v, want rejection", err)
	}

	// Probe success closes the breaker and resets counters.
	b.Record(200, nil)
	if b.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed after probe success", b.CurrentState())
	}
	for i := 0; i < 4; i++ {
		b.Record(503, nil)
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("failure counter not reset after recovery")
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b, now := testBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		b.Record(503, nil)
	}
	*now = now.Add(61 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	b.Record(503, nil)

	if b.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want re-opened", b.CurrentState())
	}
	// Fresh openedAt: still rejecting just before a full new window.
	*now = now.Add(59 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() = %v, want rejection within fresh window", err)
	}
	*now = now.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() = %v, want probe after fresh window", err)
	}
}

func TestWindowCapsInFlight(t *testing.T) {
	t.Parallel()
	w := NewWindow(3)

	for i := 0; i < 3; i++ {
		if !w.TryAcquire() {
			t.Fatalf("TryAcquire %d failed below cap", i)
		}
	}
	if w.TryAcquire() {
		t.Error("TryAcquire succeeded at cap")
	}
	if w.InFlight() != 3 {
		t.Errorf("InFlight = %d, want 3", w.InFlight())
	}

	w.Release()
	if !w.TryAcquire() {
		t.Error("TryAcquire failed after release")
	}
}
