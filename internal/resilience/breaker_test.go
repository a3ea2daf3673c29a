package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
	}, discardLogger())
	cb.now = clock.now
	return cb
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after 4 failures = %s, want CLOSED", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state after 5 failures = %s, want OPEN", cb.State())
	}
	if cb.CanExecute() {
		t.Fatal("open breaker admitted a request")
	}

	clock.advance(29 * time.Second)
	if cb.CanExecute() {
		t.Fatal("breaker admitted a request before the recovery timeout")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", cb.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}

	clock.advance(30 * time.Second)
	for i := 0; i < 3; i++ {
		if !cb.CanExecute() {
			t.Fatalf("trial %d refused", i+1)
		}
		if cb.State() != StateHalfOpen {
			t.Fatalf("state = %s, want HALF_OPEN", cb.State())
		}
	}
	if cb.CanExecute() {
		t.Fatal("half-open breaker admitted more than 3 trials")
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after 2 successes = %s, want HALF_OPEN", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("state after 3 successes = %s, want CLOSED", cb.State())
	}
	if !cb.CanExecute() {
		t.Fatal("closed breaker refused a request")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.advance(31 * time.Second)

	if !cb.CanExecute() {
		t.Fatal("trial refused")
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", cb.State())
	}
	if cb.CanExecute() {
		t.Fatal("re-opened breaker admitted a request")
	}
}

func TestBreakerExecute(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		if err := cb.Execute(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute = %v, want boom", err)
		}
	}

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("Execute on open breaker = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn ran while the breaker was open")
	}
}
