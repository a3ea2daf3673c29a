package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// BreakerState is one of CLOSED, OPEN or HALF_OPEN.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds the breaker thresholds.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // time after the last failure before a trial is allowed
	HalfOpenMaxCalls int           // trial requests admitted, and successes needed to close
}

// BreakerStats is a point-in-time view of the breaker.
type BreakerStats struct {
	Name              string
	State             BreakerState
	Failures          int
	HalfOpenCalls     int
	HalfOpenSuccesses int
	LastFailure       time.Time
}

// CircuitBreaker gates requests to one upstream. Only CLOSED and HALF_OPEN
// admit requests; OPEN rejects until RecoveryTimeout has passed since the
// last failure.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu                sync.Mutex
	state             BreakerState
	failures          int
	halfOpenCalls     int
	halfOpenSuccesses int
	lastFailure       time.Time
}

// NewCircuitBreaker creates a breaker in the CLOSED state. Zero config fields
// fall back to 5 failures, 30s recovery and 3 half-open calls.
func NewCircuitBreaker(cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "breaker"), slog.String("upstream", cfg.Name)),
		now:    time.Now,
		state:  StateClosed,
	}
}

// CanExecute reports whether a request may be issued now. In HALF_OPEN each
// admitted call consumes one of the trial slots.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.cfg.RecoveryTimeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.halfOpenCalls = 1
		return true
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			return false
		}
		cb.halfOpenCalls++
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != StateHalfOpen {
		return
	}
	cb.halfOpenSuccesses++
	if cb.halfOpenSuccesses >= cb.cfg.HalfOpenMaxCalls {
		cb.setState(StateClosed)
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// Execute runs fn when the breaker admits it and records the outcome. A
// refused call returns domain.ErrCircuitOpen without running fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.CanExecute() {
		return domain.ErrCircuitOpen
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns the current counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:              cb.cfg.Name,
		State:             cb.state,
		Failures:          cb.failures,
		HalfOpenCalls:     cb.halfOpenCalls,
		HalfOpenSuccesses: cb.halfOpenSuccesses,
		LastFailure:       cb.lastFailure,
	}
}

// setState moves to next and resets the trial counters. Caller holds cb.mu.
func (cb *CircuitBreaker) setState(next BreakerState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.halfOpenCalls = 0
	cb.halfOpenSuccesses = 0
	if next == StateClosed {
		cb.failures = 0
	}

	level := slog.LevelInfo
	if next == StateOpen {
		level = slog.LevelWarn
	}
	cb.logger.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
		slog.Int("failures", cb.failures),
	)
}
