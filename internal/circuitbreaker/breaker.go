// Package circuitbreaker provides per-backend fault isolation for the
// gateway. Each backend gets a three-state breaker (closed → open →
// half-open) that trips after a configurable number of consecutive
// failures and probes recovery with a bounded number of trial calls.
package circuitbreaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudgate/gateway/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateOpen                  // Failing; requests are rejected immediately.
	StateHalfOpen              // Probing; limited requests allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the breaker rejects the call without
// running it. Callers distinguish this from the wrapped operation's own
// errors with errors.Is.
var ErrOpen = errors.New("circuit breaker open")

// Config holds the tunables for a single breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker trips open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before a probe
	// request is allowed through.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent trial calls while half-open, and is
	// also the number of successes required to close again.
	HalfOpenMaxCalls int
}

// DefaultConfig mirrors the gateway's shipped defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Stats is a read-only snapshot of a breaker's state.
type Stats struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	LastFailureTime *time.Time `json:"last_failure_time"`
}

// Breaker tracks one backend's health. All state transitions are serialized
// by a single mutex; CanExecute, RecordSuccess, and RecordFailure never
// block on anything but that lock, so it is safe to call them from every
// in-flight request.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	halfOpenCalls   int

	now func() time.Time
}

// New creates a breaker for the given backend name, starting closed.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Name returns the backend name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// RecoveryTimeout returns the configured open-state timeout. Exposed so the
// forwarding layer can suggest a Retry-After delay on rejection.
func (b *Breaker) RecoveryTimeout() time.Duration { return b.cfg.RecoveryTimeout }

// CanExecute reports whether a request may proceed. In the open state it
// transitions to half-open once the recovery timeout has elapsed since the
// last failure; the transitioning call itself is admitted without counting
// against the cap. While half-open it admits at most HalfOpenMaxCalls
// concurrent trial calls.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.lastFailureTime.IsZero() && b.now().Sub(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful backend response. In the closed state
// it clears the consecutive-failure count; in the half-open state it counts
// toward the successes required to close the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenMaxCalls {
			b.transitionTo(StateClosed)
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure records a failed backend response. It always refreshes the
// failure counters; a failure while half-open reopens the breaker
// immediately, and crossing the threshold while closed trips it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	}
}

// Execute runs fn under the breaker's protection: it returns ErrOpen
// (wrapped with the breaker name) without calling fn when the breaker
// rejects the call, and otherwise records fn's outcome.
func (b *Breaker) Execute(fn func() error) error {
	if !b.CanExecute() {
		return fmt.Errorf("%q: %w", b.name, ErrOpen)
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a read-only snapshot. It never mutates breaker state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		s.LastFailureTime = &t
	}
	return s
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"backend", b.name,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.halfOpenCalls = 0
	case StateOpen:
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
		b.halfOpenCalls = 0
	}
}
