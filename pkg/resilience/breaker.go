package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/errs"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState int

const (
	// BreakerClosed: calls pass through, failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen: calls fail fast with CircuitOpen until the recovery
	// timeout elapses.
	BreakerOpen
	// BreakerHalfOpen: one probe call decides between Closed and Open.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig parameterizes a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// expected failures. Default 5.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before the next
	// call probes in half-open. Default 30s.
	RecoveryTimeout time.Duration
	// IsExpected classifies errors that count toward the threshold.
	// Unexpected errors pass through without affecting the breaker.
	// Nil counts every error.
	IsExpected func(error) bool
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	return c
}

// CircuitBreaker fails fast once a downstream dependency is known bad.
// Thread-safe; a single mutex serializes all state transitions.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger zerolog.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time

	// now is injectable for tests.
	now func() time.Time
}

// NewCircuitBreaker builds a breaker in the Closed state.
func NewCircuitBreaker(cfg BreakerConfig, logger zerolog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "circuit_breaker").Logger(),
		now:    time.Now,
	}
}

// State reports the current state, accounting for recovery-timeout expiry.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}

// Execute gates fn behind the breaker. In Open the call fails immediately
// with a CircuitOpen error and fn is never invoked.
func (cb *CircuitBreaker) Execute(ctx context.Context, op string, fn func(context.Context) error) error {
	cb.mu.Lock()
	switch cb.stateLocked() {
	case BreakerOpen:
		cb.mu.Unlock()
		return errs.New(errs.KindCircuitOpen, op, "circuit open, retry after %s", cb.cfg.RecoveryTimeout)
	case BreakerHalfOpen:
		cb.state = BreakerHalfOpen
	}
	cb.mu.Unlock()

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		if cb.state != BreakerClosed {
			cb.logger.Info().Msg("circuit closed")
		}
		cb.state = BreakerClosed
		cb.failures = 0
		return nil
	}
	if cb.cfg.IsExpected != nil && !cb.cfg.IsExpected(err) {
		// Unexpected error class: surfaced, but not counted.
		return err
	}
	switch cb.state {
	case BreakerHalfOpen:
		// Probe failed: straight back to open.
		cb.trip()
	default:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	}
	return err
}

// trip opens the circuit. Caller holds cb.mu.
func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.failures = 0
	cb.logger.Warn().
		Dur("recovery_timeout", cb.cfg.RecoveryTimeout).
		Msg("circuit opened")
}

// Reset forces the breaker closed and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
}
