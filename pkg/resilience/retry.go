// Package resilience provides the client's failure-handling primitives:
// a retry manager with pluggable backoff strategies, a circuit breaker,
// and a recovery manager composing the two.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/errs"
)

// Strategy selects the backoff curve.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	// StrategyJitteredExponential multiplies the exponential delay by
	// U(0.5, 1.0) regardless of the Jitter flag.
	StrategyJitteredExponential Strategy = "jittered_exponential"
	StrategyFibonacci           Strategy = "fibonacci"
)

// RetryConfig parameterizes a RetryManager.
type RetryConfig struct {
	Strategy    Strategy
	MaxAttempts int           // total attempts, first call included
	BaseDelay   time.Duration // delay unit for every strategy
	Multiplier  float64       // exponential growth factor, default 2
	MaxDelay    time.Duration // final cap on every computed delay
	// Jitter multiplies computed delays by U(0.9, 1.1). Ignored by
	// jittered_exponential, which always applies its own window.
	Jitter bool
	// RetryableKinds restricts which error kinds retry. Empty means the
	// taxonomy defaults (errs.IsRetryable) decide alone.
	RetryableKinds []errs.Kind
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Strategy == "" {
		c.Strategy = StrategyExponential
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// RetryManager computes backoff delays and drives retry loops.
type RetryManager struct {
	cfg    RetryConfig
	logger zerolog.Logger
	// randFloat is injectable for deterministic tests.
	randFloat func() float64
}

// NewRetryManager builds a manager from cfg.
func NewRetryManager(cfg RetryConfig, logger zerolog.Logger) *RetryManager {
	return &RetryManager{
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "retry").Logger(),
		randFloat: rand.Float64,
	}
}

// Config returns the effective configuration.
func (m *RetryManager) Config() RetryConfig { return m.cfg }

// Delay computes the wait before attempt n (n starts at 1). Every
// strategy is capped at MaxDelay after jitter.
func (m *RetryManager) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(m.cfg.BaseDelay)
	var d float64
	switch m.cfg.Strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = base * float64(attempt)
	case StrategyExponential:
		d = base * math.Pow(m.cfg.Multiplier, float64(attempt-1))
		if m.cfg.Jitter {
			d *= 0.9 + 0.2*m.randFloat()
		}
	case StrategyJitteredExponential:
		d = base * math.Pow(m.cfg.Multiplier, float64(attempt-1))
		d *= 0.5 + 0.5*m.randFloat()
	case StrategyFibonacci:
		d = base * float64(fibonacci(attempt))
	default:
		d = base
	}
	if m.cfg.Jitter && m.cfg.Strategy != StrategyExponential &&
		m.cfg.Strategy != StrategyJitteredExponential {
		d *= 0.9 + 0.2*m.randFloat()
	}
	if capped := float64(m.cfg.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}

// fibonacci returns F(n) with F(1)=F(2)=1.
func fibonacci(n int) int64 {
	if n <= 2 {
		return 1
	}
	a, b := int64(1), int64(1)
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

// ShouldRetry reports whether the error admits another attempt: the
// attempt budget is not exhausted, the error's kind is in the configured
// retryable set, and the error itself does not veto retry.
func (m *RetryManager) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= m.cfg.MaxAttempts {
		return false
	}
	if !errs.IsRetryable(err) {
		return false
	}
	if len(m.cfg.RetryableKinds) > 0 {
		kind := errs.KindOf(err)
		found := false
		for _, k := range m.cfg.RetryableKinds {
			if k == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Do runs fn with retry. The last error is returned when the budget is
// exhausted; context cancellation surfaces as a Cancelled taxonomy error.
func (m *RetryManager) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !m.ShouldRetry(lastErr, attempt) {
			return lastErr
		}
		delay := m.Delay(attempt)
		m.logger.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(lastErr).
			Msg("retrying")
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}
