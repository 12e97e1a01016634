package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/gameclient/pkg/errs"
)

func newRetry(t *testing.T, cfg RetryConfig) *RetryManager {
	t.Helper()
	return NewRetryManager(cfg, zerolog.Nop())
}

func TestDelayFixed(t *testing.T) {
	m := newRetry(t, RetryConfig{Strategy: StrategyFixed, BaseDelay: 100 * time.Millisecond})
	for _, attempt := range []int{1, 2, 5} {
		assert.Equal(t, 100*time.Millisecond, m.Delay(attempt))
	}
}

func TestDelayLinear(t *testing.T) {
	m := newRetry(t, RetryConfig{Strategy: StrategyLinear, BaseDelay: 100 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, m.Delay(1))
	assert.Equal(t, 200*time.Millisecond, m.Delay(2))
	assert.Equal(t, 300*time.Millisecond, m.Delay(3))
}

func TestDelayExponential(t *testing.T) {
	m := newRetry(t, RetryConfig{
		Strategy:  StrategyExponential,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Minute,
	})
	assert.Equal(t, 100*time.Millisecond, m.Delay(1))
	assert.Equal(t, 200*time.Millisecond, m.Delay(2))
	assert.Equal(t, 400*time.Millisecond, m.Delay(3))
	assert.Equal(t, 800*time.Millisecond, m.Delay(4))
}

func TestDelayExponentialJitterWindow(t *testing.T) {
	m := newRetry(t, RetryConfig{
		Strategy:  StrategyExponential,
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
		Jitter:    true,
	})
	// U(0.9, 1.1) at the window edges.
	m.randFloat = func() float64 { return 0 }
	assert.Equal(t, 900*time.Millisecond, m.Delay(1))
	m.randFloat = func() float64 { return 1 }
	assert.Equal(t, 1100*time.Millisecond, m.Delay(1))
}

func TestDelayJitteredExponentialAlwaysJitters(t *testing.T) {
	// The Jitter flag is off, yet the strategy applies its U(0.5, 1.0)
	// window regardless.
	m := newRetry(t, RetryConfig{
		Strategy:  StrategyJitteredExponential,
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
	})
	m.randFloat = func() float64 { return 0 }
	assert.Equal(t, 500*time.Millisecond, m.Delay(1))
	assert.Equal(t, time.Second, m.Delay(2))
	m.randFloat = func() float64 { return 1 }
	assert.Equal(t, time.Second, m.Delay(1))
	assert.Equal(t, 2*time.Second, m.Delay(2))
}

func TestDelayFibonacci(t *testing.T) {
	m := newRetry(t, RetryConfig{Strategy: StrategyFibonacci, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Minute})
	want := []time.Duration{10, 10, 20, 30, 50, 80}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, m.Delay(i+1), "attempt %d", i+1)
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	m := newRetry(t, RetryConfig{
		Strategy:  StrategyExponential,
		BaseDelay: time.Second,
		MaxDelay:  3 * time.Second,
	})
	assert.Equal(t, 3*time.Second, m.Delay(10))
}

func TestShouldRetryTaxonomy(t *testing.T) {
	m := newRetry(t, RetryConfig{MaxAttempts: 3})

	retryable := errs.New(errs.KindConnectionLost, "op", "gone")
	assert.True(t, m.ShouldRetry(retryable, 1))
	assert.True(t, m.ShouldRetry(retryable, 2))
	// Budget exhausted.
	assert.False(t, m.ShouldRetry(retryable, 3))

	terminal := errs.New(errs.KindValidation, "op", "bad")
	assert.False(t, m.ShouldRetry(terminal, 1))

	// Untagged errors never retry.
	assert.False(t, m.ShouldRetry(context.DeadlineExceeded, 1))
	assert.False(t, m.ShouldRetry(nil, 1))

	// An explicit veto beats the kind default.
	vetoed := errs.New(errs.KindTimeout, "op", "slow").WithRetryable(false)
	assert.False(t, m.ShouldRetry(vetoed, 1))
	// And the reverse: a terminal kind explicitly marked retryable.
	promoted := errs.New(errs.KindGameState, "op", "transient").WithRetryable(true)
	assert.True(t, m.ShouldRetry(promoted, 1))
}

func TestShouldRetryKindRestriction(t *testing.T) {
	m := newRetry(t, RetryConfig{
		MaxAttempts:    5,
		RetryableKinds: []errs.Kind{errs.KindTimeout},
	})
	assert.True(t, m.ShouldRetry(errs.New(errs.KindTimeout, "op", "slow"), 1))
	assert.False(t, m.ShouldRetry(errs.New(errs.KindConnectionLost, "op", "gone"), 1))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	m := newRetry(t, RetryConfig{
		Strategy:    StrategyFixed,
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	})
	calls := 0
	err := m.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.New(errs.KindServerUnavailable, "op", "not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnTerminalError(t *testing.T) {
	m := newRetry(t, RetryConfig{Strategy: StrategyFixed, MaxAttempts: 5, BaseDelay: time.Millisecond})
	calls := 0
	err := m.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errs.New(errs.KindValidation, "op", "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	m := newRetry(t, RetryConfig{Strategy: StrategyFixed, MaxAttempts: 3, BaseDelay: time.Millisecond})
	calls := 0
	err := m.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errs.New(errs.KindTimeout, "op", "still slow")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
}

func TestDoHonorsContextCancellation(t *testing.T) {
	m := newRetry(t, RetryConfig{Strategy: StrategyFixed, MaxAttempts: 10, BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := m.Do(ctx, "op", func(ctx context.Context) error {
		return errs.New(errs.KindTimeout, "op", "slow")
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
}
