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

func newRecovery(t *testing.T) *RecoveryManager {
	t.Helper()
	retry := NewRetryManager(RetryConfig{
		Strategy:    StrategyFixed,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, zerolog.Nop())
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 10, RecoveryTimeout: time.Minute}, zerolog.Nop())
	return NewRecoveryManager(retry, breaker, zerolog.Nop())
}

func TestRecoveryRetriesThroughBreaker(t *testing.T) {
	rm := newRecovery(t)
	calls := 0
	v, err := rm.Execute(context.Background(), "op", func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errs.New(errs.KindTimeout, "op", "slow")
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 3, calls)
}

func TestRecoveryFallbackHandler(t *testing.T) {
	rm := newRecovery(t)
	rm.RegisterHandler(errs.KindServerUnavailable, func(err error) (any, bool) {
		return "cached", true
	})

	v, err := rm.Execute(context.Background(), "op", func(ctx context.Context) (any, error) {
		return nil, errs.New(errs.KindServerUnavailable, "op", "down")
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", v)
}

func TestRecoveryFallbackMayDecline(t *testing.T) {
	rm := newRecovery(t)
	rm.RegisterHandler(errs.KindValidation, func(err error) (any, bool) {
		return nil, false
	})

	_, err := rm.Execute(context.Background(), "op", func(ctx context.Context) (any, error) {
		return nil, errs.New(errs.KindValidation, "op", "bad")
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestRecoveryNamedStrategy(t *testing.T) {
	rm := newRecovery(t)
	rm.RegisterStrategy("oneshot", NewRetryManager(RetryConfig{
		Strategy:    StrategyFixed,
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
	}, zerolog.Nop()))

	calls := 0
	_, err := rm.ExecuteWith(context.Background(), "oneshot", "op", func(ctx context.Context) (any, error) {
		calls++
		return nil, errs.New(errs.KindTimeout, "op", "slow")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	// Unknown strategy names fall back to the default policy.
	calls = 0
	_, err = rm.ExecuteWith(context.Background(), "no-such-strategy", "op", func(ctx context.Context) (any, error) {
		calls++
		return nil, errs.New(errs.KindTimeout, "op", "slow")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRecoveryBreakerShortCircuits(t *testing.T) {
	retry := NewRetryManager(RetryConfig{Strategy: StrategyFixed, MaxAttempts: 1, BaseDelay: time.Millisecond}, zerolog.Nop())
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute}, zerolog.Nop())
	rm := NewRecoveryManager(retry, breaker, zerolog.Nop())

	_, err := rm.Execute(context.Background(), "op", func(ctx context.Context) (any, error) {
		return nil, errs.New(errs.KindServerUnavailable, "op", "down")
	})
	require.Error(t, err)

	calls := 0
	_, err = rm.Execute(context.Background(), "op", func(ctx context.Context) (any, error) {
		calls++
		return "never", nil
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
	assert.Zero(t, calls)

	st := rm.Status()
	assert.Equal(t, BreakerOpen, st.BreakerState)
}
