package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/gameclient/pkg/errs"
)

func newBreaker(t *testing.T, cfg BreakerConfig) (*CircuitBreaker, *time.Time) {
	t.Helper()
	cb := NewCircuitBreaker(cfg, zerolog.Nop())
	clock := time.Unix(1_700_000_000, 0)
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func failing(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func succeeding(context.Context) error { return nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newBreaker(t, BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second})
	boom := errs.New(errs.KindServerUnavailable, "op", "down")

	for i := 0; i < 2; i++ {
		require.Error(t, cb.Execute(context.Background(), "op", failing(boom)))
		assert.Equal(t, BreakerClosed, cb.State())
	}
	require.Error(t, cb.Execute(context.Background(), "op", failing(boom)))
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	cb, _ := newBreaker(t, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})
	boom := errs.New(errs.KindServerUnavailable, "op", "down")
	require.Error(t, cb.Execute(context.Background(), "op", failing(boom)))

	called := false
	err := cb.Execute(context.Background(), "op", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
	assert.False(t, called, "fn must not run while open")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cb, clock := newBreaker(t, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})
	boom := errs.New(errs.KindServerUnavailable, "op", "down")
	require.Error(t, cb.Execute(context.Background(), "op", failing(boom)))
	assert.Equal(t, BreakerOpen, cb.State())

	*clock = clock.Add(31 * time.Second)
	assert.Equal(t, BreakerHalfOpen, cb.State())

	// Successful probe closes the circuit.
	require.NoError(t, cb.Execute(context.Background(), "op", succeeding))
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newBreaker(t, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})
	boom := errs.New(errs.KindServerUnavailable, "op", "down")
	require.Error(t, cb.Execute(context.Background(), "op", failing(boom)))

	*clock = clock.Add(31 * time.Second)
	require.Error(t, cb.Execute(context.Background(), "op", failing(boom)))
	assert.Equal(t, BreakerOpen, cb.State())

	// And the open window restarts from the probe failure.
	*clock = clock.Add(29 * time.Second)
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestBreakerUnexpectedErrorsNotCounted(t *testing.T) {
	cb, _ := newBreaker(t, BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Second,
		IsExpected: func(err error) bool {
			return errs.KindOf(err) == errs.KindServerUnavailable
		},
	})
	odd := errors.New("validation detail")
	for i := 0; i < 5; i++ {
		require.Error(t, cb.Execute(context.Background(), "op", failing(odd)))
	}
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newBreaker(t, BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second})
	boom := errs.New(errs.KindServerUnavailable, "op", "down")

	require.Error(t, cb.Execute(context.Background(), "op", failing(boom)))
	require.Error(t, cb.Execute(context.Background(), "op", failing(boom)))
	require.NoError(t, cb.Execute(context.Background(), "op", succeeding))
	require.Error(t, cb.Execute(context.Background(), "op", failing(boom)))
	require.Error(t, cb.Execute(context.Background(), "op", failing(boom)))
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerReset(t *testing.T) {
	cb, _ := newBreaker(t, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})
	boom := errs.New(errs.KindServerUnavailable, "op", "down")
	require.Error(t, cb.Execute(context.Background(), "op", failing(boom)))
	assert.Equal(t, BreakerOpen, cb.State())

	cb.Reset()
	assert.Equal(t, BreakerClosed, cb.State())
	require.NoError(t, cb.Execute(context.Background(), "op", succeeding))
}
