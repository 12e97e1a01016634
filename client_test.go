package gameclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/gameclient/pkg/errs"
	"github.com/adred-codev/gameclient/pkg/identity"
	"github.com/adred-codev/gameclient/pkg/resilience"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := validConfig()
	cfg.IdentityDir = t.TempDir()
	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	c.reporter = nil
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestAuthenticateCircuitBreaks(t *testing.T) {
	c := newTestClient(t)
	// Short recovery window so the half-open probe is observable.
	c.authBreaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
		RecoveryTimeout: 50 * time.Millisecond,
		IsExpected:      authFailureExpected,
	}, zerolog.Nop())

	var calls atomic.Int32
	c.handshakeFn = func(ctx context.Context, ident *identity.Identity) (*identity.Token, error) {
		calls.Add(1)
		return nil, errs.New(errs.KindSignatureInvalid, "client.handshake", "signature rejected")
	}

	for i := 0; i < 5; i++ {
		err := c.Authenticate(context.Background())
		require.Error(t, err)
		assert.Equal(t, errs.KindSignatureInvalid, errs.KindOf(err))
	}
	require.Equal(t, int32(5), calls.Load())

	// The sixth attempt fails fast; the server is never contacted.
	err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
	assert.Equal(t, int32(5), calls.Load())

	// After the recovery window one probe runs; success closes the
	// circuit again.
	time.Sleep(60 * time.Millisecond)
	c.handshakeFn = func(ctx context.Context, ident *identity.Identity) (*identity.Token, error) {
		calls.Add(1)
		return &identity.Token{
			Bearer:     "b",
			IdentityID: ident.ID,
			ExpiresAt:  time.Now().Add(time.Hour),
		}, nil
	}
	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, int32(6), calls.Load())
	assert.Equal(t, resilience.BreakerClosed, c.authBreaker.State())
}

func TestAuthenticateTransportErrorsDoNotTrip(t *testing.T) {
	c := newTestClient(t)
	c.authBreaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
		FailureThreshold: 2,
		IsExpected:       authFailureExpected,
	}, zerolog.Nop())

	var calls atomic.Int32
	c.handshakeFn = func(ctx context.Context, ident *identity.Identity) (*identity.Token, error) {
		calls.Add(1)
		return nil, errs.New(errs.KindConnectionLost, "client.handshake", "wire down")
	}

	// Transport trouble surfaces but never opens the circuit.
	for i := 0; i < 4; i++ {
		err := c.Authenticate(context.Background())
		require.Error(t, err)
		assert.Equal(t, errs.KindConnectionLost, errs.KindOf(err))
	}
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, resilience.BreakerClosed, c.authBreaker.State())
}
