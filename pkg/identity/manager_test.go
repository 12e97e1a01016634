package identity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAndGetValidToken(t *testing.T) {
	m := NewTokenManager(time.Minute, nil, nil, zerolog.Nop())
	defer m.Shutdown()

	_, ok := m.GetValidToken("abc")
	assert.False(t, ok)

	tok := &Token{Bearer: "b", IdentityID: "abc", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, m.Store(tok))

	got, ok := m.GetValidToken("abc")
	require.True(t, ok)
	assert.Equal(t, "b", got.Bearer)

	// An expired token is never served.
	stale := &Token{Bearer: "b", IdentityID: "xyz", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, m.Store(stale))
	_, ok = m.GetValidToken("xyz")
	assert.False(t, ok)
}

func TestStoreRejectsAnonymousToken(t *testing.T) {
	m := NewTokenManager(time.Minute, nil, nil, zerolog.Nop())
	defer m.Shutdown()
	require.Error(t, m.Store(nil))
	require.Error(t, m.Store(&Token{Bearer: "b"}))
}

func TestRefreshFiresBeforeExpiry(t *testing.T) {
	var refreshed atomic.Int32
	refresh := func(ctx context.Context, identityID, refreshVal string) (*Token, error) {
		refreshed.Add(1)
		assert.Equal(t, "abc", identityID)
		assert.Equal(t, "r1", refreshVal)
		return &Token{
			Bearer:     "renewed",
			IdentityID: identityID,
			ExpiresAt:  time.Now().Add(time.Hour),
		}, nil
	}
	// Buffer nearly as long as the TTL puts the refresh moment almost
	// immediately after Store.
	m := NewTokenManager(190*time.Millisecond, refresh, nil, zerolog.Nop())
	defer m.Shutdown()

	require.NoError(t, m.Store(&Token{
		Bearer:     "initial",
		IdentityID: "abc",
		RefreshVal: "r1",
		ExpiresAt:  time.Now().Add(200 * time.Millisecond),
	}))

	require.Eventually(t, func() bool {
		tok, ok := m.GetValidToken("abc")
		return ok && tok.Bearer == "renewed"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), refreshed.Load())
}

func TestRefreshFailureInvalidatesAndNotifies(t *testing.T) {
	expiredCh := make(chan string, 1)
	refresh := func(ctx context.Context, identityID, refreshVal string) (*Token, error) {
		return nil, context.DeadlineExceeded
	}
	onExpired := func(identityID string) { expiredCh <- identityID }

	m := NewTokenManager(95*time.Millisecond, refresh, onExpired, zerolog.Nop())
	defer m.Shutdown()

	require.NoError(t, m.Store(&Token{
		Bearer:     "initial",
		IdentityID: "abc",
		RefreshVal: "r1",
		ExpiresAt:  time.Now().Add(100 * time.Millisecond),
	}))

	select {
	case id := <-expiredCh:
		assert.Equal(t, "abc", id)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback never fired")
	}
	_, ok := m.GetValidToken("abc")
	assert.False(t, ok)
}

func TestReplacingTokenCancelsOldSchedule(t *testing.T) {
	var refreshes atomic.Int32
	refresh := func(ctx context.Context, identityID, refreshVal string) (*Token, error) {
		refreshes.Add(1)
		return &Token{Bearer: "renewed", IdentityID: identityID, ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	m := NewTokenManager(90*time.Millisecond, refresh, nil, zerolog.Nop())
	defer m.Shutdown()

	// First token would refresh within ~10ms; replacing it immediately
	// with a long-lived one (no refresh credential) must cancel that.
	require.NoError(t, m.Store(&Token{
		Bearer: "first", IdentityID: "abc", RefreshVal: "r1",
		ExpiresAt: time.Now().Add(100 * time.Millisecond),
	}))
	require.NoError(t, m.Store(&Token{
		Bearer: "second", IdentityID: "abc",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), refreshes.Load())
	tok, ok := m.GetValidToken("abc")
	require.True(t, ok)
	assert.Equal(t, "second", tok.Bearer)
}

func TestStoreDuringRefreshKeepsNewToken(t *testing.T) {
	// A Store that lands while a refresh is in flight cancels that
	// refresh; the cancelled task must not demote the fresh token or
	// fire the expiry callback when it unwinds.
	release := make(chan struct{})
	started := make(chan struct{})
	var expiries atomic.Int32
	refresh := func(ctx context.Context, identityID, refreshVal string) (*Token, error) {
		close(started)
		<-release
		return nil, ctx.Err()
	}
	onExpired := func(string) { expiries.Add(1) }

	m := NewTokenManager(95*time.Millisecond, refresh, onExpired, zerolog.Nop())
	defer m.Shutdown()

	require.NoError(t, m.Store(&Token{
		Bearer: "old", IdentityID: "abc", RefreshVal: "r1",
		ExpiresAt: time.Now().Add(100 * time.Millisecond),
	}))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never started")
	}

	// Re-authentication won the race: a fresh long-lived token arrives
	// while the doomed refresh is still blocked.
	require.NoError(t, m.Store(&Token{
		Bearer: "fresh", IdentityID: "abc",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	close(release)

	// Give the cancelled task time to unwind before asserting.
	assert.Never(t, func() bool {
		tok, ok := m.GetValidToken("abc")
		return !ok || tok.Bearer != "fresh"
	}, 300*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, int32(0), expiries.Load())
}

func TestInvalidate(t *testing.T) {
	m := NewTokenManager(time.Minute, nil, nil, zerolog.Nop())
	defer m.Shutdown()

	require.NoError(t, m.Store(&Token{Bearer: "b", IdentityID: "abc", ExpiresAt: time.Now().Add(time.Hour)}))
	m.Invalidate("abc")
	_, ok := m.GetValidToken("abc")
	assert.False(t, ok)

	// Unknown identity is a no-op.
	m.Invalidate("never-seen")
}

func TestShutdownIdempotentAndRejectsStores(t *testing.T) {
	m := NewTokenManager(time.Minute, nil, nil, zerolog.Nop())
	m.Shutdown()
	m.Shutdown()
	err := m.Store(&Token{Bearer: "b", IdentityID: "abc", ExpiresAt: time.Now().Add(time.Hour)})
	require.Error(t, err)
}
