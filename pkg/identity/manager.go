package identity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/errs"
)

// DefaultRefreshBuffer is how long before expiry a refresh fires.
const DefaultRefreshBuffer = 300 * time.Second

// RefreshFunc exchanges a refresh credential for a new token. Invoked from
// a background task; must honor ctx.
type RefreshFunc func(ctx context.Context, identityID, refreshCredential string) (*Token, error)

// ExpiryFunc is called when an identity's token is gone for good: refresh
// failed or there was nothing to refresh with. Callers must
// re-authenticate.
type ExpiryFunc func(identityID string)

// entry is the per-identity token state. One mutex per identity id
// serializes refreshes for that identity without blocking others.
type entry struct {
	mu     sync.Mutex
	token  *Token
	timer  *time.Timer
	cancel context.CancelFunc // cancels an in-flight refresh
	gen    uint64             // bumped whenever the schedule is superseded
}

// TokenManager keeps one renewable token per identity id.
//
// State machine per identity id:
//
//	no-token ──store──▶ valid ──timer──▶ refreshing ──ok──▶ valid
//	                                         │
//	                                       fail──▶ no-token (expiry callback)
//
// A refresh is scheduled at expires_at − buffer. At most one refresh task
// runs per identity id; scheduling a new one cancels its predecessor.
type TokenManager struct {
	mu      sync.Mutex
	entries map[string]*entry

	buffer    time.Duration
	refresh   RefreshFunc
	onExpired ExpiryFunc
	logger    zerolog.Logger

	closed bool
}

// NewTokenManager builds a manager. refresh and onExpired may be nil.
func NewTokenManager(buffer time.Duration, refresh RefreshFunc, onExpired ExpiryFunc, logger zerolog.Logger) *TokenManager {
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	return &TokenManager{
		entries:   make(map[string]*entry),
		buffer:    buffer,
		refresh:   refresh,
		onExpired: onExpired,
		logger:    logger.With().Str("component", "token_manager").Logger(),
	}
}

func (m *TokenManager) entryFor(identityID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[identityID]
	if !ok {
		e = &entry{}
		m.entries[identityID] = e
	}
	return e
}

// Store records a token and schedules its refresh. Replacing a token
// cancels any pending refresh task for the same identity.
func (m *TokenManager) Store(t *Token) error {
	if t == nil || t.IdentityID == "" {
		return errs.New(errs.KindValidation, "token.store", "token missing identity id")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.New(errs.KindCancelled, "token.store", "manager is shut down")
	}
	m.mu.Unlock()

	e := m.entryFor(t.IdentityID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()
	e.token = t
	m.scheduleLocked(e, t)

	m.logger.Debug().
		Str("identity_id", t.IdentityID).
		Time("expires_at", t.ExpiresAt).
		Msg("token stored")
	return nil
}

// GetValidToken returns the current token for an identity iff it is
// valid. Expired or absent tokens return (nil, false).
func (m *TokenManager) GetValidToken(identityID string) (*Token, bool) {
	m.mu.Lock()
	e, ok := m.entries[identityID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.token.IsValid() {
		return nil, false
	}
	return e.token, true
}

// Invalidate drops an identity's token and cancels pending refresh work.
func (m *TokenManager) Invalidate(identityID string) {
	m.mu.Lock()
	e, ok := m.entries[identityID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.stopLocked()
	e.token = nil
	e.mu.Unlock()
}

// stopLocked cancels the entry's timer and in-flight refresh. The
// generation bump tells a cancelled refresh task that its outcome no
// longer speaks for this entry. Caller holds e.mu.
func (e *entry) stopLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// scheduleLocked arms the refresh timer at expires_at − buffer.
// Caller holds e.mu.
func (m *TokenManager) scheduleLocked(e *entry, t *Token) {
	if m.refresh == nil || t.RefreshVal == "" {
		return
	}
	delay := time.Until(t.ExpiresAt.Add(-m.buffer))
	if delay < 0 {
		delay = 0
	}
	identityID := t.IdentityID
	refreshVal := t.RefreshVal
	e.timer = time.AfterFunc(delay, func() {
		m.runRefresh(identityID, refreshVal)
	})
}

// runRefresh is the background refresh task. Exactly one per identity id:
// a newer task cancels the context of the one it replaces.
func (m *TokenManager) runRefresh(identityID, refreshVal string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	e := m.entryFor(identityID)
	e.mu.Lock()
	if e.cancel != nil {
		// A refresh for this identity is already in flight; the duplicate
		// solicitation is dropped, not queued.
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	e.cancel = cancel
	myGen := e.gen
	e.mu.Unlock()

	token, err := m.refresh(ctx, identityID, refreshVal)
	cancel()

	e.mu.Lock()
	if e.gen != myGen {
		// Superseded while in flight: a newer Store (or Invalidate or
		// Shutdown) already decided this entry's fate. Our outcome,
		// success or failure, must not touch it.
		e.mu.Unlock()
		return
	}
	e.cancel = nil
	if err != nil || !token.IsValid() {
		// Refresh failed: back to no-token; callers must re-authenticate.
		e.token = nil
		e.mu.Unlock()
		m.logger.Warn().Err(err).Str("identity_id", identityID).Msg("token refresh failed")
		if m.onExpired != nil {
			m.onExpired(identityID)
		}
		return
	}
	e.token = token
	m.scheduleLocked(e, token)
	e.mu.Unlock()
	m.logger.Debug().
		Str("identity_id", identityID).
		Time("expires_at", token.ExpiresAt).
		Msg("token refreshed")
}

// Shutdown stops all timers and cancels in-flight refreshes. Idempotent.
func (m *TokenManager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.stopLocked()
		e.mu.Unlock()
	}
}
