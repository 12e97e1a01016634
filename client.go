// Package gameclient is the unified client for the authoritative game
// server: one facade over connection management, authentication,
// table subscriptions, and reducer invocation.
package gameclient

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/internal/diag"
	"github.com/adred-codev/gameclient/pkg/adapter"
	"github.com/adred-codev/gameclient/pkg/codec"
	"github.com/adred-codev/gameclient/pkg/errs"
	"github.com/adred-codev/gameclient/pkg/events"
	"github.com/adred-codev/gameclient/pkg/identity"
	"github.com/adred-codev/gameclient/pkg/reducer"
	"github.com/adred-codev/gameclient/pkg/resilience"
	"github.com/adred-codev/gameclient/pkg/subscription"
	"github.com/adred-codev/gameclient/pkg/transport"
	"github.com/adred-codev/gameclient/pkg/types"
)

// Client is the game client facade. One Client talks to one server; all
// methods are safe for concurrent use.
type Client struct {
	cfg      *Config
	logger   zerolog.Logger
	registry *prometheus.Registry

	bus        *events.Bus
	pipeline   *codec.Pipeline
	store      *identity.FileStore
	tokens     *identity.TokenManager
	pool       *transport.Pool
	engine      *subscription.Engine
	dispatcher  *reducer.Dispatcher
	recovery    *resilience.RecoveryManager
	authBreaker *resilience.CircuitBreaker
	reporter    *diag.Reporter

	// handshakeFn runs the signed-claim exchange; injectable for tests.
	handshakeFn func(ctx context.Context, ident *identity.Identity) (*identity.Token, error)

	mu         sync.Mutex
	lease      *transport.Lease
	ident      *identity.Identity
	playerName string
	closed     bool

	authMu sync.Mutex
	authCh chan *transport.Message

	reconnectSub string
}

// New assembles a client from configuration. Nothing dials until Connect.
func New(cfg *Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "client").Logger()
	registry := prometheus.NewRegistry()

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
	}

	c.bus = events.NewBus(events.Config{}, logger, events.NewMetrics(registry))

	adp := adapter.ForDialect(cfg.Dialect()).WithMetrics(adapter.NewMetrics(registry))
	c.pipeline = codec.NewPipeline(adp, codec.NewSchemaRegistry(), codec.Options{Format: cfg.Format()}, logger, codec.NewMetrics(registry))

	dir := cfg.IdentityDir
	if dir == "" {
		var err error
		if dir, err = identity.DefaultDir(); err != nil {
			return nil, err
		}
	}
	store, err := identity.NewFileStore(dir, logger)
	if err != nil {
		return nil, err
	}
	c.store = store

	c.tokens = identity.NewTokenManager(identity.DefaultRefreshBuffer, c.refreshToken, c.onTokenExpired, logger)

	connRetry := resilience.NewRetryManager(resilience.RetryConfig{
		Strategy:    resilience.StrategyJitteredExponential,
		MaxAttempts: cfg.ReconnectAttempts,
		BaseDelay:   cfg.ReconnectDelay,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}, logger)

	var factory transport.Factory
	if cfg.Transport == "nats" {
		factory = transport.NATSFactory(transport.NATSConfig{
			URL:      cfg.NATSUrl,
			ClientID: uuid.NewString(),
		}, logger)
	} else {
		factory = transport.WSFactory(transport.WSConfig{
			Host: cfg.ServerIP,
			Port: cfg.ServerPort,
			SSL:  cfg.ServerUseSSL,
		}, logger)
	}
	newConn := func() *transport.Connection {
		return transport.NewConnection(transport.ConnConfig{
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, factory, connRetry, c.route, c.bus, logger)
	}
	c.pool = transport.NewPool(transport.PoolConfig{}, newConn, transport.NewPoolMetrics(registry), logger)

	c.engine = subscription.NewEngine(c.send, c.pipeline, c.bus, logger, subscription.NewEngineMetrics(registry))
	c.dispatcher = reducer.NewDispatcher(c.send, nil, c.bus, logger, reducer.NewDispatcherMetrics(registry))

	callRetry := resilience.NewRetryManager(resilience.RetryConfig{
		Strategy:    resilience.StrategyExponential,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
	}, logger)
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{}, logger)
	c.recovery = resilience.NewRecoveryManager(callRetry, breaker, logger)

	// A failure storm against the handshake trips this breaker so
	// further attempts fail fast without contacting the server.
	c.authBreaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
		IsExpected: authFailureExpected,
	}, logger)
	c.handshakeFn = c.handshake

	if reporter, rerr := diag.NewReporter("", logger); rerr == nil {
		c.reporter = reporter
	} else {
		logger.Warn().Err(rerr).Msg("error reporting disabled")
	}

	// Re-establish live subscriptions whenever a connection comes back.
	c.reconnectSub = c.bus.Subscribe([]events.Kind{events.KindConnection}, func(ev *events.Event) error {
		if ev.Name() != events.NameConnectionStateChanged {
			return nil
		}
		if to, _ := ev.Data["to"].(string); to != transport.StateConnected.String() {
			return nil
		}
		if from, _ := ev.Data["from"].(string); from == transport.StateConnecting.String() || from == transport.StateReconnecting.String() {
			go c.resubscribe()
		}
		return nil
	}, events.Async())

	return c, nil
}

// Registry exposes the client's metric registry for scraping.
func (c *Client) Registry() *prometheus.Registry { return c.registry }

// Events exposes the bus for advanced composition (throttling, batching,
// custom middleware). Most callers only need OnEvent.
func (c *Client) Events() *events.Bus { return c.bus }

// OnEvent subscribes a handler to the given event kinds and returns the
// subscription id for OffEvent.
func (c *Client) OnEvent(kinds []events.Kind, handler events.Handler, opts ...events.SubscribeOption) string {
	return c.bus.Subscribe(kinds, handler, opts...)
}

// OffEvent removes a subscription.
func (c *Client) OffEvent(id string) { c.bus.Unsubscribe(id) }

// Connect leases a connection from the pool and dials it. Idempotent
// while connected.
func (c *Client) Connect(ctx context.Context) error {
	const op = "client.connect"
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.New(errs.KindCancelled, op, "client is closed")
	}
	if c.lease != nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
	}
	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		c.report("client", err, map[string]any{"op": op, "endpoint": c.cfg.Endpoint()})
		return err
	}
	c.lease = lease
	c.logger.Info().Str("endpoint", c.cfg.Endpoint()).Msg("connected")
	return nil
}

// conn returns the leased connection, or nil.
func (c *Client) conn() *transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lease == nil {
		return nil
	}
	return c.lease.Conn()
}

// send pushes one envelope through the leased connection, attaching the
// current token when one is valid.
func (c *Client) send(ctx context.Context, msg *transport.Message) error {
	const op = "client.send"
	conn := c.conn()
	if conn == nil {
		return errs.New(errs.KindConnectionLost, op, "not connected")
	}
	if msg.Type != transport.TypeAuth && msg.Token == nil {
		c.mu.Lock()
		ident := c.ident
		c.mu.Unlock()
		if ident != nil {
			if tok, ok := c.tokens.GetValidToken(ident.ID); ok {
				msg.Token = tok
			}
		}
	}
	return conn.Send(ctx, msg)
}

// route is the connection manager's inbound callback.
func (c *Client) route(msg *transport.Message) {
	switch msg.Type {
	case transport.TypeAuthAck:
		c.deliverAuth(msg)
	case transport.TypeSubscribeAck, transport.TypeInitialData, transport.TypeTableDelta:
		c.engine.HandleMessage(msg)
	case transport.TypeReducerResponse:
		c.dispatcher.HandleMessage(msg)
	case transport.TypeError:
		c.routeError(msg)
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("unhandled message type")
	}
}

func (c *Client) routeError(msg *transport.Message) {
	switch {
	case msg.Table != "":
		c.engine.HandleMessage(msg)
	case msg.RequestID != "":
		// Server-level failure of a reducer request; surface it as a
		// failed response so the waiting caller is released.
		resp := *msg
		resp.Type = transport.TypeReducerResponse
		resp.Status = transport.StatusFailed
		c.dispatcher.HandleMessage(&resp)
	case c.deliverAuth(msg):
	default:
		c.bus.Publish(events.New(events.KindError, events.PriorityHigh, "server", map[string]any{
			"code":  msg.Code,
			"error": msg.ErrMsg,
		}))
	}
}

// deliverAuth hands an envelope to a waiting authentication handshake.
func (c *Client) deliverAuth(msg *transport.Message) bool {
	c.authMu.Lock()
	ch := c.authCh
	c.authMu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// Authenticate loads (or generates) the configured identity and runs the
// handshake, reusing a persisted unexpired token when one exists.
func (c *Client) Authenticate(ctx context.Context) error {
	const op = "client.authenticate"
	ident, err := c.store.LoadOrCreateIdentity(c.cfg.IdentityName)
	if err != nil {
		return err
	}
	ident.Touch()
	if err := c.store.SaveIdentity(ident); err != nil {
		c.logger.Warn().Err(err).Msg("identity last-used update failed")
	}
	c.mu.Lock()
	c.ident = ident
	c.mu.Unlock()

	if tok, terr := c.store.LoadToken(c.cfg.IdentityName); terr == nil && tok.IsValid() {
		c.logger.Info().Time("expires_at", tok.ExpiresAt).Msg("reusing persisted token")
		return c.tokens.Store(tok)
	}

	var tok *identity.Token
	err = c.authBreaker.Execute(ctx, op, func(ctx context.Context) error {
		var herr error
		tok, herr = c.handshakeFn(ctx, ident)
		return herr
	})
	if err != nil {
		c.report("client", err, map[string]any{"op": op, "identity": ident.ID})
		return err
	}
	if err := c.tokens.Store(tok); err != nil {
		return err
	}
	if err := c.store.SaveToken(c.cfg.IdentityName, tok); err != nil {
		c.logger.Warn().Err(err).Msg("token persistence failed")
	}
	c.bus.Publish(events.New(events.KindAuthentication, events.PriorityHigh, "client", map[string]any{
		"identity_id": ident.ID,
		"expires_at":  tok.ExpiresAt,
	}))
	return nil
}

// handshake runs the signed-claim exchange, answering a challenge when
// the server issues one.
func (c *Client) handshake(ctx context.Context, ident *identity.Identity) (*identity.Token, error) {
	const op = "client.handshake"
	ch := make(chan *transport.Message, 1)
	c.authMu.Lock()
	c.authCh = ch
	c.authMu.Unlock()
	defer func() {
		c.authMu.Lock()
		c.authCh = nil
		c.authMu.Unlock()
	}()

	req := identity.BuildAuthRequest(ident, time.Now())
	resp, err := c.authRound(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Challenge != "" {
		challenge, derr := base64.StdEncoding.DecodeString(resp.Challenge)
		if derr != nil {
			return nil, errs.Wrap(errs.KindProtocolMismatch, op, derr)
		}
		resp, err = c.authRound(ctx, identity.AnswerChallenge(ident, req, challenge))
		if err != nil {
			return nil, err
		}
	}
	if resp.Type == transport.TypeError {
		return nil, errs.New(errs.KindUnauthenticated, op, "authentication rejected: %s (%s)", resp.ErrMsg, resp.Code)
	}
	if resp.Token == nil {
		return nil, errs.New(errs.KindProtocolMismatch, op, "auth_ack carried no token")
	}
	tok := resp.Token
	if tok.IdentityID == "" {
		tok.IdentityID = ident.ID
	}
	return tok, nil
}

// authRound sends one auth envelope and waits for the server's answer.
func (c *Client) authRound(ctx context.Context, req identity.AuthRequest) (*transport.Message, error) {
	const op = "client.auth_round"
	msg := transport.NewMessage(transport.TypeAuth)
	msg.Auth = &req
	if err := c.send(ctx, msg); err != nil {
		return nil, err
	}
	c.authMu.Lock()
	ch := c.authCh
	c.authMu.Unlock()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, op, ctx.Err())
	}
}

// authFailureExpected classifies the server-side rejections that count
// toward the auth breaker. Transport trouble passes through uncounted.
func authFailureExpected(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindSignatureInvalid, errs.KindUnauthenticated:
		return true
	}
	return false
}

// refreshToken is the token manager's refresh hook: a full re-handshake
// over the live connection.
func (c *Client) refreshToken(ctx context.Context, identityID, refreshCredential string) (*identity.Token, error) {
	const op = "client.refresh_token"
	c.mu.Lock()
	ident := c.ident
	c.mu.Unlock()
	if ident == nil || ident.ID != identityID {
		return nil, errs.New(errs.KindUnauthenticated, op, "no loaded identity for %s", identityID)
	}
	if c.conn() == nil {
		return nil, errs.New(errs.KindConnectionLost, op, "not connected")
	}
	tok, err := c.handshakeFn(ctx, ident)
	if err != nil {
		return nil, err
	}
	if serr := c.store.SaveToken(c.cfg.IdentityName, tok); serr != nil {
		c.logger.Warn().Err(serr).Msg("refreshed token persistence failed")
	}
	return tok, nil
}

// onTokenExpired surfaces a dead token to the application.
func (c *Client) onTokenExpired(identityID string) {
	_ = c.store.DeleteToken(c.cfg.IdentityName)
	c.bus.Publish(events.New(events.KindAuthentication, events.PriorityCritical, "client", map[string]any{
		"name":        events.NameTokenExpired,
		"identity_id": identityID,
	}))
}

// Subscribe starts table subscriptions.
func (c *Client) Subscribe(ctx context.Context, tables ...string) error {
	return c.engine.Subscribe(ctx, tables...)
}

// Unsubscribe tears table subscriptions down.
func (c *Client) Unsubscribe(ctx context.Context, tables ...string) error {
	return c.engine.Unsubscribe(ctx, tables...)
}

// SubscriptionState reports one table's lifecycle state.
func (c *Client) SubscriptionState(table string) subscription.SubState {
	return c.engine.State(table)
}

// resubscribe replays live subscriptions after a reconnect.
func (c *Client) resubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectionTimeout)
	defer cancel()
	if err := c.engine.Resubscribe(ctx); err != nil {
		c.logger.Error().Err(err).Msg("resubscription after reconnect failed")
		c.report("client", err, map[string]any{"op": "client.resubscribe"})
	}
}

// CallReducer invokes a server reducer under the recovery policy: retry
// with the circuit breaker gating each attempt.
func (c *Client) CallReducer(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	v, err := c.recovery.Execute(ctx, "reducer."+name, func(ctx context.Context) (any, error) {
		return c.dispatcher.CallStrict(ctx, name, args)
	})
	if err != nil {
		c.report("reducer", err, map[string]any{"reducer": name})
		return nil, err
	}
	result, _ := v.(map[string]any)
	return result, nil
}

// GetAllPlayers returns the cached players table, typed.
func (c *Client) GetAllPlayers() []types.Player { return c.engine.GetAllPlayers() }

// GetPlayer returns one cached player by id.
func (c *Client) GetPlayer(playerID uint64) (types.Player, bool) { return c.engine.GetPlayer(playerID) }

// GetEntitiesNear returns cached entities within radius of pos.
func (c *Client) GetEntitiesNear(pos types.Vector, radius float64) []types.Entity {
	return c.engine.GetEntitiesNear(pos, radius)
}

// GetCircles returns the cached circles table, typed.
func (c *Client) GetCircles() []types.Circle { return c.engine.GetCircles() }

// GetRow returns one cached raw row by table and primary key.
func (c *Client) GetRow(table, pk string) types.TableRow { return c.engine.GetRow(table, pk) }

// ClearTableCache drops a table's cached rows.
func (c *Client) ClearTableCache(table string) { c.engine.ClearTableCache(table) }

// EnterGame joins the game under the given display name.
func (c *Client) EnterGame(ctx context.Context, name string) error {
	const op = "client.enter_game"
	if name == "" {
		return errs.New(errs.KindValidation, op, "player name is required")
	}
	if _, err := c.CallReducer(ctx, "enter_game", map[string]any{"name": name}); err != nil {
		return err
	}
	c.mu.Lock()
	c.playerName = name
	c.mu.Unlock()
	return nil
}

// UpdatePlayerInput streams a movement direction. Failures are absorbed:
// input is high-frequency and the next update supersedes it.
func (c *Client) UpdatePlayerInput(ctx context.Context, direction types.Vector) {
	c.dispatcher.CallSafe(ctx, "update_player_input", map[string]any{
		"direction": map[string]any{"x": direction.X, "y": direction.Y},
	})
}

// PlayerSplit splits the player's circles.
func (c *Client) PlayerSplit(ctx context.Context) error {
	_, err := c.CallReducer(ctx, "player_split", nil)
	return err
}

// Respawn re-enters the game under the last used name.
func (c *Client) Respawn(ctx context.Context) error {
	const op = "client.respawn"
	c.mu.Lock()
	name := c.playerName
	c.mu.Unlock()
	if name == "" {
		return errs.New(errs.KindGameState, op, "respawn before entering the game")
	}
	_, err := c.CallReducer(ctx, "respawn", map[string]any{"name": name})
	return err
}

// Suicide removes the player from the game.
func (c *Client) Suicide(ctx context.Context) error {
	_, err := c.CallReducer(ctx, "suicide", nil)
	return err
}

// Disconnect leaves the game, tears down subscriptions, and releases the
// connection. The client can Connect again afterwards.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	lease := c.lease
	c.lease = nil
	playerName := c.playerName
	c.playerName = ""
	c.mu.Unlock()
	if lease == nil {
		return nil
	}

	c.exitGracefully(ctx, playerName)
	err := lease.Conn().Disconnect(ctx)
	lease.Release()
	c.logger.Info().Msg("disconnected")
	return err
}

// exitGracefully leaves the game and tears down live subscriptions.
// Best-effort; the server reaps us anyway if these fail.
func (c *Client) exitGracefully(ctx context.Context, playerName string) {
	if playerName != "" {
		exitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, _ = c.dispatcher.CallStrict(exitCtx, "suicide", nil)
		cancel()
	}
	if tables := c.engine.ActiveTables(); len(tables) > 0 {
		unsubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = c.engine.Unsubscribe(unsubCtx, tables...)
		cancel()
	}
}

// Close shuts the whole client down in order: leave the game, drop
// subscriptions, cancel pending reducer calls, close the connection,
// stop token refresh, then the event bus. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	lease := c.lease
	c.lease = nil
	playerName := c.playerName
	c.playerName = ""
	c.mu.Unlock()

	if lease != nil {
		c.exitGracefully(ctx, playerName)
	}
	// Callers blocked on a reducer response are released here, before
	// the connection that would carry the response goes away.
	c.dispatcher.Close()
	var err error
	if lease != nil {
		err = lease.Conn().Disconnect(ctx)
		lease.Release()
	}
	_ = c.pool.Close()
	c.tokens.Shutdown()
	c.bus.Unsubscribe(c.reconnectSub)
	c.bus.Close()
	return err
}

// report writes a diagnostics report when the reporter is enabled.
func (c *Client) report(component string, err error, context map[string]any) {
	if c.reporter != nil {
		c.reporter.Report(component, err, context)
	}
}
