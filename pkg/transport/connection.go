package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/adred-codev/gameclient/pkg/errs"
	"github.com/adred-codev/gameclient/pkg/events"
	"github.com/adred-codev/gameclient/pkg/resilience"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateFailed is absorbing: reached only when the retry policy is
	// exhausted. A failed connection is discarded, never revived.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Router receives every inbound non-heartbeat message, in arrival order.
type Router func(*Message)

// ConnConfig parameterizes a Connection.
type ConnConfig struct {
	// HeartbeatInterval is the expected server heartbeat cadence. A gap
	// of 3× the interval counts as a lost connection. Zero disables the
	// watchdog.
	HeartbeatInterval time.Duration
	// SendQueueSize bounds queued outbound frames. Default 256.
	SendQueueSize int
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	return c
}

// Connection manages one transport's lifecycle: dialing, the read loop,
// ordered sends, heartbeat supervision, and reconnection under the retry
// policy.
//
// Coordination rules:
//   - one mutex serializes every state transition;
//   - concurrent connects collapse into one dial via singleflight — a
//     second caller awaits the first and shares its outcome;
//   - Disconnect drains pending sends, cancels background tasks, then
//     releases the transport; it is idempotent.
type Connection struct {
	id      string
	cfg     ConnConfig
	factory Factory
	retry   *resilience.RetryManager
	bus     *events.Bus // may be nil
	router  Router
	logger  zerolog.Logger

	mu        sync.Mutex
	state     State
	transport Transport
	connected chan struct{} // closed while Connected; replaced otherwise
	connectSF singleflight.Group

	sendQ   chan *Message
	sendWG  sync.WaitGroup
	started bool

	lastHeartbeat atomic.Int64 // unix nanos

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown atomic.Bool
}

// NewConnection builds a connection around a transport factory. router
// may be nil (inbound messages are then dropped); bus may be nil.
func NewConnection(cfg ConnConfig, factory Factory, retry *resilience.RetryManager, router Router, bus *events.Bus, logger zerolog.Logger) *Connection {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        uuid.NewString(),
		cfg:       cfg,
		factory:   factory,
		retry:     retry,
		bus:       bus,
		router:    router,
		connected: make(chan struct{}),
		sendQ:     make(chan *Message, cfg.SendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.logger = logger.With().Str("component", "connection").Str("conn_id", c.id).Logger()
	return c
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setStateLocked transitions and publishes the change. Caller holds c.mu.
func (c *Connection) setStateLocked(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	switch next {
	case StateConnected:
		close(c.connected)
	default:
		if prev == StateConnected {
			c.connected = make(chan struct{})
		}
	}
	c.logger.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("connection state changed")
	if c.bus != nil {
		c.bus.Publish(events.New(events.KindConnection, events.PriorityHigh, "connection", map[string]any{
			"name":    events.NameConnectionStateChanged,
			"conn_id": c.id,
			"from":    prev.String(),
			"to":      next.String(),
		}))
	}
}

// Connect establishes the connection. Concurrent callers share a single
// dial attempt and its outcome; a caller whose own deadline expires
// while the shared attempt runs gets a timeout without cancelling it.
func (c *Connection) Connect(ctx context.Context) error {
	const op = "connection.connect"
	if c.shutdown.Load() {
		return errs.New(errs.KindCancelled, op, "connection is shut down")
	}

	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateFailed:
		c.mu.Unlock()
		return errs.New(errs.KindConnectionLost, op, "connection is in the failed state").WithRetryable(false)
	}
	c.mu.Unlock()

	ch := c.connectSF.DoChan("connect", func() (any, error) {
		return nil, c.connectOnce(ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, op, ctx.Err())
	}
}

// connectOnce is the single-flight body: dial and transition.
func (c *Connection) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	if err != nil {
		c.setStateLocked(StateDisconnected)
	} else {
		c.setStateLocked(StateConnected)
		c.startLoopsLocked()
	}
	c.mu.Unlock()
	return err
}

// dial builds a fresh transport and connects it.
func (c *Connection) dial(ctx context.Context) error {
	t := c.factory()
	if err := t.Dial(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	old := c.transport
	c.transport = t
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return nil
}

// startLoopsLocked launches the long-lived goroutines once per
// connection lifetime. Caller holds c.mu.
func (c *Connection) startLoopsLocked() {
	if c.started {
		return
	}
	c.started = true
	c.sendWG.Add(2)
	go c.writePump()
	go c.readLoop()
	if c.cfg.HeartbeatInterval > 0 {
		c.sendWG.Add(1)
		go c.heartbeatWatchdog()
	}
}

// Send enqueues one envelope. During reconnection it blocks until the
// connection is back or the caller's deadline expires, whichever first;
// an expired deadline fails fast with a retryable timeout.
func (c *Connection) Send(ctx context.Context, msg *Message) error {
	const op = "connection.send"
	if err := c.waitConnected(ctx, op); err != nil {
		return err
	}
	select {
	case c.sendQ <- msg:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, op, ctx.Err())
	case <-c.ctx.Done():
		return errs.New(errs.KindCancelled, op, "connection closed")
	}
}

// waitConnected blocks until Connected, the caller deadline, or shutdown.
func (c *Connection) waitConnected(ctx context.Context, op string) error {
	for {
		c.mu.Lock()
		switch c.state {
		case StateConnected:
			c.mu.Unlock()
			return nil
		case StateFailed:
			c.mu.Unlock()
			return errs.New(errs.KindConnectionLost, op, "connection failed permanently").WithRetryable(false)
		}
		ch := c.connected
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return errs.Wrap(errs.KindTimeout, op, ctx.Err())
		case <-c.ctx.Done():
			return errs.New(errs.KindCancelled, op, "connection closed")
		}
	}
}

// writePump drains the send queue on a single goroutine, preserving
// submission order across reconnects.
func (c *Connection) writePump() {
	defer c.sendWG.Done()
	for {
		select {
		case <-c.ctx.Done():
			c.drainQueue()
			return
		case msg := <-c.sendQ:
			c.writeOne(msg)
		}
	}
}

// writeOne sends a frame, waiting out a reconnect if one is in progress.
func (c *Connection) writeOne(msg *Message) {
	for {
		if err := c.waitConnected(c.ctx, "connection.write"); err != nil {
			c.logger.Debug().Err(err).Msg("dropping outbound frame")
			return
		}
		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()
		if t == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		err := t.Send(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("send failed")
		if !errs.IsRetryable(err) {
			return
		}
		// Retryable transport error: the read loop will notice too, but
		// kicking reconnection from here loses no time.
		c.beginReconnect()
	}
}

// drainQueue discards whatever is still queued at shutdown, logging once.
func (c *Connection) drainQueue() {
	n := 0
	for {
		select {
		case <-c.sendQ:
			n++
		default:
			if n > 0 {
				c.logger.Debug().Int("dropped", n).Msg("outbound queue drained on shutdown")
			}
			return
		}
	}
}

// readLoop receives inbound messages for the life of the connection,
// re-dialing through the retry policy on transport errors.
func (c *Connection) readLoop() {
	defer c.sendWG.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		t := c.transport
		st := c.state
		c.mu.Unlock()
		if t == nil || st != StateConnected {
			if st == StateFailed {
				return
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		msg, err := t.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || c.shutdown.Load() {
				return
			}
			c.logger.Warn().Err(err).Msg("receive failed")
			if !c.beginReconnect() {
				return
			}
			continue
		}
		c.handleInbound(msg)
	}
}

// handleInbound answers heartbeats and routes everything else.
func (c *Connection) handleInbound(msg *Message) {
	if msg.Type == TypeHeartbeat {
		c.lastHeartbeat.Store(time.Now().UnixNano())
		// Echo so the server sees the client alive.
		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()
		if t != nil {
			ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			_ = t.Send(ctx, NewMessage(TypeHeartbeat))
			cancel()
		}
		return
	}
	if c.router != nil {
		c.router(msg)
	}
}

// heartbeatWatchdog forces a reconnect when the server goes quiet for
// three intervals.
func (c *Connection) heartbeatWatchdog() {
	defer c.sendWG.Done()
	tick := time.NewTicker(c.cfg.HeartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-tick.C:
			if c.State() != StateConnected {
				continue
			}
			last := time.Unix(0, c.lastHeartbeat.Load())
			if time.Since(last) > 3*c.cfg.HeartbeatInterval {
				c.logger.Warn().Time("last_heartbeat", last).Msg("heartbeat window missed")
				// Closing the transport unblocks the read loop, which
				// owns the reconnect.
				c.mu.Lock()
				t := c.transport
				c.mu.Unlock()
				if t != nil {
					_ = t.Close()
				}
			}
		}
	}
}

// beginReconnect moves to Reconnecting and runs the retry policy.
// Returns false when the policy is exhausted (state is then Failed).
// Only one reconnect runs at a time; late callers just observe.
func (c *Connection) beginReconnect() bool {
	c.mu.Lock()
	if c.state == StateReconnecting || c.state == StateFailed || c.shutdown.Load() {
		st := c.state
		c.mu.Unlock()
		return st != StateFailed
	}
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	err := c.retry.Do(c.ctx, "connection.reconnect", func(ctx context.Context) error {
		c.mu.Lock()
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := c.dial(dialCtx); err != nil {
			c.mu.Lock()
			c.setStateLocked(StateReconnecting)
			c.mu.Unlock()
			return err
		}
		return nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.setStateLocked(StateFailed)
		c.logger.Error().Err(err).Msg("reconnect budget exhausted")
		return false
	}
	c.setStateLocked(StateConnected)
	return true
}

// Disconnect drains pending sends, stops the background loops, and
// releases the transport. Idempotent.
func (c *Connection) Disconnect(ctx context.Context) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	// Drain: give queued frames a chance to flush before teardown.
	deadline := time.Now().Add(2 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for len(c.sendQ) > 0 && time.Now().Before(deadline) && c.State() == StateConnected {
		time.Sleep(5 * time.Millisecond)
	}

	c.cancel()
	c.sendWG.Wait()

	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	if t != nil {
		return t.Close()
	}
	return nil
}
