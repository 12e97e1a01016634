package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/errs"
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	// MinIdle connections are kept warm past the idle TTL. Default 0.
	MinIdle int
	// MaxConns caps total open connections, leased plus idle. Default 4.
	MaxConns int
	// IdleTTL is how long an unleased connection survives. Default 60s.
	IdleTTL time.Duration
	// ReapInterval is the idle sweep cadence. Default IdleTTL/2.
	ReapInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinIdle < 0 {
		c.MinIdle = 0
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 60 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = c.IdleTTL / 2
	}
	return c
}

// PoolMetrics exposes pool occupancy to prometheus.
type PoolMetrics struct {
	Open    prometheus.Gauge
	Idle    prometheus.Gauge
	Created prometheus.Counter
	Reaped  prometheus.Counter
}

// NewPoolMetrics registers the pool collectors.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	m := &PoolMetrics{
		Open: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gameclient_pool_open_connections",
			Help: "Open connections, leased plus idle.",
		}),
		Idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gameclient_pool_idle_connections",
			Help: "Idle connections awaiting a lease.",
		}),
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gameclient_pool_connections_created_total",
			Help: "Connections dialed by the pool.",
		}),
		Reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gameclient_pool_connections_reaped_total",
			Help: "Idle connections closed by the TTL sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Open, m.Idle, m.Created, m.Reaped)
	}
	return m
}

type idleConn struct {
	conn  *Connection
	since time.Time
}

// Pool hands out connections under a lease. Leases guarantee release:
// prefer the scoped With form; a raw Acquire must be paired with
// Lease.Release, which is idempotent.
type Pool struct {
	cfg     PoolConfig
	newConn func() *Connection
	logger  zerolog.Logger
	metrics *PoolMetrics

	mu      sync.Mutex
	total   int
	idle    []idleConn
	waiters []chan *Connection
	closed  bool

	reapStop chan struct{}
	reapDone chan struct{}
}

// NewPool builds a pool over a connection constructor. Connections are
// dialed lazily on first acquire. metrics may be nil.
func NewPool(cfg PoolConfig, newConn func() *Connection, metrics *PoolMetrics, logger zerolog.Logger) *Pool {
	p := &Pool{
		cfg:      cfg.withDefaults(),
		newConn:  newConn,
		logger:   logger.With().Str("component", "conn_pool").Logger(),
		metrics:  metrics,
		reapStop: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	go p.reaper()
	return p
}

// Lease is a held connection. Release returns it to the pool and is safe
// to call more than once.
type Lease struct {
	pool     *Pool
	conn     *Connection
	released atomic.Bool
}

// Conn returns the leased connection.
func (l *Lease) Conn() *Connection { return l.conn }

// Release returns the connection to the pool. Failed or disconnected
// connections are discarded instead of being re-idled.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.release(l.conn)
}

// Acquire leases a connection, reusing an idle one when available,
// dialing a new one under the cap, or waiting for a release otherwise.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	const op = "pool.acquire"
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errs.New(errs.KindCancelled, op, "pool closed")
		}
		// Newest-first reuse keeps the working set small so the reaper
		// can retire the rest.
		if n := len(p.idle); n > 0 {
			ic := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			if ic.conn.State() == StateConnected {
				p.gauge()
				return &Lease{pool: p, conn: ic.conn}, nil
			}
			p.discard(ic.conn)
			continue
		}
		if p.total < p.cfg.MaxConns {
			p.total++
			p.mu.Unlock()
			conn := p.newConn()
			if err := conn.Connect(ctx); err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.gauge()
				return nil, err
			}
			if p.metrics != nil {
				p.metrics.Created.Inc()
			}
			p.gauge()
			return &Lease{pool: p, conn: conn}, nil
		}

		// At capacity: wait for a release.
		ch := make(chan *Connection, 1)
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		select {
		case conn := <-ch:
			if conn == nil {
				// Pool closed while we waited.
				continue
			}
			if conn.State() == StateConnected {
				return &Lease{pool: p, conn: conn}, nil
			}
			p.discard(conn)
		case <-ctx.Done():
			p.dropWaiter(ch)
			// A release may have raced the cancellation.
			select {
			case conn := <-ch:
				if conn != nil {
					p.release(conn)
				}
			default:
			}
			return nil, errs.Wrap(errs.KindTimeout, op, ctx.Err())
		}
	}
}

// With runs fn under a lease and releases it on every path.
func (p *Pool) With(ctx context.Context, fn func(*Connection) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Conn())
}

func (p *Pool) release(conn *Connection) {
	healthy := conn.State() == StateConnected

	p.mu.Lock()
	if p.closed || !healthy {
		p.total--
		p.mu.Unlock()
		if healthy {
			_ = conn.Disconnect(context.Background())
		} else {
			p.discardLockedOut(conn)
		}
		p.gauge()
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- conn
		return
	}
	p.idle = append(p.idle, idleConn{conn: conn, since: time.Now()})
	p.mu.Unlock()
	p.gauge()
}

// discard drops a connection that is no longer usable and frees its slot.
func (p *Pool) discard(conn *Connection) {
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	p.discardLockedOut(conn)
	p.gauge()
}

func (p *Pool) discardLockedOut(conn *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = conn.Disconnect(ctx)
}

func (p *Pool) dropWaiter(ch chan *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// reaper retires idle connections past the TTL, keeping MinIdle warm.
func (p *Pool) reaper() {
	defer close(p.reapDone)
	tick := time.NewTicker(p.cfg.ReapInterval)
	defer tick.Stop()
	for {
		select {
		case <-p.reapStop:
			return
		case <-tick.C:
			p.reapOnce(time.Now())
		}
	}
}

func (p *Pool) reapOnce(now time.Time) {
	var expired []*Connection
	p.mu.Lock()
	kept := p.idle[:0]
	for _, ic := range p.idle {
		if len(p.idle)-len(expired) > p.cfg.MinIdle && now.Sub(ic.since) > p.cfg.IdleTTL {
			expired = append(expired, ic.conn)
			p.total--
			continue
		}
		kept = append(kept, ic)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, conn := range expired {
		p.discardLockedOut(conn)
		if p.metrics != nil {
			p.metrics.Reaped.Inc()
		}
	}
	if len(expired) > 0 {
		p.logger.Debug().Int("reaped", len(expired)).Msg("idle connections retired")
		p.gauge()
	}
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	Open    int
	Idle    int
	Waiting int
}

// PoolStats reports occupancy.
func (p *Pool) PoolStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Open: p.total, Idle: len(p.idle), Waiting: len(p.waiters)}
}

func (p *Pool) gauge() {
	if p.metrics == nil {
		return
	}
	s := p.PoolStats()
	p.metrics.Open.Set(float64(s.Open))
	p.metrics.Idle.Set(float64(s.Idle))
}

// Close stops the reaper, fails pending waiters, and disconnects every
// idle connection. Leased connections are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.reapStop)
	<-p.reapDone

	for _, ch := range waiters {
		close(ch)
	}
	for _, ic := range idle {
		p.discardLockedOut(ic.conn)
	}
	p.gauge()
	return nil
}
