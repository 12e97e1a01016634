package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Middleware transforms every published event, in publish order.
// Returning nil drops the event.
type Middleware func(*Event) *Event

// Filter accepts or rejects an event after middleware. Any rejection
// stops delivery.
type Filter func(*Event) bool

// Handler consumes one event. Errors are logged and counted; they never
// reach other subscribers or the publisher.
type Handler func(*Event) error

// Metrics holds the bus's prometheus collectors.
type Metrics struct {
	Published  prometheus.Counter
	Processed  prometheus.Counter
	Failed     prometheus.Counter
	Dropped    prometheus.Counter
	PerKind    *prometheus.CounterVec
	ProcessDur prometheus.Histogram
}

// NewMetrics builds and registers the bus collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gameclient", Subsystem: "bus", Name: "published_total",
			Help: "Events accepted for dispatch",
		}),
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gameclient", Subsystem: "bus", Name: "processed_total",
			Help: "Subscriber deliveries completed",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gameclient", Subsystem: "bus", Name: "failed_total",
			Help: "Subscriber deliveries that returned an error or panicked",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gameclient", Subsystem: "bus", Name: "dropped_total",
			Help: "Events dropped by full queues",
		}),
		PerKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gameclient", Subsystem: "bus", Name: "events_by_kind_total",
			Help: "Published events by kind",
		}, []string{"kind"}),
		ProcessDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gameclient", Subsystem: "bus", Name: "processing_seconds",
			Help:    "Per-delivery handler time",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Published, m.Processed, m.Failed, m.Dropped, m.PerKind, m.ProcessDur)
	}
	return m
}

// Stats is a snapshot of the bus counters.
type Stats struct {
	Published int64
	Processed int64
	Failed    int64
	Dropped   int64
}

// SuccessRate is processed/(processed+failed), 1.0 when idle.
func (s Stats) SuccessRate() float64 {
	total := s.Processed + s.Failed
	if total == 0 {
		return 1.0
	}
	return float64(s.Processed) / float64(total)
}

// subscriber is one registration. Each subscriber owns a FIFO queue and a
// drain goroutine, so delivery is concurrent across subscribers but
// strictly in-order per subscriber.
type subscriber struct {
	id        string
	kinds     map[Kind]bool // empty = all kinds
	predicate func(*Event) bool
	handler   Handler
	async     bool
	queue     chan *Event
	quit      chan struct{}
}

func (s *subscriber) accepts(ev *Event) bool {
	if len(s.kinds) > 0 && !s.kinds[ev.Kind] {
		return false
	}
	if s.predicate != nil && !s.predicate(ev) {
		return false
	}
	return true
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscriber)

// WithPredicate adds a per-subscriber filter.
func WithPredicate(p func(*Event) bool) SubscribeOption {
	return func(s *subscriber) { s.predicate = p }
}

// Async marks the handler safe to run directly on the subscriber's drain
// goroutine. Synchronous (default) handlers run on the bounded worker
// pool instead, so a blocking handler can never stall dispatch.
func Async() SubscribeOption {
	return func(s *subscriber) { s.async = true }
}

// WithQueueSize overrides the subscriber queue capacity (default 256).
func WithQueueSize(n int) SubscribeOption {
	return func(s *subscriber) {
		if n > 0 {
			s.queue = make(chan *Event, n)
		}
	}
}

// Bus is the central event queue.
//
// Two queues feed one dispatcher: a bounded FIFO channel for Normal and
// below, and an unbounded FIFO deque for High and above. The dispatcher
// services the priority deque first, then one item from the FIFO channel,
// then loops. There is no ordering guarantee between the two classes.
type Bus struct {
	normal   chan *Event
	priority []*Event // unbounded deque, guarded by prioMu
	prioMu   sync.Mutex
	notify   chan struct{} // pokes the dispatcher when the deque fills

	middleware []Middleware
	filters    []Filter
	mwMu       sync.RWMutex

	subs  map[string]*subscriber
	subMu sync.RWMutex

	pool    *WorkerPool
	logger  zerolog.Logger
	metrics *Metrics

	published atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Config sizes the bus. Zero values take defaults.
type Config struct {
	NormalQueueSize int // default 1024
	Workers         int // default 8
	WorkerQueueSize int // default 256
}

// NewBus builds and starts a bus. metrics may be nil.
func NewBus(cfg Config, logger zerolog.Logger, metrics *Metrics) *Bus {
	if cfg.NormalQueueSize <= 0 {
		cfg.NormalQueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.WorkerQueueSize <= 0 {
		cfg.WorkerQueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		normal:  make(chan *Event, cfg.NormalQueueSize),
		notify:  make(chan struct{}, 1),
		subs:    make(map[string]*subscriber),
		pool:    NewWorkerPool(cfg.Workers, cfg.WorkerQueueSize, logger),
		logger:  logger.With().Str("component", "event_bus").Logger(),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	b.pool.Start(ctx)
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Use appends middleware, applied to every event in publish order.
func (b *Bus) Use(mw Middleware) {
	b.mwMu.Lock()
	defer b.mwMu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// AddFilter appends a global filter, applied after middleware.
func (b *Bus) AddFilter(f Filter) {
	b.mwMu.Lock()
	defer b.mwMu.Unlock()
	b.filters = append(b.filters, f)
}

// Subscribe registers a handler for the given kinds (none = all kinds).
// Returns the subscription id for Unsubscribe.
func (b *Bus) Subscribe(kinds []Kind, handler Handler, opts ...SubscribeOption) string {
	sub := &subscriber{
		id:      uuid.NewString(),
		kinds:   make(map[Kind]bool, len(kinds)),
		handler: handler,
		quit:    make(chan struct{}),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.queue == nil {
		sub.queue = make(chan *Event, 256)
	}

	b.subMu.Lock()
	b.subs[sub.id] = sub
	b.subMu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)
	return sub.id
}

// Unsubscribe removes a subscription and stops its drain goroutine.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.subMu.Unlock()
	if ok {
		close(sub.quit)
	}
}

// Publish runs middleware and filters, then enqueues the event. High and
// above always enqueue (unbounded); Normal and below are dropped (and
// counted) when the bounded queue is full. The bus never raises into
// publishers.
func (b *Bus) Publish(ev *Event) {
	if ev == nil || b.closed.Load() {
		return
	}
	b.mwMu.RLock()
	mws := b.middleware
	filters := b.filters
	b.mwMu.RUnlock()

	for _, mw := range mws {
		ev = mw(ev)
		if ev == nil {
			return
		}
	}
	for _, f := range filters {
		if !f(ev) {
			return
		}
	}

	b.published.Add(1)
	if b.metrics != nil {
		b.metrics.Published.Inc()
		b.metrics.PerKind.WithLabelValues(string(ev.Kind)).Inc()
	}

	if ev.Priority >= PriorityHigh {
		b.prioMu.Lock()
		b.priority = append(b.priority, ev)
		b.prioMu.Unlock()
		select {
		case b.notify <- struct{}{}:
		default:
		}
		return
	}
	select {
	case b.normal <- ev:
	default:
		b.dropped.Add(1)
		if b.metrics != nil {
			b.metrics.Dropped.Inc()
		}
	}
}

func (b *Bus) popPriority() *Event {
	b.prioMu.Lock()
	defer b.prioMu.Unlock()
	if len(b.priority) == 0 {
		return nil
	}
	ev := b.priority[0]
	b.priority = b.priority[1:]
	return ev
}

// dispatch is the single scheduler loop: priority deque first, then one
// item from the bounded queue, then loop.
func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		if ev := b.popPriority(); ev != nil {
			b.fanout(ev)
			continue
		}
		select {
		case <-b.ctx.Done():
			return
		case <-b.notify:
		case ev := <-b.normal:
			b.fanout(ev)
		}
	}
}

// fanout enqueues the event on every matching subscriber queue. A full
// subscriber queue drops the event for that subscriber only.
func (b *Bus) fanout(ev *Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, sub := range b.subs {
		if !sub.accepts(ev) {
			continue
		}
		b.inFlight.Add(1)
		select {
		case sub.queue <- ev:
		default:
			b.inFlight.Add(-1)
			b.dropped.Add(1)
			if b.metrics != nil {
				b.metrics.Dropped.Inc()
			}
		}
	}
}

// drain delivers events to one subscriber in FIFO order.
func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.quit:
			return
		case <-b.ctx.Done():
			return
		case ev := <-sub.queue:
			b.deliver(sub, ev)
		}
	}
}

func (b *Bus) deliver(sub *subscriber, ev *Event) {
	defer b.inFlight.Add(-1)
	start := time.Now()
	var err error
	if sub.async {
		err = b.safeCall(sub, ev)
	} else {
		// Synchronous handlers run on the worker pool; SubmitWait keeps
		// this subscriber's ordering while the pool bounds concurrency.
		// The result travels through a buffered channel: when the wait
		// gives up, the queued task may still run later, and its write
		// must land in the channel, not a variable this goroutine reads.
		res := make(chan error, 1)
		if b.pool.SubmitWait(b.ctx, func() { res <- b.safeCall(sub, ev) }) {
			err = <-res
		} else {
			err = context.Canceled
		}
	}
	if b.metrics != nil {
		b.metrics.ProcessDur.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		b.failed.Add(1)
		if b.metrics != nil {
			b.metrics.Failed.Inc()
		}
		b.logger.Warn().Err(err).
			Str("event_id", ev.ID).
			Str("kind", string(ev.Kind)).
			Str("subscriber", sub.id).
			Msg("subscriber failed")
		return
	}
	b.processed.Add(1)
	if b.metrics != nil {
		b.metrics.Processed.Inc()
	}
}

// safeCall isolates subscriber panics from the bus.
func (b *Bus) safeCall(sub *subscriber, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return sub.handler(ev)
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "subscriber panic" }

// WaitForQueueEmpty blocks until every queue and in-flight delivery has
// drained, or ctx expires.
func (b *Bus) WaitForQueueEmpty(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		b.prioMu.Lock()
		prioLen := len(b.priority)
		b.prioMu.Unlock()
		if prioLen == 0 && len(b.normal) == 0 && b.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Stats snapshots the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Processed: b.processed.Load(),
		Failed:    b.failed.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close stops dispatch and the worker pool. Events published after Close
// are ignored. Idempotent.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.pool.Stop()
}
