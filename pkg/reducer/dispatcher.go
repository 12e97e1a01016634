// Package reducer invokes server-side reducers and correlates their
// asynchronous responses back to the calling goroutine.
package reducer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/errs"
	"github.com/adred-codev/gameclient/pkg/events"
	"github.com/adred-codev/gameclient/pkg/resilience"
	"github.com/adred-codev/gameclient/pkg/transport"
)

const (
	// DefaultCallTimeout bounds a call when the caller's context has no
	// deadline of its own.
	DefaultCallTimeout = 30 * time.Second
	// lateGrace is how long a completed request id is remembered so a
	// late response is recognized, logged and discarded instead of being
	// mistaken for an unknown one.
	lateGrace = 5 * time.Second
)

// Sender pushes one envelope to the server.
type Sender func(ctx context.Context, msg *transport.Message) error

// Metrics holds the dispatcher's prometheus collectors.
type Metrics struct {
	Calls    *prometheus.CounterVec // reducer, result
	InFlight prometheus.Gauge
	Latency  prometheus.Histogram
}

// NewDispatcherMetrics registers the dispatcher collectors.
func NewDispatcherMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameclient_reducer_calls_total",
			Help: "Reducer calls by name and result.",
		}, []string{"reducer", "result"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gameclient_reducer_inflight",
			Help: "Reducer calls awaiting a response.",
		}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gameclient_reducer_latency_seconds",
			Help:    "Round-trip time of completed reducer calls.",
			Buckets: prometheus.ExponentialBuckets(1e-3, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Calls, m.InFlight, m.Latency)
	}
	return m
}

type pendingCall struct {
	reducer string
	ch      chan *transport.Message
}

// Dispatcher sends call_reducer envelopes and routes reducer_response
// envelopes back by request id. Every attempt gets a fresh id; a
// response for a retired id within the grace window is logged and
// discarded.
type Dispatcher struct {
	sender  Sender
	retry   *resilience.RetryManager
	bus     *events.Bus
	logger  zerolog.Logger
	metrics *Metrics

	mu        sync.Mutex
	pending   map[string]*pendingCall
	graveyard map[string]time.Time

	closed atomic.Bool
}

// NewDispatcher builds a dispatcher. retry may be nil, in which case the
// default policy applies: 3 attempts, exponential doubling, 10s cap.
// bus and metrics may be nil.
func NewDispatcher(sender Sender, retry *resilience.RetryManager, bus *events.Bus, logger zerolog.Logger, metrics *Metrics) *Dispatcher {
	if retry == nil {
		retry = resilience.NewRetryManager(resilience.RetryConfig{
			Strategy:    resilience.StrategyExponential,
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Multiplier:  2,
			MaxDelay:    10 * time.Second,
		}, logger)
	}
	return &Dispatcher{
		sender:    sender,
		retry:     retry,
		bus:       bus,
		logger:    logger.With().Str("component", "reducer").Logger(),
		metrics:   metrics,
		pending:   make(map[string]*pendingCall),
		graveyard: make(map[string]time.Time),
	}
}

// Call invokes a reducer, retrying on transient server codes and
// transport timeouts. Returns the reducer result on success.
func (d *Dispatcher) Call(ctx context.Context, reducer string, args map[string]any) (map[string]any, error) {
	var result map[string]any
	err := d.retry.Do(ctx, "reducer."+reducer, func(ctx context.Context) error {
		var attemptErr error
		result, attemptErr = d.attempt(ctx, reducer, args)
		return attemptErr
	})
	d.count(reducer, err)
	d.publish(reducer, err)
	return result, err
}

// CallStrict invokes a reducer with exactly one attempt. Transient
// failures surface to the caller untouched.
func (d *Dispatcher) CallStrict(ctx context.Context, reducer string, args map[string]any) (map[string]any, error) {
	result, err := d.attempt(ctx, reducer, args)
	d.count(reducer, err)
	d.publish(reducer, err)
	return result, err
}

// CallSafe invokes a reducer and absorbs any failure, logging it. For
// fire-and-forget game actions where the next state snapshot supersedes
// the outcome anyway.
func (d *Dispatcher) CallSafe(ctx context.Context, reducer string, args map[string]any) map[string]any {
	result, err := d.Call(ctx, reducer, args)
	if err != nil {
		d.logger.Warn().Err(err).Str("reducer", reducer).Msg("reducer call absorbed")
		return nil
	}
	return result
}

// attempt performs one request/response round trip under a fresh id.
func (d *Dispatcher) attempt(ctx context.Context, reducer string, args map[string]any) (map[string]any, error) {
	const op = "reducer.call"
	if d.closed.Load() {
		return nil, errs.New(errs.KindCancelled, op, "dispatcher is closed")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	requestID := uuid.NewString()
	pc := &pendingCall{reducer: reducer, ch: make(chan *transport.Message, 1)}
	d.mu.Lock()
	d.pending[requestID] = pc
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.InFlight.Inc()
	}
	start := time.Now()
	defer d.retire(requestID)

	msg := transport.NewMessage(transport.TypeCallReducer)
	msg.RequestID = requestID
	msg.Reducer = reducer
	msg.Args = args
	if err := d.sender(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-pc.ch:
		if d.metrics != nil {
			d.metrics.Latency.Observe(time.Since(start).Seconds())
		}
		return d.interpret(reducer, resp)
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, op, ctx.Err())
	}
}

// interpret maps a reducer_response envelope onto the error taxonomy.
func (d *Dispatcher) interpret(reducer string, resp *transport.Message) (map[string]any, error) {
	const op = "reducer.call"
	if resp.Status == transport.StatusSuccess {
		return resp.Result, nil
	}
	switch resp.Code {
	case transport.CodeServerError, transport.CodeTemporaryError, transport.CodeRateLimited:
		return nil, errs.New(errs.KindServerUnavailable, op, "reducer %s failed: %s (%s)", reducer, resp.ErrMsg, resp.Code)
	case transport.CodeUnauthorized:
		return nil, errs.New(errs.KindUnauthenticated, op, "reducer %s rejected: %s", reducer, resp.ErrMsg)
	case transport.CodePermission:
		return nil, errs.New(errs.KindPermissionDenied, op, "reducer %s rejected: %s", reducer, resp.ErrMsg)
	case transport.CodeValidation:
		return nil, errs.New(errs.KindValidation, op, "reducer %s rejected: %s", reducer, resp.ErrMsg)
	case "CANCELLED":
		return nil, errs.New(errs.KindCancelled, op, "reducer %s cancelled", reducer)
	default:
		return nil, errs.New(errs.KindGameState, op, "reducer %s failed: %s (%s)", reducer, resp.ErrMsg, resp.Code)
	}
}

// retire moves a request id into the grace-window graveyard.
func (d *Dispatcher) retire(requestID string) {
	d.mu.Lock()
	if _, ok := d.pending[requestID]; ok {
		delete(d.pending, requestID)
		d.graveyard[requestID] = time.Now()
		time.AfterFunc(lateGrace, func() {
			d.mu.Lock()
			delete(d.graveyard, requestID)
			d.mu.Unlock()
		})
	}
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.InFlight.Dec()
	}
}

// Cancel aborts a pending call; its caller observes a cancelled error.
// Returns false when the id is not pending.
func (d *Dispatcher) Cancel(requestID string) bool {
	d.mu.Lock()
	pc, ok := d.pending[requestID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	resp := transport.NewMessage(transport.TypeReducerResponse)
	resp.RequestID = requestID
	resp.Status = transport.StatusFailed
	resp.Code = "CANCELLED"
	resp.ErrMsg = "cancelled by caller"
	select {
	case pc.ch <- resp:
	default:
	}
	return true
}

// Close rejects further calls and cancels every pending one, releasing
// the waiting callers immediately instead of leaving them to wait out
// their timeouts. Idempotent.
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	for _, id := range d.Pending() {
		d.Cancel(id)
	}
}

// Pending lists the in-flight request ids.
func (d *Dispatcher) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.pending))
	for id := range d.pending {
		out = append(out, id)
	}
	return out
}

// HandleMessage consumes reducer_response envelopes from the router.
func (d *Dispatcher) HandleMessage(msg *transport.Message) {
	if msg.Type != transport.TypeReducerResponse || msg.RequestID == "" {
		return
	}
	d.mu.Lock()
	pc, ok := d.pending[msg.RequestID]
	var late bool
	if !ok {
		_, late = d.graveyard[msg.RequestID]
	}
	d.mu.Unlock()

	if ok {
		select {
		case pc.ch <- msg:
		default: // a second response for the same id; first one wins
		}
		return
	}
	if late {
		d.logger.Info().
			Str("request_id", msg.RequestID).
			Str("status", msg.Status).
			Msg("late reducer response discarded")
		return
	}
	d.logger.Warn().Str("request_id", msg.RequestID).Msg("response for unknown request id")
}

func (d *Dispatcher) count(reducer string, err error) {
	if d.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.Calls.WithLabelValues(reducer, result).Inc()
}

func (d *Dispatcher) publish(reducer string, err error) {
	if d.bus == nil {
		return
	}
	data := map[string]any{"name": events.NameReducerCompleted, "reducer": reducer, "success": err == nil}
	if err != nil {
		data["error"] = err.Error()
	}
	d.bus.Publish(events.New(events.KindReducer, events.PriorityNormal, "reducer", data))
}
