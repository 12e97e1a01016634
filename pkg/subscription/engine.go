package subscription

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/codec"
	"github.com/adred-codev/gameclient/pkg/errs"
	"github.com/adred-codev/gameclient/pkg/events"
	"github.com/adred-codev/gameclient/pkg/transport"
	"github.com/adred-codev/gameclient/pkg/types"
)

// Sender pushes one envelope to the server. The facade wires this to the
// connection manager.
type Sender func(ctx context.Context, msg *transport.Message) error

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	CachedRows prometheus.GaugeVec
	Deltas     prometheus.CounterVec
	Violations prometheus.Counter
}

// NewEngineMetrics registers the subscription collectors.
func NewEngineMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CachedRows: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gameclient_subscription_cached_rows",
			Help: "Rows held in the local cache per table.",
		}, []string{"table"}),
		Deltas: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameclient_subscription_deltas_total",
			Help: "Table deltas applied, by table and operation.",
		}, []string{"table", "op"}),
		Violations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gameclient_subscription_ownership_violations_total",
			Help: "Inserted rows whose owner is not a cached player.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CachedRows, m.Deltas, m.Violations)
	}
	return m
}

type tableState struct {
	state SubState
	rows  map[string]types.TableRow
}

// Engine maintains the client-side mirror of subscribed tables.
//
// The server is authoritative: deltas are applied as received, in order.
// A duplicate insert overwrites the cached row like an update. Ownership
// violations (an inserted row naming an owner the players cache does not
// hold) are logged and counted but still applied, since rejecting them
// would desynchronize the mirror.
type Engine struct {
	sender   Sender
	pipeline *codec.Pipeline
	bus      *events.Bus
	logger   zerolog.Logger
	metrics  *Metrics

	mu     sync.RWMutex
	tables map[string]*tableState
}

// NewEngine builds the subscription engine. bus and metrics may be nil.
func NewEngine(sender Sender, pipeline *codec.Pipeline, bus *events.Bus, logger zerolog.Logger, metrics *Metrics) *Engine {
	return &Engine{
		sender:   sender,
		pipeline: pipeline,
		bus:      bus,
		logger:   logger.With().Str("component", "subscription").Logger(),
		metrics:  metrics,
		tables:   make(map[string]*tableState),
	}
}

// State reports one table's subscription state.
func (e *Engine) State(table string) SubState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ts, ok := e.tables[table]; ok {
		return ts.state
	}
	return SubInactive
}

// setStateLocked transitions one table and publishes the change. Caller
// holds e.mu.
func (e *Engine) setStateLocked(table string, ts *tableState, next SubState) {
	prev := ts.state
	if prev == next {
		return
	}
	ts.state = next
	e.logger.Info().
		Str("table", table).
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("subscription state changed")
	if e.bus != nil {
		e.bus.Publish(events.New(events.KindSubscription, events.PriorityNormal, "subscription", map[string]any{
			"name":  events.NameSubscriptionStateChanged,
			"table": table,
			"from":  prev.String(),
			"to":    next.String(),
		}))
	}
}

// Subscribe requests the given tables and moves them to Subscribing. The
// server answers with an ack and then the initial snapshot.
func (e *Engine) Subscribe(ctx context.Context, tables ...string) error {
	const op = "subscription.subscribe"
	if len(tables) == 0 {
		return errs.New(errs.KindValidation, op, "no tables given")
	}

	e.mu.Lock()
	pending := make([]string, 0, len(tables))
	for _, table := range tables {
		ts := e.tables[table]
		if ts == nil {
			ts = &tableState{rows: make(map[string]types.TableRow)}
			e.tables[table] = ts
		}
		switch ts.state {
		case SubActive, SubSubscribing:
			continue // already on the way
		}
		e.setStateLocked(table, ts, SubSubscribing)
		pending = append(pending, table)
	}
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	msg := transport.NewMessage(transport.TypeSubscribe)
	msg.Tables = pending
	if err := e.sender(ctx, msg); err != nil {
		e.mu.Lock()
		for _, table := range pending {
			if ts := e.tables[table]; ts != nil && ts.state == SubSubscribing {
				e.setStateLocked(table, ts, SubInactive)
			}
		}
		e.mu.Unlock()
		return errs.Wrap(errs.KindOf(err), op, err)
	}
	return nil
}

// Unsubscribe tears the given tables down and clears their caches once
// the server acknowledges.
func (e *Engine) Unsubscribe(ctx context.Context, tables ...string) error {
	const op = "subscription.unsubscribe"

	e.mu.Lock()
	pending := make([]string, 0, len(tables))
	for _, table := range tables {
		ts := e.tables[table]
		if ts == nil || ts.state == SubInactive || ts.state == SubUnsubscribing {
			continue
		}
		e.setStateLocked(table, ts, SubUnsubscribing)
		pending = append(pending, table)
	}
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	msg := transport.NewMessage(transport.TypeUnsubscribe)
	msg.Tables = pending
	if err := e.sender(ctx, msg); err != nil {
		return errs.Wrap(errs.KindOf(err), op, err)
	}
	return nil
}

// ActiveTables lists tables not in the Inactive or Failed state, for
// re-subscription after a reconnect.
func (e *Engine) ActiveTables() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.tables))
	for table, ts := range e.tables {
		switch ts.state {
		case SubSubscribing, SubActive:
			out = append(out, table)
		}
	}
	return out
}

// Resubscribe replays subscriptions for every live table. Called by the
// facade after the connection comes back.
func (e *Engine) Resubscribe(ctx context.Context) error {
	tables := e.ActiveTables()
	if len(tables) == 0 {
		return nil
	}
	// Reset to Inactive so Subscribe re-issues the request.
	e.mu.Lock()
	for _, table := range tables {
		if ts := e.tables[table]; ts != nil {
			e.setStateLocked(table, ts, SubInactive)
		}
	}
	e.mu.Unlock()
	return e.Subscribe(ctx, tables...)
}

// HandleMessage consumes one inbound envelope. The connection manager's
// router feeds subscription-related messages here.
func (e *Engine) HandleMessage(msg *transport.Message) {
	switch msg.Type {
	case transport.TypeSubscribeAck:
		e.handleAck(msg)
	case transport.TypeInitialData:
		e.handleInitial(msg)
	case transport.TypeTableDelta:
		e.handleDelta(msg)
	case transport.TypeError:
		e.handleError(msg)
	}
}

func (e *Engine) handleAck(msg *transport.Message) {
	tables := msg.Tables
	if msg.Table != "" {
		tables = append(tables, msg.Table)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, table := range tables {
		ts := e.tables[table]
		if ts == nil {
			continue
		}
		switch ts.state {
		case SubSubscribing:
			// The snapshot may still be in flight, but the subscription
			// itself is live; an empty table never sends initial rows.
			e.setStateLocked(table, ts, SubActive)
		case SubUnsubscribing:
			ts.rows = make(map[string]types.TableRow)
			e.setStateLocked(table, ts, SubInactive)
			e.gauge(table, 0)
		}
	}
}

// handleInitial loads the snapshot. Individual row events are suppressed;
// one aggregate event announces the table is populated.
func (e *Engine) handleInitial(msg *transport.Message) {
	table := msg.Table
	spec := specFor(table)

	loaded := 0
	e.mu.Lock()
	ts := e.tables[table]
	if ts == nil {
		ts = &tableState{rows: make(map[string]types.TableRow)}
		e.tables[table] = ts
	}
	for _, raw := range msg.Rows {
		row, err := e.pipeline.AdaptInbound(spec.typeName, raw)
		if err != nil {
			e.logger.Warn().Err(err).Str("table", table).Msg("snapshot row rejected")
			continue
		}
		ts.rows[types.RowID(row, spec.pkField)] = row
		loaded++
	}
	e.setStateLocked(table, ts, SubActive)
	size := len(ts.rows)
	e.mu.Unlock()
	e.gauge(table, size)

	e.logger.Info().Str("table", table).Int("rows", loaded).Msg("initial snapshot loaded")
	if e.bus != nil {
		e.bus.Publish(events.New(events.KindSubscription, events.PriorityNormal, "subscription", map[string]any{
			"name":  events.NameInitialDataReceived,
			"table": table,
			"rows":  loaded,
		}))
	}
}

func (e *Engine) handleDelta(msg *transport.Message) {
	table := msg.Table
	spec := specFor(table)

	var row types.TableRow
	var err error
	switch msg.Op {
	case transport.OpDelete:
		// Delete deltas may carry the old row; adaptation still applies
		// so the primary key is in internal form.
		raw := msg.Row
		if raw == nil {
			raw = msg.OldRow
		}
		row, err = e.pipeline.AdaptInbound(spec.typeName, raw)
	default:
		row, err = e.pipeline.AdaptInbound(spec.typeName, msg.Row)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("table", table).Str("op", string(msg.Op)).Msg("delta row rejected")
		return
	}
	pk := types.RowID(row, spec.pkField)

	e.mu.Lock()
	ts := e.tables[table]
	if ts == nil || ts.state != SubActive && ts.state != SubSubscribing {
		e.mu.Unlock()
		e.logger.Debug().Str("table", table).Msg("delta for non-subscribed table dropped")
		return
	}
	var prev types.TableRow
	switch msg.Op {
	case transport.OpInsert:
		e.checkOwnerLocked(table, row)
		if _, dup := ts.rows[pk]; dup {
			// Authoritative stream: a duplicate insert is an update.
			e.logger.Debug().Str("table", table).Str("pk", pk).Msg("duplicate insert treated as update")
		}
		ts.rows[pk] = row
	case transport.OpUpdate:
		prev = ts.rows[pk]
		ts.rows[pk] = row
	case transport.OpDelete:
		prev = ts.rows[pk]
		delete(ts.rows, pk)
	default:
		e.mu.Unlock()
		e.logger.Warn().Str("op", string(msg.Op)).Msg("unknown delta op")
		return
	}
	size := len(ts.rows)
	e.mu.Unlock()

	e.gauge(table, size)
	if e.metrics != nil {
		e.metrics.Deltas.WithLabelValues(table, string(msg.Op)).Inc()
	}
	e.publishDelta(table, msg.Op, row, prev)
}

// checkOwnerLocked verifies an inserted row's owner against the cached
// players table: a set owner must name a player the cache holds at
// insert time. Dangling owners are logged and counted; the row is still
// applied. Caller holds e.mu.
func (e *Engine) checkOwnerLocked(table string, row types.TableRow) {
	if table == "players" {
		return
	}
	owner := types.RowID(row, "owner_id")
	if owner == "" {
		return
	}
	if players := e.tables["players"]; players != nil {
		if _, ok := players.rows[owner]; ok {
			return
		}
	}
	e.logger.Warn().
		Str("table", table).
		Str("owner", owner).
		Msg("inserted row names an owner the players cache does not hold")
	if e.metrics != nil {
		e.metrics.Violations.Inc()
	}
}

// publishDelta emits the generic table event plus the player/entity
// specializations the game layer listens for.
func (e *Engine) publishDelta(table string, op transport.DeltaOp, row, prev types.TableRow) {
	if e.bus == nil {
		return
	}
	var name string
	switch op {
	case transport.OpInsert:
		name = events.NameTableInsert
	case transport.OpUpdate:
		name = events.NameTableUpdate
	case transport.OpDelete:
		name = events.NameTableDelete
	}
	data := map[string]any{"name": name, "table": table, "row": row}
	if prev != nil {
		data["old_row"] = prev
	}
	e.bus.Publish(events.New(events.KindGameState, events.PriorityNormal, "subscription", data))

	switch {
	case table == "players" && op == transport.OpInsert:
		e.bus.Publish(events.New(events.KindPlayer, events.PriorityNormal, "subscription", map[string]any{
			"name": events.NamePlayerJoined, "row": row,
		}))
	case table == "players" && op == transport.OpDelete:
		e.bus.Publish(events.New(events.KindPlayer, events.PriorityNormal, "subscription", map[string]any{
			"name": events.NamePlayerLeft, "row": row,
		}))
	case table == "entities" && op == transport.OpInsert:
		e.bus.Publish(events.New(events.KindEntity, events.PriorityNormal, "subscription", map[string]any{
			"name": events.NameEntityCreated, "row": row,
		}))
	case table == "entities" && op == transport.OpDelete:
		e.bus.Publish(events.New(events.KindEntity, events.PriorityNormal, "subscription", map[string]any{
			"name": events.NameEntityDestroyed, "row": row,
		}))
	}
}

// handleError fails the named table's subscription.
func (e *Engine) handleError(msg *transport.Message) {
	if msg.Table == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ts := e.tables[msg.Table]
	if ts == nil {
		return
	}
	switch ts.state {
	case SubSubscribing, SubActive:
		e.logger.Error().
			Str("table", msg.Table).
			Str("code", msg.Code).
			Str("error", msg.ErrMsg).
			Msg("subscription failed")
		e.setStateLocked(msg.Table, ts, SubFailed)
	case SubUnsubscribing:
		// Teardown errors still end the subscription locally.
		ts.rows = make(map[string]types.TableRow)
		e.setStateLocked(msg.Table, ts, SubInactive)
	}
}

func (e *Engine) gauge(table string, size int) {
	if e.metrics != nil {
		e.metrics.CachedRows.WithLabelValues(table).Set(float64(size))
	}
}
