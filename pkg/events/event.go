// Package events implements the client's typed event bus: priority-ordered
// asynchronous delivery with middleware, filters, and composable
// throttling/batching/deduplication/aggregation/routing utilities.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of event categories. Game-level specializations
// (player joined, entity created, …) carry their own payload under Data
// but always fit one of these kinds.
type Kind string

const (
	KindConnection     Kind = "connection"
	KindAuthentication Kind = "authentication"
	KindSubscription   Kind = "subscription"
	KindGameState      Kind = "game_state"
	KindPlayer         Kind = "player"
	KindEntity         Kind = "entity"
	KindReducer        Kind = "reducer"
	KindSystem         Kind = "system"
	KindError          Kind = "error"
	KindDebug          Kind = "debug"
)

// Priority orders event classes. High and above go through the unbounded
// priority queue; Normal and below through the bounded FIFO queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Event is one bus message. Created by a publisher, handed to the bus,
// then shared-read by subscribers; never mutated after publish.
type Event struct {
	ID            string
	Timestamp     time.Time
	Kind          Kind
	Priority      Priority
	Source        string
	CorrelationID string
	Data          map[string]any
}

// New builds an event with a fresh id and timestamp.
func New(kind Kind, priority Priority, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Kind:      kind,
		Priority:  priority,
		Source:    source,
		Data:      data,
	}
}

// WithCorrelation sets the correlation id (builder-style, pre-publish only).
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// Name returns the game-level specialization name, when present.
func (e *Event) Name() string {
	if n, ok := e.Data["name"].(string); ok {
		return n
	}
	return ""
}

// Well-known specialization names used across the client.
const (
	NameSubscriptionStateChanged = "subscription_state_changed"
	NameInitialDataReceived      = "initial_data_received"
	NameTableInsert              = "table_insert"
	NameTableUpdate              = "table_update"
	NameTableDelete              = "table_delete"
	NameConnectionStateChanged   = "connection_state_changed"
	NamePlayerJoined             = "player_joined"
	NamePlayerLeft               = "player_left"
	NameEntityCreated            = "entity_created"
	NameEntityDestroyed          = "entity_destroyed"
	NameReducerCompleted         = "reducer_completed"
	NameTokenExpired             = "token_expired"
)
