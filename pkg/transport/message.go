// Package transport defines the wire-facing surface of the client: the
// message envelope, the Transport interface, its websocket and NATS
// implementations, and the connection manager with its scope-leased pool.
package transport

import (
	"time"

	"github.com/adred-codev/gameclient/pkg/identity"
	"github.com/adred-codev/gameclient/pkg/types"
)

// MessageType tags one envelope. The core requires only that a transport
// deliver discrete, ordered, typed messages of these kinds.
type MessageType string

const (
	// Client → server.
	TypeAuth        MessageType = "auth"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeCallReducer MessageType = "call_reducer"

	// Server → client.
	TypeAuthAck         MessageType = "auth_ack"
	TypeSubscribeAck    MessageType = "subscribe_ack"
	TypeInitialData     MessageType = "initial_data"
	TypeTableDelta      MessageType = "table_delta"
	TypeReducerResponse MessageType = "reducer_response"
	TypeError           MessageType = "error"
	TypeHeartbeat       MessageType = "heartbeat"
)

// DeltaOp is the table delta operation.
type DeltaOp string

const (
	OpInsert DeltaOp = "insert"
	OpUpdate DeltaOp = "update"
	OpDelete DeltaOp = "delete"
)

// Reducer response status and the server error codes the dispatcher
// treats as retryable.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"

	CodeServerError    = "SERVER_ERROR"
	CodeTemporaryError = "TEMPORARY_ERROR"
	CodeRateLimited    = "RATE_LIMITED"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodePermission     = "PERMISSION_DENIED"
	CodeValidation     = "VALIDATION_ERROR"
)

// Message is the envelope every transport carries. Fields are populated
// per type; unused fields stay zero and are omitted on the wire.
type Message struct {
	Type MessageType `json:"type"`

	// Subscription fields.
	Table  string           `json:"table,omitempty"`
	Tables []string         `json:"tables,omitempty"`
	Op     DeltaOp          `json:"op,omitempty"`
	Row    types.TableRow   `json:"row,omitempty"`
	OldRow types.TableRow   `json:"old_row,omitempty"`
	Rows   []types.TableRow `json:"rows,omitempty"`

	// Reducer fields.
	RequestID string         `json:"request_id,omitempty"`
	Reducer   string         `json:"reducer,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Status    string         `json:"status,omitempty"`
	Result    map[string]any `json:"result,omitempty"`

	// Error fields.
	Code   string `json:"code,omitempty"`
	ErrMsg string `json:"error,omitempty"`

	// Authentication fields.
	Auth      *identity.AuthRequest `json:"auth,omitempty"`
	Challenge string                `json:"challenge,omitempty"` // base64
	Token     *identity.Token       `json:"token,omitempty"`

	// Sequencing and timing, best effort.
	Seq       int64 `json:"seq,omitempty"`
	Timestamp int64 `json:"ts,omitempty"` // unix nanos
}

// NewMessage stamps an envelope with the current time.
func NewMessage(t MessageType) *Message {
	return &Message{Type: t, Timestamp: time.Now().UnixNano()}
}
