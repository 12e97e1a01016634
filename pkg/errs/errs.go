// Package errs defines the closed error taxonomy shared by every component
// of the client runtime.
//
// Errors are tagged variants, not a class hierarchy: each error carries a
// Kind from a closed set plus optional context (operation, table, field,
// row id, server code). Components translate raw failures (socket errors,
// decode failures, server codes) into this taxonomy at the boundary where
// they occur; everything above that boundary only inspects Kind.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one variant of the error taxonomy.
type Kind int

const (
	KindUnknown Kind = iota

	// Transport errors. Retryable unless stated otherwise.
	KindConnectionLost
	KindServerUnavailable
	KindTimeout
	KindProtocolMismatch // not retryable: the dialect is wrong, not the network

	// Authentication errors. Not retryable without re-authentication.
	KindUnauthenticated
	KindTokenExpired
	KindSignatureInvalid

	// Data errors. Not retryable.
	KindValidation
	KindDecode
	KindSchemaVersionMismatch

	// Domain errors. Not retryable.
	KindGameState
	KindPermissionDenied

	// Control errors. Not retryable at the raising layer.
	KindCircuitOpen
	KindCancelled
	KindDeadlineExceeded

	// Configuration errors are fatal at startup.
	KindConfig
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindConnectionLost:        "connection_lost",
	KindServerUnavailable:     "server_unavailable",
	KindTimeout:               "timeout",
	KindProtocolMismatch:      "protocol_mismatch",
	KindUnauthenticated:       "unauthenticated",
	KindTokenExpired:          "token_expired",
	KindSignatureInvalid:      "signature_invalid",
	KindValidation:            "validation",
	KindDecode:                "decode",
	KindSchemaVersionMismatch: "schema_version_mismatch",
	KindGameState:             "game_state",
	KindPermissionDenied:      "permission_denied",
	KindCircuitOpen:           "circuit_open",
	KindCancelled:             "cancelled",
	KindDeadlineExceeded:      "deadline_exceeded",
	KindConfig:                "config",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the kind is retryable by default.
// Individual errors may veto via the Retryable() method (see IsRetryable).
func (k Kind) Retryable() bool {
	switch k {
	case KindConnectionLost, KindServerUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is the single concrete error type of the taxonomy.
type Error struct {
	Kind  Kind
	Op    string // operation that failed, e.g. "reducer.call"
	Table string // table name, when table-scoped
	Field string // offending field path, for validation errors
	RowID string // offending row id, for validation errors
	Code  string // server-reported error code, when present
	Msg   string // human-readable detail
	Err   error  // wrapped cause, may be nil

	// retryVeto overrides the kind's default retryability when set.
	retryVeto *bool
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Field != "" {
		s += " field=" + e.Field
	}
	if e.RowID != "" {
		s += " row=" + e.RowID
	}
	if e.Code != "" {
		s += " code=" + e.Code
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two taxonomy errors by kind, so callers can write
// errors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports this error's effective retryability.
func (e *Error) Retryable() bool {
	if e.retryVeto != nil {
		return *e.retryVeto
	}
	return e.Kind.Retryable()
}

// WithRetryable overrides the default retryability of the error's kind.
func (e *Error) WithRetryable(ok bool) *Error {
	e.retryVeto = &ok
	return e
}

// New builds a taxonomy error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and operation.
// A nil cause returns nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	// Re-tagging an already-tagged error keeps the inner context.
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation builds a data validation error carrying the offending row id
// and field path, as required for decoder and cache diagnostics.
func Validation(op, rowID, field, format string, args ...any) *Error {
	return &Error{
		Kind:  KindValidation,
		Op:    op,
		RowID: rowID,
		Field: field,
		Msg:   fmt.Sprintf(format, args...),
	}
}

// KindOf extracts the taxonomy kind from any error, unwrapping as needed.
// Untagged errors report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err may be retried. Tagged errors decide via
// kind default plus per-error veto; untagged errors are never retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
