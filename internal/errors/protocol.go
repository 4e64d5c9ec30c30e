package errors

import (
	"encoding/json"

	"go.uber.org/zap/zapcore"
)

// ErrorKind enumerates the wire-level error kinds a client can receive,
// per the downstream error body contract.
type ErrorKind string

const (
	KindAuthInvalidated              ErrorKind = "AuthInvalidated"
	KindClientNotFound               ErrorKind = "ClientNotFound"
	KindInvalidConnectionRequest     ErrorKind = "InvalidConnectionRequest"
	KindInvalidConnectionBaseCookie  ErrorKind = "InvalidConnectionRequestBaseCookie"
	KindInvalidConnectionLastMutID   ErrorKind = "InvalidConnectionRequestLastMutationID"
	KindInvalidConnectionClientGone  ErrorKind = "InvalidConnectionRequestClientDeleted"
	KindInvalidMessage               ErrorKind = "InvalidMessage"
	KindInvalidPush                  ErrorKind = "InvalidPush"
	KindPushFailed                   ErrorKind = "PushFailed"
	KindTransformFailed              ErrorKind = "TransformFailed"
	KindMutationFailed               ErrorKind = "MutationFailed"
	KindMutationRateLimited          ErrorKind = "MutationRateLimited"
	KindRebalance                    ErrorKind = "Rebalance"
	KindRehome                       ErrorKind = "Rehome"
	KindUnauthorized                 ErrorKind = "Unauthorized"
	KindVersionNotSupported          ErrorKind = "VersionNotSupported"
	KindSchemaVersionNotSupported    ErrorKind = "SchemaVersionNotSupported"
	KindServerOverloaded             ErrorKind = "ServerOverloaded"
	KindInternal                     ErrorKind = "Internal"
)

// Origin identifies which side of the push boundary produced an error body.
type Origin string

const (
	OriginServer    Origin = "server"
	OriginZeroCache Origin = "zero-cache"
)

// backoffKinds carry optional reconnect-pacing hints.
var backoffKinds = map[ErrorKind]bool{
	KindRebalance:        true,
	KindRehome:           true,
	KindServerOverloaded: true,
}

// ErrorBody is the wire shape sent to clients on the downstream "error"
// message and mirrors spec.md §6 exactly.
type ErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Origin  Origin    `json:"origin"`

	MinBackoffMs    *int64          `json:"minBackoffMs,omitempty"`
	MaxBackoffMs    *int64          `json:"maxBackoffMs,omitempty"`
	ReconnectParams json.RawMessage `json:"reconnectParams,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
}

// WithBackoff attaches reconnect-pacing hints; only meaningful for the
// Rebalance/Rehome/ServerOverloaded kinds.
func (b ErrorBody) WithBackoff(minMs, maxMs int64) ErrorBody {
	b.MinBackoffMs = &minMs
	b.MaxBackoffMs = &maxMs
	return b
}

// IsBackoffHint reports whether this kind carries reconnect pacing.
func (k ErrorKind) IsBackoffHint() bool {
	return backoffKinds[k]
}

// ProtocolError is an error that carries a client-facing ErrorBody and an
// optional explicit log level. Wrapping layers can recover the original
// body with errors.As(err, &protocolErr).
type ProtocolError struct {
	Body  ErrorBody
	Level zapcore.Level
	cause error
}

// NewProtocolError builds a ProtocolError defaulting to zap's warn level,
// per spec.md §7 ("Protocol errors default to warn").
func NewProtocolError(kind ErrorKind, origin Origin, message string) *ProtocolError {
	return &ProtocolError{
		Body:  ErrorBody{Kind: kind, Message: message, Origin: origin},
		Level: zapcore.WarnLevel,
	}
}

// WithLevel returns a copy of e with an explicit log level override —
// the ProtocolErrorWithLevel variant of spec.md §7.
func (e *ProtocolError) WithLevel(level zapcore.Level) *ProtocolError {
	cp := *e
	cp.Level = level
	return &cp
}

// WithCause attaches an underlying error for %+v / Unwrap chains without
// changing the client-facing body.
func (e *ProtocolError) WithCause(cause error) *ProtocolError {
	cp := *e
	cp.cause = cause
	return &cp
}

// WithDetails attaches arbitrary structured detail to the client-facing
// body (e.g. the mutation IDs a PushFailed error was raised for).
func (e *ProtocolError) WithDetails(details json.RawMessage) *ProtocolError {
	cp := *e
	cp.Body.Details = details
	return &cp
}

func (e *ProtocolError) Error() string {
	if e.Body.Message != "" {
		return string(e.Body.Kind) + ": " + e.Body.Message
	}
	return string(e.Body.Kind)
}

func (e *ProtocolError) Unwrap() error {
	return e.cause
}

// Unauthorized is a convenience constructor used throughout §4.5.
func Unauthorized(message string) *ProtocolError {
	return NewProtocolError(KindUnauthorized, OriginZeroCache, message)
}

// AuthInvalidated is a convenience constructor used by the pusher (§4.6)
// and auth session (§4.5).
func AuthInvalidated(message string) *ProtocolError {
	return NewProtocolError(KindAuthInvalidated, OriginZeroCache, message)
}

// InvalidPush is a convenience constructor used by the pusher (§4.6).
func InvalidPush(message string) *ProtocolError {
	return NewProtocolError(KindInvalidPush, OriginZeroCache, message)
}

// PushFailed is a convenience constructor used by the pusher (§4.6).
func PushFailed(message string) *ProtocolError {
	return NewProtocolError(KindPushFailed, OriginZeroCache, message)
}

// Internal wraps an arbitrary error as the catch-all Internal kind,
// matching Connection.closeWithThrown's fallback in spec.md §4.10.
func Internal(cause error) *ProtocolError {
	msg := "internal error"
	if cause != nil {
		msg = cause.Error()
	}
	return (&ProtocolError{
		Body:  ErrorBody{Kind: KindInternal, Message: msg, Origin: OriginZeroCache},
		Level: zapcore.ErrorLevel,
	}).WithCause(cause)
}

// LevelOf returns the log level a given error should be reported at:
// the explicit level on a ProtocolError, or zap's error level otherwise,
// per spec.md §7 ("Log level selection").
func LevelOf(err error) zapcore.Level {
	var pe *ProtocolError
	if As(err, &pe) {
		return pe.Level
	}
	return zapcore.ErrorLevel
}

// BodyOf extracts the ErrorBody carried by err, wrapping it as Internal
// if err is not already a ProtocolError — mirroring closeWithThrown's
// "if the thrown value carries an errorBody attribute, use it; otherwise
// wrap as Internal" rule from spec.md §4.10.
func BodyOf(err error) ErrorBody {
	var pe *ProtocolError
	if As(err, &pe) {
		return pe.Body
	}
	return Internal(err).Body
}
