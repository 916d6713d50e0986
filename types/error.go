package types

import (
	"errors"
	"fmt"
)

// ErrorType is the coarse failure category reported to callers.
type ErrorType string

const (
	ErrorTypeProtocol ErrorType = "protocol_error"
	ErrorTypeAuth     ErrorType = "auth_error"
	ErrorTypeTimeout  ErrorType = "timeout_error"
	ErrorTypeRouting  ErrorType = "routing_error"
	ErrorTypeCapacity ErrorType = "capacity_error"
)

// ErrorCode identifies a specific failure within a category.
type ErrorCode string

// Lifecycle error codes
const (
	CodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	CodeAlreadyInitialized ErrorCode = "ALREADY_INITIALIZED"
)

// Protocol error codes
const (
	CodeUnsupportedProtocol ErrorCode = "UNSUPPORTED_PROTOCOL"
	CodeInvalidConfig       ErrorCode = "INVALID_CONFIG"
	CodeInvalidMessage      ErrorCode = "INVALID_MESSAGE"
	CodeDuplicateMessageID  ErrorCode = "DUPLICATE_MESSAGE_ID"
	CodeMalformedResponse   ErrorCode = "MALFORMED_RESPONSE"
	CodeRemoteError         ErrorCode = "REMOTE_ERROR"
)

// Auth error codes
const (
	CodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	CodeAuthRejected       ErrorCode = "AUTH_REJECTED"
)

// Timeout error codes
const (
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
)

// Routing error codes
const (
	CodeNotActive           ErrorCode = "NOT_ACTIVE"
	CodeUnreachable         ErrorCode = "UNREACHABLE"
	CodeConnectionClosed    ErrorCode = "CONNECTION_CLOSED"
	CodeCorrelationMismatch ErrorCode = "CORRELATION_MISMATCH"
	CodeNoActiveConnections ErrorCode = "NO_ACTIVE_CONNECTIONS"
	CodeBroadcastFailed     ErrorCode = "BROADCAST_FAILED"
	CodePeerUnavailable     ErrorCode = "PEER_UNAVAILABLE"
)

// Capacity error codes
const (
	CodePoolExhausted      ErrorCode = "POOL_EXHAUSTED"
	CodeAgentPoolExhausted ErrorCode = "AGENT_POOL_EXHAUSTED"
)

// Sentinels for errors.Is. Matching is by code, so a returned *Error with
// extra context still matches.
var (
	ErrNotInitialized      = NewError(ErrorTypeRouting, CodeNotInitialized, "transport not initialized")
	ErrAlreadyInitialized  = NewError(ErrorTypeProtocol, CodeAlreadyInitialized, "transport already initialized")
	ErrNotActive           = NewError(ErrorTypeRouting, CodeNotActive, "connection is not active")
	ErrNoActiveConnections = NewError(ErrorTypeRouting, CodeNoActiveConnections, "no active connections")
	ErrPoolExhausted       = NewError(ErrorTypeCapacity, CodePoolExhausted, "connection pool exhausted")
)

// Error is the structured failure surfaced by every transport operation.
type Error struct {
	Type     ErrorType      `json:"type"`
	Code     ErrorCode      `json:"code,omitempty"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
	Cause    error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := string(e.Type)
	if e.Code != "" {
		prefix = fmt.Sprintf("%s/%s", e.Type, e.Code)
	}
	msg := fmt.Sprintf("[%s] %s", prefix, e.Message)
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code, or the same type
// when target carries no code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Type == t.Type
}

// NewError creates a new Error.
func NewError(typ ErrorType, code ErrorCode, message string) *Error {
	return &Error{Type: typ, Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(typ ErrorType, code ErrorCode, format string, args ...any) *Error {
	return NewError(typ, code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithContext attaches a diagnostic key/value pair.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithAttempts records how many attempts were made before giving up.
func (e *Error) WithAttempts(n int) *Error {
	e.Attempts = n
	return e
}

// Clone returns a shallow copy with its own context map, so sentinel-derived
// errors can be annotated without mutating shared values.
func (e *Error) Clone() *Error {
	c := *e
	if e.Context != nil {
		c.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// Retryable reports whether another attempt could succeed.
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrorTypeTimeout:
		return true
	case ErrorTypeRouting:
		switch e.Code {
		case CodeNotActive, CodeNotInitialized, CodeNoActiveConnections, CodeBroadcastFailed:
			return false
		}
		return true
	default:
		return false
	}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable()
	}
	return false
}

// TypeOf extracts the error type from an error.
func TypeOf(err error) ErrorType {
	if e, ok := AsError(err); ok {
		return e.Type
	}
	return ""
}

// CodeOf extracts the error code from an error.
func CodeOf(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsType reports whether err carries the given error type.
func IsType(err error, typ ErrorType) bool {
	return TypeOf(err) == typ
}

// ProtocolError builds a protocol_error.
func ProtocolError(code ErrorCode, format string, args ...any) *Error {
	return Errorf(ErrorTypeProtocol, code, format, args...)
}

// AuthError builds an auth_error.
func AuthError(code ErrorCode, format string, args ...any) *Error {
	return Errorf(ErrorTypeAuth, code, format, args...)
}

// TimeoutError builds a timeout_error.
func TimeoutError(format string, args ...any) *Error {
	return Errorf(ErrorTypeTimeout, CodeDeadlineExceeded, format, args...)
}

// RoutingError builds a routing_error.
func RoutingError(code ErrorCode, format string, args ...any) *Error {
	return Errorf(ErrorTypeRouting, code, format, args...)
}

// CapacityError builds a capacity_error.
func CapacityError(code ErrorCode, format string, args ...any) *Error {
	return Errorf(ErrorTypeCapacity, code, format, args...)
}
