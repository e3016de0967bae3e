// Package mailerr defines the error kinds shared by every layer of the server
// and their mapping to stable external error codes.
package mailerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions and external reporting
type Kind int

const (
	// KindInternal is any error that does not carry a more specific kind
	KindInternal Kind = iota
	KindInvalidArgument
	KindConflict
	KindNotFound
	KindAuthentication
	KindConnection
	KindUnauthorized
	KindStaleReference
)

// Stable external codes. Clients may branch on these values.
const (
	CodeInternal        = "internal"
	CodeInvalidArgument = "invalid_argument"
	CodeConflict        = "conflict"
	CodeNotFound        = "not_found"
	CodeAuthentication  = "authentication_failed"
	CodeConnection      = "connection_error"
	CodeUnauthorized    = "unauthorized"
	CodeStaleReference  = "uid_validity_changed"
)

// String returns the external code of the kind
func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return CodeInvalidArgument
	case KindConflict:
		return CodeConflict
	case KindNotFound:
		return CodeNotFound
	case KindAuthentication:
		return CodeAuthentication
	case KindConnection:
		return CodeConnection
	case KindUnauthorized:
		return CodeUnauthorized
	case KindStaleReference:
		return CodeStaleReference
	default:
		return CodeInternal
	}
}

// Error is a classified error
type Error struct {
	Kind Kind   // Classification
	Op   string // Stage that failed, e.g. "connect" or "smtp.data"
	Msg  string // Message safe to return to clients
	Err  error  // Underlying cause, never shown to clients
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Msg != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels usable with errors.Is
var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrAuthentication  = &Error{Kind: KindAuthentication}
	ErrConnection      = &Error{Kind: KindConnection}
	ErrUnauthorized    = &Error{Kind: KindUnauthorized}
	ErrStaleReference  = &Error{Kind: KindStaleReference}
)

// New creates a classified error without a cause
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. The message is what clients see.
func Wrap(kind Kind, op string, err error, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// InvalidArgument creates an invalid-argument error
func InvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, format, args...)
}

// NotFound creates a not-found error
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict creates a conflict error
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// OpOf returns the stage recorded on the first classified error in err's chain
func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// Code returns the external code for err
func Code(err error) string {
	return KindOf(err).String()
}

// IsRetryable reports whether an operation that failed with err may be
// attempted once more. Only connection failures qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConnection
}

// Message returns the client-facing message for err. Internal errors are
// reduced to a generic message.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return "internal error"
	}
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.String()
}
