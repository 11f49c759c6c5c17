package ledger

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds shared by the engine, the ledger
// server, and the remote client. Only the string names cross the wire.
type Kind string

const (
	KindNotFound         Kind = "NotFound"
	KindAlreadyExists    Kind = "AlreadyExists"
	KindAborted          Kind = "Aborted"
	KindNotRunning       Kind = "NotRunning"
	KindNonEmptyStack    Kind = "NonEmptyStack"
	KindDuplicateCallId  Kind = "DuplicateCallId"
	KindNotTop           Kind = "NotTop"
	KindUnknownCallId    Kind = "UnknownCallId"
	KindDuplicate        Kind = "Duplicate"
	KindUnknown          Kind = "Unknown"
	KindMalformed        Kind = "Malformed"
	KindLockTimeout      Kind = "LockTimeout"
	KindPermissionDenied Kind = "PermissionDenied"
	KindRetryExhausted   Kind = "RetryExhausted"
	KindDiscoveryFailed  Kind = "DiscoveryFailed"
	KindTransport        Kind = "Transport"
)

// Error is the concrete error type returned by every engine verb, the
// ledger server's HTTP handlers, and the remote client.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, &ledger.Error{Kind: ledger.KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError constructs an *Error with an optional wrapped cause.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, and
// KindTransport otherwise — the conservative default for opaque failures
// that crossed a network or filesystem boundary.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindTransport
}
