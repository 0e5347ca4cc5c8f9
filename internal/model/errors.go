// internal/model/errors.go
package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies connector and execution failures. Callers branch on
// the kind, never on error strings.
type ErrorKind int

const (
	// ErrNetwork is transient; the connector reconnects with backoff.
	ErrNetwork ErrorKind = iota + 1
	// ErrAuth is fatal to the session and never retried automatically.
	ErrAuth
	// ErrRateLimited is transient; the caller backs off per the
	// exchange-declared window.
	ErrRateLimited
	// ErrRejected is terminal for the specific order.
	ErrRejected
	// ErrInvalidParameters indicates a caller bug; never retried.
	ErrInvalidParameters
	// ErrRouting means no viable exchange was found.
	ErrRouting
	// ErrUnknownOutcome marks a timed-out trading operation whose true
	// result must be established by reconciliation.
	ErrUnknownOutcome
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNetwork:
		return "network_error"
	case ErrAuth:
		return "auth_error"
	case ErrRateLimited:
		return "rate_limited"
	case ErrRejected:
		return "rejected"
	case ErrInvalidParameters:
		return "invalid_parameters"
	case ErrRouting:
		return "routing_error"
	case ErrUnknownOutcome:
		return "unknown_outcome"
	default:
		return "internal_error"
	}
}

// Error is the typed error returned by connectors, the router and the
// executor. It wraps the underlying cause when there is one.
type Error struct {
	Kind     ErrorKind
	Exchange Exchange
	Op       string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Exchange != "" {
		return fmt.Sprintf("%s: %s: %s: %s", e.Exchange, e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors with the same kind, so callers can use
// errors.Is(err, &Error{Kind: ErrRateLimited}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a typed error.
func NewError(kind ErrorKind, exchange Exchange, op, message string, cause error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Op: op, Message: message, Err: cause}
}

// KindOf extracts the kind from an error chain, or zero if untyped.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
