// Package merr defines the error taxonomy shared across the server and
// client: a small set of sentinel kinds that the loop boundary
// classifies errors into, rather than ad-hoc string matching.
package merr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from the MonoMux error-handling
// design: InvocationError, SystemError, ChannelIOError, OverflowError,
// ProtocolError, NonceError. A child's exit is not an error kind and
// has no constant here.
type Kind int

const (
	Invocation Kind = iota
	System
	ChannelIO
	Overflow
	Protocol
	Nonce
)

func (k Kind) String() string {
	switch k {
	case Invocation:
		return "InvocationError"
	case System:
		return "SystemError"
	case ChannelIO:
		return "ChannelIOError"
	case Overflow:
		return "OverflowError"
	case Protocol:
		return "ProtocolError"
	case Nonce:
		return "NonceError"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying cause with a Kind so the loop boundary can
// decide recovery policy with errors.As instead of string matching.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf builds an *Error of the given kind with a formatted cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
