package session

import (
	"errors"
	"fmt"
)

// Call-control failures are distinguishable by kind so the interface layer
// can render specific guidance.
var (
	// ErrNotRegistered - call attempted while the session is not registered.
	ErrNotRegistered = errors.New("not registered")

	// ErrAlreadyOnCall - call attempted while the call slot is occupied.
	ErrAlreadyOnCall = errors.New("already on a call")

	// ErrInvalidState - operation not permitted in the current call state.
	ErrInvalidState = errors.New("invalid call state")
)

// TransportError wraps a failure surfaced from the signaling transport
// during connect, call setup, or an in-call exchange. It is captured into
// session state rather than propagated as a fault.
type TransportError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Cause)
}

// Unwrap enables errors.Is and errors.As on the cause.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

func transportErr(op string, cause error) *TransportError {
	return &TransportError{Op: op, Cause: cause}
}
