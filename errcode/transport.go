package errcode

import (
	"errors"
	"fmt"
)

// Kinds of transport failure. Match them with errors.Is.
var (
	ErrChannelWrite = errors.New("channel write failed")
	ErrConnection   = errors.New("connection failed")
	ErrInvalidState = errors.New("invalid state")
	ErrTransport    = errors.New("transport failure")
)

// TransportError is the single error type raised by the session layer for
// failures of the underlying transport, as opposed to business failures.
type TransportError struct {
	Kind error
	Op   string
	Err  error
}

// NewTransportError builds a TransportError of the given kind.
func NewTransportError(kind error, op string, err error) *TransportError {
	return &TransportError{Kind: kind, Op: op, Err: err}
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
