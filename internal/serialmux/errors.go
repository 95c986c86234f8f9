package serialmux

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the transport. Every kind except
// ErrHandshakeTimeout ends the transaction.
var (
	ErrOpenFailed       = errors.New("serial open failed")
	ErrHandshakeTimeout = errors.New("no boot banner before deadline")
	ErrWriteFailed      = errors.New("failed to write to serial port")
	ErrReadTimeout      = errors.New("no reply before deadline")
	ErrChannelError     = errors.New("serial channel error")
)

// TransportError pairs a failure kind with the underlying cause. Match the
// kind with errors.Is.
type TransportError struct {
	Kind error
	Port string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Port, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Port, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newTransportError(kind error, port string, err error) *TransportError {
	return &TransportError{Kind: kind, Port: port, Err: err}
}
