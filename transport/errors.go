package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the line connection was closed locally.
	ErrClosed = errors.New("connection closed")

	// ErrListenerClosed indicates the listener has been closed.
	ErrListenerClosed = errors.New("listener closed")

	// ErrEmbeddedNewline indicates a line that would split into several lines
	// on the wire.
	ErrEmbeddedNewline = errors.New("line contains a newline")
)

// Error is a transport failure with the operation and peer address.
// Every connect, read, write and close failure is reported as *Error.
type Error struct {
	Op   string // operation that caused the error
	Addr string // peer address if known
	Err  error  // underlying error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, addr string, err error) *Error {
	return &Error{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}

// IsTransportError reports whether err came from this package.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}
