package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed sender or receiver.
var ErrClosed = errors.New("transport: closed")

// Error is a failure at the transport boundary. It is fatal for the
// connection it occurred on; framecast never retries internally.
type Error struct {
	Op  string // "listen", "accept", "dial", "send", "recv", "handshake"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *Error for op, or nil if err is nil. Errors that
// are already a *Error are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Err: err}
}
