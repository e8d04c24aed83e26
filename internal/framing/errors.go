package framing

import (
	"errors"
	"fmt"
)

// Sentinel errors for frame encoding and decoding.
var (
	ErrInvalidMTU    = errors.New("framing: mtu must be positive")
	ErrFrameTooLarge = errors.New("framing: frame exceeds maximum size")
)

// FramingError reports malformed reassembly state. The decoder that produced
// it has already discarded its buffer and will treat the next bytes it is
// fed as the start of a new length prefix.
type FramingError struct {
	Length   uint32 // length prefix that triggered the error
	Buffered int    // bytes discarded
	Err      error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: length prefix %d (%d bytes discarded): %v", e.Length, e.Buffered, e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}
