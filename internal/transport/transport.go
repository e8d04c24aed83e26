// Package transport defines the boundary between the framecast core and the
// unreliable, ordered transports it rides on (SRT, QUIC). Implementations
// live in subpackages; the core only sees Sender, Receiver, Conn and
// Listener.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/zsiec/framecast/internal/media"
)

// Sender writes chunks to the peer in order. Each chunk becomes one
// transport send; its At field is informational.
type Sender interface {
	Send(ctx context.Context, chunk media.Chunk) error
	Close() error
}

// Receiver yields chunks in delivery order. It returns io.EOF when the
// peer closes the stream cleanly.
type Receiver interface {
	Recv(ctx context.Context) (media.Chunk, error)
	Close() error
}

// Conn is one established transport connection carrying a single stream.
type Conn interface {
	// StreamKey identifies the stream. On the accepting side of a QUIC
	// connection it is known only after Receiver returns.
	StreamKey() string
	RemoteAddr() string
	Sender(ctx context.Context) (Sender, error)
	Receiver(ctx context.Context) (Receiver, error)
	Close() error
}

// Listener accepts incoming connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Mode selects which side of the handshake a peer takes.
type Mode int

// Connection modes.
const (
	ModeListen Mode = iota
	ModeCall
)

func (m Mode) String() string {
	switch m {
	case ModeListen:
		return "listen"
	case ModeCall:
		return "call"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "listen" or "call".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "listen", "listener", "server":
		return ModeListen, nil
	case "call", "caller", "client":
		return ModeCall, nil
	}
	return 0, fmt.Errorf("transport: unknown mode %q", s)
}

// ExtractStreamKey normalizes a stream id: leading "/" and "live/" are
// trimmed and an empty id maps to "default".
func ExtractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
