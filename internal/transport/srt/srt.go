// Package srt carries framecast chunks over SRT in live mode, where every
// Write is one SRT message of at most 1316 bytes. It supports listener
// mode (Listen) for accepting peers and caller mode (Dial).
package srt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/transport"
)

// readBufferSize is the read buffer for SRT socket reads.
const readBufferSize = media.DefaultMTU * 10

// latencyNs is the SRT latency setting in nanoseconds (120ms).
const latencyNs = 120_000_000

// DefaultDialTimeout bounds the SRT handshake in Dial.
const DefaultDialTimeout = 10 * time.Second

// ListenConfig configures an SRT listener.
type ListenConfig struct {
	// RequireStreamID rejects callers that present no stream id.
	RequireStreamID bool
	Log             *slog.Logger
}

// Listener accepts SRT caller connections.
type Listener struct {
	log    *slog.Logger
	addr   string
	accept func() (*srtgo.Conn, error)
	close  func()

	mu     sync.Mutex
	closed bool
}

var _ transport.Listener = (*Listener)(nil)

// Listen opens an SRT listener on addr.
func Listen(addr string, cfg ListenConfig) (*Listener, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-listener")

	scfg := srtgo.DefaultConfig()
	scfg.Latency = latencyNs

	l, err := srtgo.Listen(addr, scfg)
	if err != nil {
		return nil, transport.Wrap("listen", fmt.Errorf("SRT listen on %s: %w", addr, err))
	}
	log.Info("listening", "addr", addr)

	requireID := cfg.RequireStreamID
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if requireID && req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	return &Listener{
		log:    log,
		addr:   addr,
		accept: func() (*srtgo.Conn, error) { return l.Accept() },
		close:  func() { l.Close() },
	}, nil
}

// Accept waits for the next caller. Cancelling ctx closes the listener.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	c, err := l.accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if l.isClosed() {
			return nil, transport.ErrClosed
		}
		return nil, transport.Wrap("accept", err)
	}

	streamID := c.StreamID()
	remote := c.RemoteAddr().String()
	l.log.Info("connection", "stream_key", transport.ExtractStreamKey(streamID), "remote", remote)

	return newConn(c, streamID, remote, func() { c.Close() }), nil
}

// Addr returns the address the listener was opened on.
func (l *Listener) Addr() string { return l.addr }

// Close stops accepting. It is safe to call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.close()
	return nil
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// DialConfig configures an SRT caller.
type DialConfig struct {
	// StreamKey is sent as the SRT stream id "live/<key>" unless StreamID
	// is set.
	StreamKey string
	StreamID  string
	Timeout   time.Duration
	Log       *slog.Logger
}

func (c DialConfig) streamID() string {
	if c.StreamID != "" {
		return c.StreamID
	}
	if c.StreamKey == "" {
		return ""
	}
	return "live/" + c.StreamKey
}

// Dial connects to an SRT listener at addr. The handshake is bounded by
// cfg.Timeout and by ctx.
func Dial(ctx context.Context, addr string, cfg DialConfig) (transport.Conn, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-caller")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	scfg := srtgo.DefaultConfig()
	scfg.Latency = latencyNs
	streamID := cfg.streamID()
	if streamID != "" {
		scfg.StreamID = streamID
	}

	log.Info("dialing", "address", addr, "stream_id", streamID)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, scfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	abandon := func() {
		// Close any connection that completes after we gave up on it.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, transport.Wrap("dial", fmt.Errorf("SRT dial %s: %w", addr, res.err))
		}
		log.Info("connected", "address", addr)
		c := res.conn
		return newConn(c, streamID, addr, func() { c.Close() }), nil
	case <-timer.C:
		abandon()
		return nil, transport.Wrap("dial", fmt.Errorf("SRT dial %s timed out after %s", addr, timeout))
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// conn is one SRT connection. In live mode each Write is one message and
// each Read returns one message.
type conn struct {
	rw        io.ReadWriter
	streamKey string
	remote    string

	once    sync.Once
	closeFn func()
}

var _ transport.Conn = (*conn)(nil)

func newConn(rw io.ReadWriter, streamID, remote string, closeFn func()) *conn {
	return &conn{
		rw:        rw,
		streamKey: transport.ExtractStreamKey(streamID),
		remote:    remote,
		closeFn:   closeFn,
	}
}

func (c *conn) StreamKey() string  { return c.streamKey }
func (c *conn) RemoteAddr() string { return c.remote }

func (c *conn) Sender(context.Context) (transport.Sender, error) {
	return transport.NewWriterSender(c.rw, c.Close), nil
}

func (c *conn) Receiver(context.Context) (transport.Receiver, error) {
	return transport.NewReaderReceiver(c.rw, readBufferSize, c.Close), nil
}

func (c *conn) Close() error {
	c.once.Do(func() {
		if c.closeFn != nil {
			c.closeFn()
		}
	})
	return nil
}
