package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zsiec/framecast/internal/reassembly"
	"github.com/zsiec/framecast/internal/sink"
	"github.com/zsiec/framecast/internal/stream"
	"github.com/zsiec/framecast/internal/transport"
)

// ErrDuplicateStream is returned by Serve when a stream with the same key
// is already connected.
var ErrDuplicateStream = errors.New("session: duplicate stream key")

// SinkOpener returns the sink for a newly connected stream.
type SinkOpener func(streamKey string) (sink.Sink, error)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// MaxFrameSize bounds accepted frames; see reassembly.Config.
	MaxFrameSize int
	// Streams tracks connected streams. A private manager is used if nil.
	Streams *stream.Manager
	Log     *slog.Logger
}

// Receiver reassembles frames from incoming connections and writes them
// to per-stream sinks.
type Receiver struct {
	log      *slog.Logger
	open     SinkOpener
	maxFrame int
	streams  *stream.Manager
}

// NewReceiver creates a Receiver that writes each stream to the sink open
// returns for it.
func NewReceiver(open SinkOpener, cfg ReceiverConfig) *Receiver {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	streams := cfg.Streams
	if streams == nil {
		streams = stream.NewManager(log)
	}
	return &Receiver{
		log:      log.With("component", "receiver"),
		open:     open,
		maxFrame: cfg.MaxFrameSize,
		streams:  streams,
	}
}

// Streams returns the registry of connected streams.
func (r *Receiver) Streams() *stream.Manager { return r.streams }

// Serve runs the receive loop of one connection until the peer closes it,
// a transport error occurs, or ctx is cancelled. Each call starts from a
// fresh reassembly buffer. Serve closes conn.
func (r *Receiver) Serve(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()

	rx, err := conn.Receiver(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer rx.Close()

	key := conn.StreamKey()
	log := r.log.With("stream", key)

	st, ok := r.streams.Create(key, conn.RemoteAddr())
	if !ok {
		return fmt.Errorf("%w: %q", ErrDuplicateStream, key)
	}
	defer r.streams.Remove(key)

	out, err := r.open(key)
	if err != nil {
		return fmt.Errorf("open sink for %q: %w", key, err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Warn("sink close failed", "error", err)
		}
	}()

	reasm := reassembly.New(reassembly.Config{
		MaxFrameSize: r.maxFrame,
		Log:          log,
	})
	defer reasm.Reset()

	defer func() {
		stats := st.Stats()
		log.Info("connection closed",
			"bytes", stats.BytesReceived,
			"reads", stats.ReadCount,
			"frames", stats.Frames,
			"resyncs", stats.Resyncs,
			"sink_errors", stats.SinkErrors,
			"partial_bytes", reasm.Stats().Buffered,
			"uptime_ms", stats.UptimeMs)
	}()

	for {
		chunk, err := rx.Recv(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			log.Error("receive failed", "error", err)
			return err
		}

		st.RecordRead(len(chunk.Data))
		for f := range reasm.Process(chunk) {
			st.RecordFrame()
			if err := out.WriteFrame(f); err != nil {
				st.RecordSinkError()
				log.Warn("sink rejected frame", "seq", f.Seq, "bytes", len(f.Payload), "error", err)
				continue
			}
			log.Debug("frame received", "seq", f.Seq, "bytes", len(f.Payload))
		}
		st.SetResyncs(reasm.Stats().Resyncs)
	}
}

// Listen accepts connections from ln and serves each on its own goroutine
// until ctx is cancelled or the listener closes. Connection errors are
// logged and do not stop the listener.
func (r *Receiver) Listen(ctx context.Context, ln transport.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			r.log.Warn("accept error", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Serve(ctx, conn); err != nil {
				r.log.Warn("stream failed", "stream", conn.StreamKey(), "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}
