// Package reassembly is the receive-side core: it turns the chunks of one
// transport connection back into frames.
package reassembly

import (
	"iter"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/framecast/internal/framing"
	"github.com/zsiec/framecast/internal/media"
)

// Config configures a Reassembler.
type Config struct {
	// MaxFrameSize rejects length prefixes above this size as framing
	// errors. Zero disables the check.
	MaxFrameSize int
	Log          *slog.Logger
}

// Stats is a snapshot of reassembly counters.
type Stats struct {
	Chunks   int64 `json:"chunks"`
	Bytes    int64 `json:"bytes"`
	Frames   int64 `json:"frames"`
	Resyncs  int64 `json:"resyncs"`
	Buffered int64 `json:"buffered"`
}

// Reassembler owns the reassembly buffer of one connection. Process must be
// called from the connection's receive loop only; Stats may be read from
// anywhere. There is no timeout: a stalled connection simply yields no
// frames until data resumes.
type Reassembler struct {
	log *slog.Logger
	dec framing.Decoder
	seq uint64

	chunks   atomic.Int64
	bytes    atomic.Int64
	frames   atomic.Int64
	resyncs  atomic.Int64
	buffered atomic.Int64
}

// New creates a Reassembler.
func New(cfg Config) *Reassembler {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	r := &Reassembler{log: cfg.Log.With("component", "reassembler")}
	r.dec.MaxFrameSize = cfg.MaxFrameSize
	r.dec.OnError = func(err *framing.FramingError) {
		r.resyncs.Add(1)
		r.log.Warn("framing error, resynchronizing", "length", err.Length, "discarded", err.Buffered, "error", err.Err)
	}
	return r
}

// Process consumes one incoming chunk and yields the frames it completes,
// stamped with the chunk's receive instant and a per-connection sequence
// number.
func (r *Reassembler) Process(chunk media.Chunk) iter.Seq[media.Frame] {
	r.chunks.Add(1)
	r.bytes.Add(int64(len(chunk.Data)))
	payloads := r.dec.Feed(chunk.Data)
	r.buffered.Store(int64(r.dec.Buffered()))

	return func(yield func(media.Frame) bool) {
		defer func() { r.buffered.Store(int64(r.dec.Buffered())) }()
		for p := range payloads {
			f := media.Frame{Seq: r.seq, Payload: p, ReceivedAt: chunk.At}
			r.seq++
			r.frames.Add(1)
			if !yield(f) {
				return
			}
		}
	}
}

// Reset discards partial state. Call it when the connection is recreated;
// bytes from a previous connection can never complete a frame on a new one.
func (r *Reassembler) Reset() {
	if n := r.dec.Buffered(); n > 0 {
		r.log.Debug("discarding partial frame", "buffered", n)
	}
	r.dec.Reset()
	r.seq = 0
	r.buffered.Store(0)
}

// Stats returns a snapshot of the reassembly counters.
func (r *Reassembler) Stats() Stats {
	return Stats{
		Chunks:   r.chunks.Load(),
		Bytes:    r.bytes.Load(),
		Frames:   r.frames.Load(),
		Resyncs:  r.resyncs.Load(),
		Buffered: r.buffered.Load(),
	}
}
