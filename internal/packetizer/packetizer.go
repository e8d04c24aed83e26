// Package packetizer is the send-side core: it paces frames on their
// presentation timestamps and cuts them into length-prefixed chunks.
package packetizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/framecast/internal/framing"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/pacing"
)

// Sink receives the chunks of one frame as a contiguous batch.
// bridge.Queue implements it.
type Sink interface {
	EnqueueBatch(ctx context.Context, chunks []media.Chunk) (dropped bool, err error)
}

// Config configures a Packetizer.
type Config struct {
	MTU int

	// Now and Wait default to time.Now and pacing.SleepUntil.
	Now  func() time.Time
	Wait func(ctx context.Context, deadline time.Time) error

	Log *slog.Logger
}

// Result describes how one frame was released.
type Result struct {
	Deadline time.Time
	Released time.Time
	Chunks   int
	Dropped  bool // the sink rejected the frame under its overflow policy
}

// Late returns how far past its deadline the frame was released.
func (r Result) Late() time.Duration {
	if d := r.Released.Sub(r.Deadline); d > 0 {
		return d
	}
	return 0
}

// Stats is a snapshot of packetizer counters.
type Stats struct {
	Frames        int64 `json:"frames"`
	Chunks        int64 `json:"chunks"`
	Bytes         int64 `json:"bytes"`
	DroppedFrames int64 `json:"droppedFrames"`
	LateFrames    int64 `json:"lateFrames"`
}

// Packetizer owns the pacing clock and encoder of one outgoing stream.
// Submit must be called from a single producer goroutine; Stats may be read
// from anywhere.
type Packetizer struct {
	log   *slog.Logger
	enc   *framing.Encoder
	clock *pacing.Clock
	sink  Sink
	now   func() time.Time
	wait  func(ctx context.Context, deadline time.Time) error

	frames        atomic.Int64
	chunks        atomic.Int64
	bytes         atomic.Int64
	droppedFrames atomic.Int64
	lateFrames    atomic.Int64
	anomalies     atomic.Int64
}

// New creates a Packetizer that releases chunks into sink.
func New(sink Sink, cfg Config) (*Packetizer, error) {
	enc, err := framing.NewEncoder(cfg.MTU)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Wait == nil {
		cfg.Wait = pacing.SleepUntil
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Packetizer{
		log:   cfg.Log.With("component", "packetizer"),
		enc:   enc,
		clock: pacing.NewClock(cfg.Now),
		sink:  sink,
		now:   cfg.Now,
		wait:  cfg.Wait,
	}, nil
}

// Submit waits for the frame's pacing deadline, then hands its chunks to the
// sink. A frame whose deadline has already passed is released immediately.
// The only errors are ctx cancellation and a closed sink.
func (p *Packetizer) Submit(ctx context.Context, frame media.Frame) (Result, error) {
	deadline := p.clock.NextDeadline(frame.PTS)
	p.anomalies.Store(p.clock.Anomalies())

	if err := p.wait(ctx, deadline); err != nil {
		return Result{Deadline: deadline}, err
	}

	chunks := make([]media.Chunk, 0, p.enc.SegmentCount(len(frame.Payload)))
	for seg := range p.enc.Segments(frame.Payload) {
		chunks = append(chunks, media.Chunk{At: p.now(), Data: seg})
	}
	res := Result{
		Deadline: deadline,
		Released: chunks[0].At,
		Chunks:   len(chunks),
	}

	dropped, err := p.sink.EnqueueBatch(ctx, chunks)
	if err != nil {
		return res, fmt.Errorf("enqueue frame %d: %w", frame.Seq, err)
	}
	res.Dropped = dropped

	p.frames.Add(1)
	if res.Late() > 0 {
		p.lateFrames.Add(1)
	}
	if dropped {
		p.droppedFrames.Add(1)
		p.log.Warn("frame dropped by queue", "seq", frame.Seq, "chunks", len(chunks), "bytes", len(frame.Payload))
		return res, nil
	}
	p.chunks.Add(int64(len(chunks)))
	p.bytes.Add(int64(len(frame.Payload)))

	p.log.Debug("frame released",
		"seq", frame.Seq,
		"pts", frame.PTS,
		"bytes", len(frame.Payload),
		"chunks", len(chunks),
		"late", res.Late())
	return res, nil
}

// Anomalies returns the number of non-increasing timestamps seen so far.
func (p *Packetizer) Anomalies() int64 {
	return p.anomalies.Load()
}

// Stats returns a snapshot of the packetizer counters.
func (p *Packetizer) Stats() Stats {
	return Stats{
		Frames:        p.frames.Load(),
		Chunks:        p.chunks.Load(),
		Bytes:         p.bytes.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		LateFrames:    p.lateFrames.Load(),
	}
}
