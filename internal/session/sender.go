// Package session wires the framecast core to sources, sinks and
// transports. A Sender runs the producer (source, pacing, packetizing)
// and the consumer (transport sends) as two tasks joined by a bounded
// queue. A Receiver runs one reassembly loop per connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framecast/internal/bridge"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/packetizer"
	"github.com/zsiec/framecast/internal/source"
	"github.com/zsiec/framecast/internal/transport"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	MTU           int
	QueueCapacity int
	Policy        bridge.Policy

	// Now and Wait override the pacing clock, for tests.
	Now  func() time.Time
	Wait func(ctx context.Context, deadline time.Time) error

	Log *slog.Logger
}

// SenderStats is a snapshot of one sending session.
type SenderStats struct {
	Packetizer    packetizer.Stats `json:"packetizer"`
	Queue         bridge.Stats     `json:"queue"`
	EmptyCaptures int64            `json:"emptyCaptures"`
	Anomalies     int64            `json:"anomalies"`
	SentChunks    int64            `json:"sentChunks"`
	SentBytes     int64            `json:"sentBytes"`
}

// Sender streams one source over one transport sender.
type Sender struct {
	log   *slog.Logger
	src   source.Source
	tx    transport.Sender
	queue *bridge.Queue
	pk    *packetizer.Packetizer

	emptyCaptures atomic.Int64
	sentChunks    atomic.Int64
	sentBytes     atomic.Int64
}

// NewSender creates a Sender. Run takes ownership of tx.
func NewSender(src source.Source, tx transport.Sender, cfg SenderConfig) (*Sender, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	capacity := cfg.QueueCapacity
	if capacity == 0 {
		capacity = media.DefaultQueueCapacity
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = media.DefaultMTU
	}

	s := &Sender{
		log: log.With("component", "sender"),
		src: src,
		tx:  tx,
	}

	q, err := bridge.New(bridge.Config{
		Capacity: capacity,
		Policy:   cfg.Policy,
	})
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}
	pk, err := packetizer.New(q, packetizer.Config{
		MTU:  mtu,
		Now:  cfg.Now,
		Wait: cfg.Wait,
		Log:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("create packetizer: %w", err)
	}
	s.queue, s.pk = q, pk
	return s, nil
}

// Run streams until the source is exhausted and every queued chunk has
// been sent, a transport error occurs, or ctx is cancelled. Cancellation
// is a clean stop and returns nil. The transport sender is closed before
// Run returns.
func (s *Sender) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer s.queue.Close()
		return s.produce(gctx)
	})
	g.Go(func() error {
		return s.consume(gctx)
	})

	err := g.Wait()
	if cerr := s.tx.Close(); cerr != nil && err == nil {
		err = transport.Wrap("close", cerr)
	}

	st := s.Stats()
	s.log.Info("stream ended",
		"frames", st.Packetizer.Frames,
		"dropped_frames", st.Packetizer.DroppedFrames,
		"late_frames", st.Packetizer.LateFrames,
		"empty_captures", st.EmptyCaptures,
		"anomalies", st.Anomalies,
		"chunks", st.SentChunks,
		"bytes", st.SentBytes)

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (s *Sender) produce(ctx context.Context) error {
	for {
		f, err := s.src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			s.log.Info("source exhausted")
			return nil
		case errors.Is(err, source.ErrNoData):
			n := s.emptyCaptures.Add(1)
			s.log.Warn("empty capture dropped", "pts", f.PTS, "empty_captures", n)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("source: %w", err)
		}

		if _, err := s.pk.Submit(ctx, f); err != nil {
			return err
		}
	}
}

func (s *Sender) consume(ctx context.Context) error {
	for c := range s.queue.Items(ctx) {
		if err := s.tx.Send(ctx, c); err != nil {
			s.log.Error("send failed", "error", err)
			return err
		}
		s.sentChunks.Add(1)
		s.sentBytes.Add(int64(len(c.Data)))
	}
	return ctx.Err()
}

// Stats returns a snapshot of the session counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Packetizer:    s.pk.Stats(),
		Queue:         s.queue.Stats(),
		EmptyCaptures: s.emptyCaptures.Load(),
		Anomalies:     s.pk.Anomalies(),
		SentChunks:    s.sentChunks.Load(),
		SentBytes:     s.sentBytes.Load(),
	}
}
