package mpegts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/framecast/internal/media"
)

// SourceConfig configures a unit Source.
type SourceConfig struct {
	// PID selects the timing PID. Zero picks the first PID that starts a
	// PES packet with a timestamp.
	PID uint16
	Log *slog.Logger
}

// SourceStats is a snapshot of unit source counters.
type SourceStats struct {
	Units       int64  `json:"units"`
	Packets     int64  `json:"packets"`
	SyncLosses  int64  `json:"syncLosses"`
	ErrorPkts   int64  `json:"errorPackets"`
	TimingPID   uint16 `json:"timingPid"`
	LastTSTicks int64  `json:"lastTsTicks"`
}

// Source reads a transport stream and returns one media.Frame per unit,
// timestamped with the unit's PES timestamp on an unwrapped timeline.
// Packets ahead of the first timed PES start are folded into the first
// unit.
type Source struct {
	log *slog.Logger
	r   *bufio.Reader
	pkt []byte

	pid    uint16
	pidSet bool
	clock  unwrapper

	pending   []byte
	pendingTS int64
	timed     bool
	seq       uint64
	eof       bool

	// mu guards stats and lastDelta, which Stats and FrameInterval read
	// from other goroutines.
	mu        sync.Mutex
	stats     SourceStats
	lastDelta int64
}

// NewSource returns a Source reading TS packets from r.
func NewSource(r io.Reader, cfg SourceConfig) *Source {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		log:    log.With("component", "mpegts-source"),
		r:      bufio.NewReaderSize(r, PacketSize*64),
		pkt:    make([]byte, PacketSize),
		pid:    cfg.PID,
		pidSet: cfg.PID != 0,
		stats:  SourceStats{TimingPID: cfg.PID},
	}
}

// Next returns the next unit. It returns io.EOF once the stream and the
// final partial unit are exhausted.
func (s *Source) Next(ctx context.Context) (media.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return media.Frame{}, err
		}
		if s.eof {
			return s.flush()
		}

		if err := s.readPacket(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.eof = true
				continue
			}
			return media.Frame{}, fmt.Errorf("mpegts: read: %w", err)
		}
		s.mu.Lock()
		s.stats.Packets++
		s.mu.Unlock()

		ts, start := s.unitStart()
		if !start {
			s.pending = append(s.pending, s.pkt...)
			continue
		}
		if !s.timed {
			s.pending = append(s.pending, s.pkt...)
			s.pendingTS = ts
			s.timed = true
			continue
		}

		f := s.emit(s.pendingTS)
		if d := ts - s.pendingTS; d > 0 {
			s.mu.Lock()
			s.lastDelta = d
			s.mu.Unlock()
		}
		s.pending = append(s.pending, s.pkt...)
		s.pendingTS = ts
		return f, nil
	}
}

// flush emits the trailing unit at EOF.
func (s *Source) flush() (media.Frame, error) {
	if len(s.pending) == 0 {
		return media.Frame{}, io.EOF
	}
	return s.emit(s.pendingTS), nil
}

func (s *Source) emit(ts int64) media.Frame {
	f := media.Frame{
		Seq:     s.seq,
		PTS:     ticksToDuration(ts),
		Payload: s.pending,
	}
	s.seq++
	s.mu.Lock()
	s.stats.Units++
	s.stats.LastTSTicks = ts
	s.mu.Unlock()
	s.pending = make([]byte, 0, len(f.Payload))
	return f
}

// readPacket fills s.pkt with the next packet, scanning forward to the
// next sync byte when alignment is lost.
func (s *Source) readPacket() error {
	b, err := s.r.ReadByte()
	if err != nil {
		return err
	}
	if b != syncByte {
		skipped := 1
		for b != syncByte {
			if b, err = s.r.ReadByte(); err != nil {
				return err
			}
			skipped++
		}
		s.mu.Lock()
		s.stats.SyncLosses++
		s.mu.Unlock()
		s.log.Warn("lost sync, skipped bytes", "skipped", skipped-1)
	}
	s.pkt[0] = b
	_, err = io.ReadFull(s.r, s.pkt[1:])
	return err
}

// unitStart reports whether s.pkt begins a new unit and returns its
// unwrapped timestamp in 90 kHz ticks.
func (s *Source) unitStart() (int64, bool) {
	h, payload, err := parsePacket(s.pkt)
	if err != nil {
		return 0, false
	}
	if h.TransportErrorIndicator {
		s.mu.Lock()
		s.stats.ErrorPkts++
		s.mu.Unlock()
		return 0, false
	}
	if !h.PayloadUnitStartIndicator || (s.pidSet && h.PID != s.pid) {
		return 0, false
	}
	raw, ok := pesTimestamp(payload)
	if !ok {
		return 0, false
	}
	if !s.pidSet {
		s.pid, s.pidSet = h.PID, true
		s.mu.Lock()
		s.stats.TimingPID = h.PID
		s.mu.Unlock()
		s.log.Info("timing PID selected", "pid", h.PID)
	}
	return s.clock.unwrap(raw), true
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// FrameInterval returns the most recent positive distance between unit
// timestamps, or zero before two units have been seen.
func (s *Source) FrameInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ticksToDuration(s.lastDelta)
}
