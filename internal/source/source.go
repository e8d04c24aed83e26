// Package source produces the timestamped frames a sender session paces
// onto the wire.
package source

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/zsiec/framecast/internal/media"
)

// ErrNoData is returned by a source whose capture produced nothing. The
// sender drops the capture, reports it and asks for the next frame.
var ErrNoData = errors.New("source: capture produced no data")

// Source yields frames in capture order. Next returns io.EOF when the
// source is exhausted. Frame.PTS must come from a single clock per source.
type Source interface {
	Next(ctx context.Context) (media.Frame, error)
}

// Closer is implemented by sources that hold a file or device.
type Closer interface {
	Close() error
}

// Defaults for the synthetic source: a stream of 8000-byte dummy frames
// every 30ms.
const (
	DefaultSyntheticSize     = 8000
	DefaultSyntheticInterval = 30 * time.Millisecond
)

// SyntheticConfig configures a Synthetic source.
type SyntheticConfig struct {
	Size     int
	Interval time.Duration
	// Count limits the number of frames; zero means unlimited.
	Count int
	// EmptyEvery makes every Nth capture (1-based) return ErrNoData.
	EmptyEvery int
}

// Synthetic produces dummy frames with monotonic timestamps spaced by
// Interval. Payload bytes carry the low byte of the sequence number.
type Synthetic struct {
	cfg     SyntheticConfig
	seq     uint64
	capture int
}

// NewSynthetic returns a Synthetic source. Zero fields take defaults.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSyntheticSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyntheticInterval
	}
	return &Synthetic{cfg: cfg}
}

func (s *Synthetic) Next(ctx context.Context) (media.Frame, error) {
	if err := ctx.Err(); err != nil {
		return media.Frame{}, err
	}
	if s.cfg.Count > 0 && s.capture >= s.cfg.Count {
		return media.Frame{}, io.EOF
	}
	s.capture++
	pts := time.Duration(s.capture-1) * s.cfg.Interval
	if s.cfg.EmptyEvery > 0 && s.capture%s.cfg.EmptyEvery == 0 {
		return media.Frame{PTS: pts}, ErrNoData
	}

	payload := make([]byte, s.cfg.Size)
	for i := range payload {
		payload[i] = byte(s.seq)
	}
	f := media.Frame{Seq: s.seq, PTS: pts, Payload: payload}
	s.seq++
	return f, nil
}
