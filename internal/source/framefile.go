package source

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zsiec/framecast/internal/framing"
	"github.com/zsiec/framecast/internal/media"
)

// ErrRecordTooLarge is returned when a framefile record exceeds the
// configured maximum frame size.
var ErrRecordTooLarge = errors.New("source: framefile record too large")

// FramefileConfig configures a Framefile source.
type FramefileConfig struct {
	// Interval spaces the synthesized timestamps. Defaults to
	// DefaultSyntheticInterval.
	Interval time.Duration
	// MaxFrameSize rejects larger records. Zero disables the check.
	MaxFrameSize int
}

// Framefile replays frames stored in the framecast wire format, one
// length-prefixed record per frame, as written by the framefile sink.
type Framefile struct {
	r      *bufio.Reader
	closer io.Closer
	cfg    FramefileConfig
	hdr    [framing.HeaderSize]byte
	seq    uint64
}

// NewFramefile returns a Framefile source reading from r.
func NewFramefile(r io.Reader, cfg FramefileConfig) *Framefile {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyntheticInterval
	}
	f := &Framefile{r: bufio.NewReader(r), cfg: cfg}
	if c, ok := r.(io.Closer); ok {
		f.closer = c
	}
	return f
}

// OpenFramefile opens path for replay.
func OpenFramefile(path string, cfg FramefileConfig) (*Framefile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open framefile: %w", err)
	}
	return NewFramefile(f, cfg), nil
}

func (f *Framefile) Next(ctx context.Context) (media.Frame, error) {
	if err := ctx.Err(); err != nil {
		return media.Frame{}, err
	}
	if _, err := io.ReadFull(f.r, f.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return media.Frame{}, io.EOF
		}
		return media.Frame{}, fmt.Errorf("read record %d header: %w", f.seq, err)
	}
	n := binary.BigEndian.Uint32(f.hdr[:])
	if f.cfg.MaxFrameSize > 0 && uint64(n) > uint64(f.cfg.MaxFrameSize) {
		return media.Frame{}, fmt.Errorf("record %d: %w: %d bytes", f.seq, ErrRecordTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return media.Frame{}, fmt.Errorf("read record %d payload: %w", f.seq, err)
	}

	fr := media.Frame{
		Seq:     f.seq,
		PTS:     time.Duration(f.seq) * f.cfg.Interval,
		Payload: payload,
	}
	f.seq++
	return fr, nil
}

// Close closes the underlying file, if any.
func (f *Framefile) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
