// Package sink consumes the frames a receiver session reassembles.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/zsiec/framecast/internal/framing"
	"github.com/zsiec/framecast/internal/media"
)

// Sink accepts frames in order. A WriteFrame error is reported by the
// receiver and does not stop the stream.
type Sink interface {
	WriteFrame(f media.Frame) error
	Close() error
}

// Kind names a sink implementation.
type Kind string

// Sink kinds.
const (
	KindFile      Kind = "file"
	KindFramefile Kind = "framefile"
	KindDir       Kind = "dir"
	KindDiscard   Kind = "discard"
)

// ParseKind validates a sink kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindFile, KindFramefile, KindDir, KindDiscard:
		return k, nil
	}
	return "", fmt.Errorf("sink: unknown kind %q", s)
}

// Open creates the sink of the given kind at path. For file kinds the path
// "-" writes to stdout.
func Open(kind Kind, path string) (Sink, error) {
	switch kind {
	case KindFile, KindFramefile:
		w, err := create(path)
		if err != nil {
			return nil, err
		}
		if kind == KindFile {
			return NewWriter(w), nil
		}
		return NewFramefile(w), nil
	case KindDir:
		return NewDir(path)
	case KindDiscard:
		return &Discard{}, nil
	}
	return nil, fmt.Errorf("sink: unknown kind %q", kind)
}

func create(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: create %s: %w", path, err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Writer writes frame payloads back to back, reproducing the source byte
// stream (for MPEG-TS units, the original transport stream).
type Writer struct {
	bw     *bufio.Writer
	closer io.Closer
	frames atomic.Int64
}

// NewWriter returns a Writer over w. Close closes w.
func NewWriter(w io.WriteCloser) *Writer {
	return &Writer{bw: bufio.NewWriter(w), closer: w}
}

func (w *Writer) WriteFrame(f media.Frame) error {
	if _, err := w.bw.Write(f.Payload); err != nil {
		return fmt.Errorf("sink: write frame %d: %w", f.Seq, err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("sink: flush frame %d: %w", f.Seq, err)
	}
	w.frames.Add(1)
	return nil
}

// Frames returns the number of frames written.
func (w *Writer) Frames() int64 { return w.frames.Load() }

func (w *Writer) Close() error {
	ferr := w.bw.Flush()
	cerr := w.closer.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// Framefile writes each frame in the framecast wire format, one
// length-prefixed record per frame. The file replays through
// source.Framefile.
type Framefile struct {
	w   *Writer
	buf []byte
}

// NewFramefile returns a Framefile sink over w.
func NewFramefile(w io.WriteCloser) *Framefile {
	return &Framefile{w: NewWriter(w)}
}

func (f *Framefile) WriteFrame(fr media.Frame) error {
	f.buf = framing.AppendWire(f.buf[:0], fr.Payload)
	return f.w.WriteFrame(media.Frame{Seq: fr.Seq, Payload: f.buf})
}

func (f *Framefile) Close() error { return f.w.Close() }

// Dir writes one file per frame, named frame-000001.bin onward.
type Dir struct {
	path string
	n    int
}

// NewDir creates path if needed and returns a Dir sink writing into it.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create dir: %w", err)
	}
	return &Dir{path: path}, nil
}

func (d *Dir) WriteFrame(f media.Frame) error {
	d.n++
	name := filepath.Join(d.path, fmt.Sprintf("frame-%06d.bin", d.n))
	if err := os.WriteFile(name, f.Payload, 0o644); err != nil {
		return fmt.Errorf("sink: write frame %d: %w", f.Seq, err)
	}
	return nil
}

func (d *Dir) Close() error { return nil }

// Discard counts frames and drops them.
type Discard struct {
	frames atomic.Int64
	bytes  atomic.Int64
}

func (d *Discard) WriteFrame(f media.Frame) error {
	d.frames.Add(1)
	d.bytes.Add(int64(len(f.Payload)))
	return nil
}

// Frames returns the number of frames discarded.
func (d *Discard) Frames() int64 { return d.frames.Load() }

// Bytes returns the number of payload bytes discarded.
func (d *Discard) Bytes() int64 { return d.bytes.Load() }

func (d *Discard) Close() error { return nil }
