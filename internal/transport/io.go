package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/zsiec/framecast/internal/media"
)

// WriterSender adapts a writer on which every Write is one transport send,
// such as an SRT live-mode connection or a QUIC stream.
type WriterSender struct {
	w     io.Writer
	close func() error

	mu     sync.Mutex
	closed bool
}

// NewWriterSender returns a Sender writing to w. closeFn releases the
// underlying connection and is called at most once.
func NewWriterSender(w io.Writer, closeFn func() error) *WriterSender {
	return &WriterSender{w: w, close: closeFn}
}

// Send writes chunk.Data as a single transport send.
func (s *WriterSender) Send(ctx context.Context, chunk media.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	n, err := s.w.Write(chunk.Data)
	if err != nil {
		return Wrap("send", err)
	}
	if n != len(chunk.Data) {
		return Wrap("send", io.ErrShortWrite)
	}
	return nil
}

// Close releases the connection. Further sends return ErrClosed.
func (s *WriterSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.close == nil {
		return nil
	}
	return s.close()
}

// ReaderReceiver adapts a reader whose Read calls return transport
// deliveries. Each non-empty Read becomes one chunk stamped with its receive
// instant.
type ReaderReceiver struct {
	r     io.Reader
	buf   []byte
	now   func() time.Time
	close func() error
	once  sync.Once
	err   error
}

// NewReaderReceiver returns a Receiver reading up to bufSize bytes per
// delivery from r. closeFn releases the underlying connection; it is also
// used to unblock a pending Read when the Recv context is cancelled.
func NewReaderReceiver(r io.Reader, bufSize int, closeFn func() error) *ReaderReceiver {
	return &ReaderReceiver{
		r:     r,
		buf:   make([]byte, bufSize),
		now:   time.Now,
		close: closeFn,
	}
}

// Recv returns the next delivery. It returns io.EOF when the peer has
// closed the stream and ctx.Err() if ctx ended the wait.
func (rr *ReaderReceiver) Recv(ctx context.Context) (media.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return media.Chunk{}, err
	}
	stop := context.AfterFunc(ctx, func() { rr.Close() })
	defer stop()

	for {
		n, err := rr.r.Read(rr.buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, rr.buf[:n])
			return media.Chunk{At: rr.now(), Data: data}, nil
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return media.Chunk{}, io.EOF
		case ctx.Err() != nil:
			return media.Chunk{}, ctx.Err()
		default:
			return media.Chunk{}, Wrap("recv", err)
		}
	}
}

// Close releases the connection. It is safe to call more than once.
func (rr *ReaderReceiver) Close() error {
	rr.once.Do(func() {
		if rr.close != nil {
			rr.err = rr.close()
		}
	})
	return rr.err
}
