package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/framecast/internal/bridge"
	"github.com/zsiec/framecast/internal/framing"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/sink"
	"github.com/zsiec/framecast/internal/source"
	"github.com/zsiec/framecast/internal/stream"
	"github.com/zsiec/framecast/internal/transport"
)

// noWait releases every frame immediately.
func noWait(ctx context.Context, _ time.Time) error { return ctx.Err() }

type recordingSender struct {
	mu     sync.Mutex
	chunks []media.Chunk
	failAt int // 1-based send that fails; zero never fails
	err    error
	closed int
}

func (s *recordingSender) Send(_ context.Context, c media.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.chunks)+1 == s.failAt {
		return transport.Wrap("send", s.err)
	}
	s.chunks = append(s.chunks, c)
	return nil
}

func (s *recordingSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSender) wire() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.chunks {
		out = append(out, c.Data...)
	}
	return out
}

func decodeAll(t *testing.T, wire []byte) [][]byte {
	t.Helper()
	var d framing.Decoder
	var out [][]byte
	for f := range d.Feed(wire) {
		out = append(out, f)
	}
	assert.Zero(t, d.Buffered(), "trailing partial frame")
	return out
}

func newTestSender(t *testing.T, src source.Source, tx transport.Sender) *Sender {
	t.Helper()
	s, err := NewSender(src, tx, SenderConfig{MTU: 500, QueueCapacity: 64, Wait: noWait})
	require.NoError(t, err)
	return s
}

func TestSenderStreamsAllFrames(t *testing.T) {
	t.Parallel()

	src := source.NewSynthetic(source.SyntheticConfig{Size: 1200, Interval: time.Millisecond, Count: 5})
	tx := &recordingSender{}
	s := newTestSender(t, src, tx)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 1, tx.closed)

	frames := decodeAll(t, tx.wire())
	require.Len(t, frames, 5)
	for i, f := range frames {
		assert.Len(t, f, 1200)
		assert.Equal(t, byte(i), f[0])
	}
	for _, c := range tx.chunks {
		assert.LessOrEqual(t, len(c.Data), 500)
	}

	st := s.Stats()
	assert.Equal(t, int64(5), st.Packetizer.Frames)
	assert.Equal(t, int64(len(tx.chunks)), st.SentChunks)
	assert.Equal(t, int64(5*(1200+framing.HeaderSize)), st.SentBytes)
	assert.Zero(t, st.EmptyCaptures)
}

func TestSenderCountsEmptyCaptures(t *testing.T) {
	t.Parallel()

	src := source.NewSynthetic(source.SyntheticConfig{Size: 10, Interval: time.Millisecond, Count: 6, EmptyEvery: 2})
	tx := &recordingSender{}
	s := newTestSender(t, src, tx)

	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, decodeAll(t, tx.wire()), 3)
	assert.Equal(t, int64(3), s.Stats().EmptyCaptures)
}

func TestSenderTransportErrorIsFatal(t *testing.T) {
	t.Parallel()

	base := errors.New("connection reset")
	src := source.NewSynthetic(source.SyntheticConfig{Size: 100, Interval: time.Millisecond})
	tx := &recordingSender{failAt: 3, err: base}
	s := newTestSender(t, src, tx)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	var te *transport.Error
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, 1, tx.closed)
}

type errSource struct{ err error }

func (s errSource) Next(context.Context) (media.Frame, error) { return media.Frame{}, s.err }

func TestSenderSourceError(t *testing.T) {
	t.Parallel()

	base := errors.New("camera unplugged")
	s := newTestSender(t, errSource{base}, &recordingSender{})
	assert.ErrorIs(t, s.Run(context.Background()), base)
}

type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (media.Frame, error) {
	<-ctx.Done()
	return media.Frame{}, ctx.Err()
}

func TestSenderCancelIsCleanStop(t *testing.T) {
	t.Parallel()

	tx := &recordingSender{}
	s := newTestSender(t, blockingSource{}, tx)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
	assert.Equal(t, 1, tx.closed)
}

func TestSenderDropPolicyKeepsWireDecodable(t *testing.T) {
	t.Parallel()

	src := source.NewSynthetic(source.SyntheticConfig{Size: 2000, Interval: time.Millisecond, Count: 50})
	tx := &slowSender{delay: time.Millisecond}
	s, err := NewSender(src, tx, SenderConfig{MTU: 500, QueueCapacity: 8, Policy: bridge.DropNewest, Wait: noWait})
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	frames := decodeAll(t, tx.rec.wire())
	st := s.Stats()
	assert.Equal(t, int64(50), st.Packetizer.Frames)
	assert.Equal(t, int64(len(frames)), st.Packetizer.Frames-st.Packetizer.DroppedFrames)
	for _, f := range frames {
		assert.Len(t, f, 2000)
	}
}

func TestSenderDropPolicyFramesLargerThanQueue(t *testing.T) {
	t.Parallel()

	src := source.NewSynthetic(source.SyntheticConfig{Size: 8000, Interval: time.Millisecond, Count: 20})
	tx := &recordingSender{}
	s, err := NewSender(src, tx, SenderConfig{MTU: 1316, QueueCapacity: 4, Policy: bridge.DropNewest, Wait: noWait})
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	frames := decodeAll(t, tx.wire())
	st := s.Stats()
	assert.NotEmpty(t, frames, "a frame wider than the queue must still reach the wire")
	assert.Positive(t, st.SentChunks)
	assert.Equal(t, int64(len(frames)), st.Packetizer.Frames-st.Packetizer.DroppedFrames)
	for _, f := range frames {
		assert.Len(t, f, 8000)
	}
}

type slowSender struct {
	rec   recordingSender
	delay time.Duration
}

func (s *slowSender) Send(ctx context.Context, c media.Chunk) error {
	time.Sleep(s.delay)
	return s.rec.Send(ctx, c)
}

func (s *slowSender) Close() error { return s.rec.Close() }

// chanReceiver delivers chunks from ch and then end.
type chanReceiver struct {
	ch  chan media.Chunk
	end error
}

func (r *chanReceiver) Recv(ctx context.Context) (media.Chunk, error) {
	select {
	case c, ok := <-r.ch:
		if !ok {
			return media.Chunk{}, r.end
		}
		return c, nil
	case <-ctx.Done():
		return media.Chunk{}, ctx.Err()
	}
}

func (r *chanReceiver) Close() error { return nil }

type fakeConn struct {
	key    string
	rx     *chanReceiver
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(key string, wire []byte, split int, end error) *fakeConn {
	rx := &chanReceiver{ch: make(chan media.Chunk, len(wire)/split+1), end: end}
	for off := 0; off < len(wire); off += split {
		rx.ch <- media.Chunk{At: time.Now(), Data: wire[off:min(off+split, len(wire))]}
	}
	close(rx.ch)
	return &fakeConn{key: key, rx: rx, closed: make(chan struct{})}
}

func (c *fakeConn) StreamKey() string  { return c.key }
func (c *fakeConn) RemoteAddr() string { return "fake:1" }
func (c *fakeConn) Sender(context.Context) (transport.Sender, error) {
	return nil, errors.New("receive only")
}
func (c *fakeConn) Receiver(context.Context) (transport.Receiver, error) { return c.rx, nil }
func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	frames []media.Frame
	failOn map[uint64]bool
	closed int
}

func (s *captureSink) WriteFrame(f media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[f.Seq] {
		return errors.New("disk full")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *captureSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *captureSink) payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Payload
	}
	return out
}

func opener(s *captureSink) SinkOpener {
	return func(string) (sink.Sink, error) { return s, nil }
}

func encodeFrames(payloads ...[]byte) []byte {
	var wire []byte
	for _, p := range payloads {
		wire = framing.AppendWire(wire, p)
	}
	return wire
}

func TestReceiverServe(t *testing.T) {
	t.Parallel()

	payloads := [][]byte{[]byte("a"), {}, bytes.Repeat([]byte{3}, 4000)}
	conn := newFakeConn("cam1", encodeFrames(payloads...), 7, io.EOF)
	out := &captureSink{}
	r := NewReceiver(opener(out), ReceiverConfig{})

	require.NoError(t, r.Serve(context.Background(), conn))

	got := out.payloads()
	require.Len(t, got, 3)
	for i := range payloads {
		assert.True(t, bytes.Equal(payloads[i], got[i]))
		assert.Equal(t, uint64(i), out.frames[i].Seq)
	}
	assert.Equal(t, 1, out.closed)
	assert.Empty(t, r.Streams().List())

	select {
	case <-conn.closed:
	default:
		t.Fatal("connection not closed")
	}
}

func TestReceiverSinkErrorsDoNotStopStream(t *testing.T) {
	t.Parallel()

	conn := newFakeConn("cam1", encodeFrames([]byte("a"), []byte("b"), []byte("c")), 3, io.EOF)
	out := &captureSink{failOn: map[uint64]bool{1: true}}
	streams := stream.NewManager(nil)
	r := NewReceiver(opener(out), ReceiverConfig{Streams: streams})

	require.NoError(t, r.Serve(context.Background(), conn))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("c")}, out.payloads())
}

func TestReceiverDuplicateStream(t *testing.T) {
	t.Parallel()

	streams := stream.NewManager(nil)
	_, ok := streams.Create("cam1", "other")
	require.True(t, ok)

	out := &captureSink{}
	r := NewReceiver(opener(out), ReceiverConfig{Streams: streams})
	err := r.Serve(context.Background(), newFakeConn("cam1", nil, 1, io.EOF))
	assert.ErrorIs(t, err, ErrDuplicateStream)
	assert.Zero(t, out.closed)
}

func TestReceiverTransportError(t *testing.T) {
	t.Parallel()

	base := transport.Wrap("recv", errors.New("peer vanished"))
	out := &captureSink{}
	r := NewReceiver(opener(out), ReceiverConfig{})

	err := r.Serve(context.Background(), newFakeConn("cam1", encodeFrames([]byte("ok")), 100, base))
	assert.ErrorIs(t, err, base)
	assert.Len(t, out.payloads(), 1)
}

func TestReceiverFreshReassemblyPerConnection(t *testing.T) {
	t.Parallel()

	out := &captureSink{}
	r := NewReceiver(opener(out), ReceiverConfig{})
	ctx := context.Background()

	partial := encodeFrames(bytes.Repeat([]byte{1}, 100))[:50]
	require.NoError(t, r.Serve(ctx, newFakeConn("cam1", partial, 10, io.EOF)))
	assert.Empty(t, out.payloads())

	require.NoError(t, r.Serve(ctx, newFakeConn("cam1", encodeFrames([]byte("fresh")), 2, io.EOF)))
	assert.Equal(t, [][]byte{[]byte("fresh")}, out.payloads())
}

func TestReceiverMaxFrameSizeResyncs(t *testing.T) {
	t.Parallel()

	out := &captureSink{}
	streams := stream.NewManager(nil)
	r := NewReceiver(opener(out), ReceiverConfig{MaxFrameSize: 16, Streams: streams})

	wire := encodeFrames(make([]byte, 64))
	require.NoError(t, r.Serve(context.Background(), newFakeConn("cam1", wire, len(wire), io.EOF)))
	assert.Empty(t, out.payloads())
}

type fakeListener struct {
	conns  chan transport.Conn
	closed chan struct{}
	once   sync.Once
}

func (l *fakeListener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeListener) Addr() string { return "fake" }

func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func TestReceiverListenServesEachConnection(t *testing.T) {
	t.Parallel()

	ln := &fakeListener{conns: make(chan transport.Conn, 2), closed: make(chan struct{})}
	ln.conns <- newFakeConn("cam1", encodeFrames([]byte("one")), 2, io.EOF)
	ln.conns <- newFakeConn("cam2", encodeFrames([]byte("two")), 2, io.EOF)

	var mu sync.Mutex
	sinks := map[string]*captureSink{}
	open := func(key string) (sink.Sink, error) {
		mu.Lock()
		defer mu.Unlock()
		s := &captureSink{}
		sinks[key] = s
		return s, nil
	}
	r := NewReceiver(open, ReceiverConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Listen(ctx, ln) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sinks) == 2 && sinks["cam1"].closeCount() == 1 && sinks["cam2"].closeCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("one")}, sinks["cam1"].payloads())
	assert.Equal(t, [][]byte{[]byte("two")}, sinks["cam2"].payloads())
}
