package srt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/framecast/internal/framing"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/transport"
)

func TestDialConfigStreamID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  DialConfig
		want string
	}{
		{name: "empty", cfg: DialConfig{}, want: ""},
		{name: "key gets live prefix", cfg: DialConfig{StreamKey: "cam1"}, want: "live/cam1"},
		{name: "explicit id wins", cfg: DialConfig{StreamKey: "cam1", StreamID: "#!::r=cam1"}, want: "#!::r=cam1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.cfg.streamID())
		})
	}
}

func TestConnRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	sendConn := newConn(a, "live/cam1", "peer", func() { a.Close() })
	recvConn := newConn(b, "/cam1", "peer", func() { b.Close() })

	assert.Equal(t, "cam1", sendConn.StreamKey())
	assert.Equal(t, "cam1", recvConn.StreamKey())
	assert.Equal(t, "peer", recvConn.RemoteAddr())

	ctx := context.Background()
	s, err := sendConn.Sender(ctx)
	require.NoError(t, err)
	r, err := recvConn.Receiver(ctx)
	require.NoError(t, err)

	msgs := [][]byte{[]byte("first"), make([]byte, media.DefaultMTU), []byte("last")}
	go func() {
		for _, m := range msgs {
			if err := s.Send(ctx, media.Chunk{Data: m}); err != nil {
				return
			}
		}
		s.Close()
	}()

	var got [][]byte
	for {
		c, err := r.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, c.Data)
	}
	assert.Equal(t, msgs, got)
	require.NoError(t, r.Close())
}

func TestConnCloseOnce(t *testing.T) {
	t.Parallel()

	a, _ := net.Pipe()
	calls := 0
	c := newConn(a, "", "", func() { calls++; a.Close() })
	assert.Equal(t, "default", c.StreamKey())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, calls)
}

func TestListenerAcceptAfterClose(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	closes := 0
	l := &Listener{
		log: slog.Default(),
		accept: func() (*srtgo.Conn, error) {
			<-release
			return nil, errors.New("listener closed")
		},
		close: func() { closes++; close(release) },
	}

	go l.Close()
	_, err := l.Accept(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)

	require.NoError(t, l.Close())
	assert.Equal(t, 1, closes)
}

func TestListenerAcceptCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	l := &Listener{
		log: slog.Default(),
		accept: func() (*srtgo.Conn, error) {
			<-release
			return nil, errors.New("listener closed")
		},
		close: func() { close(release) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Accept(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListenerAcceptError(t *testing.T) {
	t.Parallel()

	base := errors.New("handshake failed")
	l := &Listener{
		log:    slog.Default(),
		accept: func() (*srtgo.Conn, error) { return nil, base },
		close:  func() {},
	}

	_, err := l.Accept(context.Background())
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "accept", te.Op)
	assert.ErrorIs(t, err, base)
}

// freeUDPAddr returns a loopback UDP address that was free a moment ago.
func freeUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	return addr
}

func TestLoopback(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := Listen(freeUDPAddr(t), ListenConfig{RequireStreamID: true})
	require.NoError(t, err)
	defer ln.Close()

	payloads := [][]byte{[]byte("alpha"), {}, make([]byte, 5000), []byte("omega")}
	received := make(chan struct{})

	sendErr := make(chan error, 1)
	go func() {
		c, err := Dial(ctx, ln.Addr(), DialConfig{StreamKey: "cam"})
		if err != nil {
			sendErr <- err
			return
		}
		defer c.Close()
		s, err := c.Sender(ctx)
		if err != nil {
			sendErr <- err
			return
		}
		for _, p := range payloads {
			for seg := range framing.Segments(p, media.DefaultMTU) {
				if err := s.Send(ctx, media.Chunk{Data: seg}); err != nil {
					sendErr <- err
					return
				}
			}
		}
		// Keep the connection up until the receiver has everything.
		select {
		case <-received:
		case <-ctx.Done():
		}
		sendErr <- s.Close()
	}()

	conn, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "cam", conn.StreamKey())

	r, err := conn.Receiver(ctx)
	require.NoError(t, err)

	var dec framing.Decoder
	var got [][]byte
	for len(got) < len(payloads) {
		c, err := r.Recv(ctx)
		require.NoError(t, err)
		for f := range dec.Feed(c.Data) {
			got = append(got, f)
		}
	}
	close(received)
	require.NoError(t, <-sendErr)

	require.Len(t, got, len(payloads))
	for i := range payloads {
		assert.True(t, bytes.Equal(payloads[i], got[i]), "frame %d", i)
	}
}
