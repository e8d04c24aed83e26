// Package quic carries framecast chunks over a QUIC connection. The sending
// peer opens one unidirectional stream per connection and writes a stream
// header followed by the encoded chunks. The header is a QUIC varint length
// followed by the stream key.
//
// The sender half-closes the stream when done and waits for the receiver to
// close the connection, so the tail of the stream is never lost to an early
// CONNECTION_CLOSE.
package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/framecast/internal/certs"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/transport"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "framecast"

// MaxStreamKeyLen bounds the stream header.
const MaxStreamKeyLen = 1024

const (
	readBufferSize   = media.DefaultMTU * 10
	closeGracePeriod = 5 * time.Second
	maxIdleTimeout   = 30 * time.Second
)

// ErrStreamKeyTooLong is returned when a stream header announces a key
// longer than MaxStreamKeyLen.
var ErrStreamKeyTooLong = errors.New("quic: stream key too long")

// ListenConfig configures a QUIC listener.
type ListenConfig struct {
	// Cert is served to callers. A self-signed certificate is generated
	// when nil.
	Cert *certs.CertInfo
	Log  *slog.Logger
}

// DialConfig configures a QUIC caller.
type DialConfig struct {
	// StreamKey is announced in the stream header when this side sends.
	StreamKey string
	// Fingerprint pins the listener's certificate (base64 SHA-256). When
	// empty, the certificate chain is verified against ServerName unless
	// InsecureSkipVerify is set.
	Fingerprint        string
	ServerName         string
	InsecureSkipVerify bool
	Log                *slog.Logger
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  maxIdleTimeout,
		KeepAlivePeriod: maxIdleTimeout / 3,
	}
}

// Listener accepts QUIC connections.
type Listener struct {
	log  *slog.Logger
	ln   *quic.Listener
	cert *certs.CertInfo
}

var _ transport.Listener = (*Listener)(nil)

// Listen opens a QUIC listener on addr.
func Listen(addr string, cfg ListenConfig) (*Listener, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "quic-listener")

	cert := cfg.Cert
	if cert == nil {
		var err error
		cert, err = certs.Generate(0)
		if err != nil {
			return nil, transport.Wrap("listen", err)
		}
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCert},
		NextProtos:   []string{ALPN},
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, transport.Wrap("listen", fmt.Errorf("QUIC listen on %s: %w", addr, err))
	}
	log.Info("listening", "addr", ln.Addr().String(), "fingerprint", cert.FingerprintBase64())

	return &Listener{log: log, ln: ln, cert: cert}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, transport.ErrClosed
		}
		return nil, transport.Wrap("accept", err)
	}
	l.log.Info("connection", "remote", qc.RemoteAddr().String())
	return newConn(qc, "", l.log), nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Fingerprint returns the base64 SHA-256 fingerprint of the served
// certificate, for pinning by callers.
func (l *Listener) Fingerprint() string { return l.cert.FingerprintBase64() }

// Close stops accepting.
func (l *Listener) Close() error { return l.ln.Close() }

func (c DialConfig) tlsConfig() (*tls.Config, error) {
	conf := &tls.Config{
		NextProtos: []string{ALPN},
		ServerName: c.ServerName,
	}
	switch {
	case c.Fingerprint != "":
		fp, err := certs.ParseFingerprint(c.Fingerprint)
		if err != nil {
			return nil, err
		}
		conf.InsecureSkipVerify = true
		conf.VerifyPeerCertificate = certs.PinnedVerifier(fp)
	case c.InsecureSkipVerify:
		conf.InsecureSkipVerify = true
	}
	return conf, nil
}

// Dial connects to a QUIC listener at addr.
func Dial(ctx context.Context, addr string, cfg DialConfig) (transport.Conn, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "quic-caller")

	tlsConf, err := cfg.tlsConfig()
	if err != nil {
		return nil, transport.Wrap("dial", err)
	}

	log.Info("dialing", "address", addr, "stream_key", cfg.StreamKey)
	qc, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transport.Wrap("dial", fmt.Errorf("QUIC dial %s: %w", addr, err))
	}
	log.Info("connected", "address", addr)
	return newConn(qc, cfg.StreamKey, log), nil
}

type conn struct {
	qc  quic.Connection
	log *slog.Logger

	mu        sync.Mutex
	streamKey string

	once sync.Once
}

var _ transport.Conn = (*conn)(nil)

func newConn(qc quic.Connection, streamKey string, log *slog.Logger) *conn {
	return &conn{qc: qc, streamKey: streamKey, log: log}
}

func (c *conn) StreamKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return transport.ExtractStreamKey(c.streamKey)
}

func (c *conn) RemoteAddr() string { return c.qc.RemoteAddr().String() }

// Sender opens the media stream and writes the stream header.
func (c *conn) Sender(ctx context.Context) (transport.Sender, error) {
	st, err := c.qc.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, transport.Wrap("send", fmt.Errorf("open stream: %w", err))
	}
	c.mu.Lock()
	key := c.streamKey
	c.mu.Unlock()

	if _, err := st.Write(AppendHeader(nil, key)); err != nil {
		return nil, transport.Wrap("send", fmt.Errorf("write stream header: %w", err))
	}
	return transport.NewWriterSender(st, func() error { return c.finish(st) }), nil
}

// finish half-closes st and waits for the receiver to close the connection.
func (c *conn) finish(st io.Closer) error {
	err := st.Close()
	timer := time.NewTimer(closeGracePeriod)
	defer timer.Stop()
	select {
	case <-c.qc.Context().Done():
	case <-timer.C:
		c.log.Debug("peer did not close connection", "grace", closeGracePeriod)
	}
	c.Close()
	return err
}

// Receiver accepts the peer's media stream and reads its header.
func (c *conn) Receiver(ctx context.Context) (transport.Receiver, error) {
	st, err := c.qc.AcceptUniStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transport.Wrap("recv", fmt.Errorf("accept stream: %w", err))
	}
	br := bufio.NewReaderSize(st, readBufferSize)
	key, err := ReadHeader(br)
	if err != nil {
		c.Close()
		return nil, transport.Wrap("handshake", err)
	}
	c.mu.Lock()
	c.streamKey = key
	c.mu.Unlock()

	return transport.NewReaderReceiver(br, readBufferSize, c.Close), nil
}

func (c *conn) Close() error {
	c.once.Do(func() {
		c.qc.CloseWithError(0, "")
	})
	return nil
}

// AppendHeader appends the stream header announcing key to dst.
func AppendHeader(dst []byte, key string) []byte {
	dst = quicvarint.Append(dst, uint64(len(key)))
	return append(dst, key...)
}

// ReadHeader reads a stream header from r.
func ReadHeader(r *bufio.Reader) (string, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return "", fmt.Errorf("read stream key length: %w", err)
	}
	if n > MaxStreamKeyLen {
		return "", fmt.Errorf("%w: %d bytes", ErrStreamKeyTooLong, n)
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("read stream key: %w", err)
	}
	return string(key), nil
}
