package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TransportSRT, cfg.Transport.Kind)
	assert.Equal(t, 1316, cfg.Send.MTU)
	assert.Equal(t, 1024, cfg.Send.QueueCapacity)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "framecast.yaml")
	yml := `
log_level: debug
transport:
  kind: quic
  stream_key: cam1
  fingerprint: abc
send:
  addr: ":7000"
  mtu: 1200
  source:
    kind: ts
    path: in.ts
    interval: 40ms
recv:
  sink:
    kind: dir
    path: out/{key}
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, TransportQUIC, cfg.Transport.Kind)
	assert.Equal(t, "cam1", cfg.Transport.StreamKey)
	assert.Equal(t, ":7000", cfg.Send.Addr)
	assert.Equal(t, 1200, cfg.Send.MTU)
	assert.Equal(t, SourceTS, cfg.Send.Source.Kind)
	assert.Equal(t, 40*time.Millisecond, cfg.Send.Source.Interval)
	assert.Equal(t, "out/cam1", cfg.SinkPath("cam1"))

	// Untouched fields keep their defaults.
	assert.Equal(t, "listen", cfg.Send.Mode)
	assert.Equal(t, 1024, cfg.Send.QueueCapacity)
	assert.Equal(t, "127.0.0.1:9999", cfg.Recv.Addr)
	require.NoError(t, cfg.Validate())
}

func TestLoadMalformed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("send: [1, 2"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"FRAMECAST_TRANSPORT":      "quic",
		"FRAMECAST_SEND_ADDR":      ":8000",
		"FRAMECAST_MTU":            "1000",
		"FRAMECAST_QUEUE_CAPACITY": "64",
		"FRAMECAST_SINK":           "discard",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, TransportQUIC, cfg.Transport.Kind)
	assert.Equal(t, ":8000", cfg.Send.Addr)
	assert.Equal(t, 1000, cfg.Send.MTU)
	assert.Equal(t, 64, cfg.Send.QueueCapacity)
	assert.Equal(t, "discard", cfg.Recv.Sink.Kind)
	assert.Equal(t, "call", cfg.Recv.Mode)
}

func TestApplyEnvBadInt(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"FRAMECAST_MTU":            "big",
		"FRAMECAST_MAX_FRAME_SIZE": "x",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) string { return env[k] })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FRAMECAST_MTU")
	assert.Contains(t, err.Error(), "FRAMECAST_MAX_FRAME_SIZE")
	assert.Equal(t, 1316, cfg.Send.MTU)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"bad transport", func(c *Config) { c.Transport.Kind = "udp" }, "transport.kind"},
		{"zero mtu", func(c *Config) { c.Send.MTU = 0 }, "send.mtu must be positive"},
		{"srt mtu too large", func(c *Config) { c.Send.MTU = 1500 }, "at most 1316"},
		{"zero capacity", func(c *Config) { c.Send.QueueCapacity = 0 }, "send.queue_capacity"},
		{"bad overflow", func(c *Config) { c.Send.Overflow = "spill" }, "send.overflow"},
		{"bad send mode", func(c *Config) { c.Send.Mode = "both" }, "send.mode"},
		{"bad recv mode", func(c *Config) { c.Recv.Mode = "" }, "recv.mode"},
		{"ts without path", func(c *Config) { c.Send.Source.Kind = SourceTS }, "send.source.path"},
		{"unknown source", func(c *Config) { c.Send.Source.Kind = "camera" }, "send.source.kind"},
		{"bad sink", func(c *Config) { c.Recv.Sink.Kind = "screen" }, "recv.sink.kind"},
		{"sink without path", func(c *Config) { c.Recv.Sink.Path = "" }, "recv.sink.path"},
		{"cert without key", func(c *Config) { c.Transport.CertFile = "c.pem" }, "set together"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"negative max frame", func(c *Config) { c.Recv.MaxFrameSize = -1 }, "recv.max_frame_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateQUICAllowsLargerMTU(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Transport.Kind = TransportQUIC
	cfg.Send.MTU = 4096
	assert.NoError(t, cfg.Validate())
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Send.MTU = 0
	cfg.Recv.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send.mtu")
	assert.Contains(t, err.Error(), "recv.addr")
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		cfg := Default()
		cfg.LogLevel = in
		got, err := cfg.SlogLevel()
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
