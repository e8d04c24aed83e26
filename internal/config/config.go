// Package config loads framecast settings from an optional YAML file and
// FRAMECAST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/framecast/internal/bridge"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/sink"
	"github.com/zsiec/framecast/internal/transport"
)

// Transport kinds.
const (
	TransportSRT  = "srt"
	TransportQUIC = "quic"
)

// Source kinds.
const (
	SourceSynthetic = "synthetic"
	SourceTS        = "ts"
	SourceFramefile = "framefile"
)

// Config holds the settings of both the send and receive sides.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Transport TransportConfig `yaml:"transport"`
	Send      SendConfig      `yaml:"send"`
	Recv      RecvConfig      `yaml:"recv"`
}

// TransportConfig is shared by both sides of a stream.
type TransportConfig struct {
	Kind        string        `yaml:"kind"`
	StreamKey   string        `yaml:"stream_key"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// SRT listener: reject callers that send no stream id.
	RequireStreamID bool `yaml:"require_stream_id"`

	// QUIC only.
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	Fingerprint        string `yaml:"fingerprint"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// SendConfig configures framecast send.
type SendConfig struct {
	Addr          string       `yaml:"addr"`
	Mode          string       `yaml:"mode"`
	MTU           int          `yaml:"mtu"`
	QueueCapacity int          `yaml:"queue_capacity"`
	Overflow      string       `yaml:"overflow"`
	Source        SourceConfig `yaml:"source"`
}

// SourceConfig selects and parameterizes the frame source.
type SourceConfig struct {
	Kind     string        `yaml:"kind"`
	Path     string        `yaml:"path"`
	Size     int           `yaml:"size"`
	Interval time.Duration `yaml:"interval"`
	Count    int           `yaml:"count"`
	PID      uint16        `yaml:"pid"`
}

// RecvConfig configures framecast recv.
type RecvConfig struct {
	Addr         string     `yaml:"addr"`
	Mode         string     `yaml:"mode"`
	MaxFrameSize int        `yaml:"max_frame_size"`
	Sink         SinkConfig `yaml:"sink"`
}

// SinkConfig selects where received frames go. A "{key}" in Path is
// replaced by the stream key.
type SinkConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// Default returns the built-in configuration: the sender listens on port
// 9999 and the receiver calls it on loopback over SRT.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Transport: TransportConfig{
			Kind:        TransportSRT,
			StreamKey:   "default",
			DialTimeout: 10 * time.Second,
		},
		Send: SendConfig{
			Addr:          ":9999",
			Mode:          "listen",
			MTU:           media.DefaultMTU,
			QueueCapacity: media.DefaultQueueCapacity,
			Overflow:      "drop",
			Source: SourceConfig{
				Kind:     SourceSynthetic,
				Size:     8000,
				Interval: 30 * time.Millisecond,
			},
		},
		Recv: RecvConfig{
			Addr:         "127.0.0.1:9999",
			Mode:         "call",
			MaxFrameSize: 64 << 20,
			Sink: SinkConfig{
				Kind: string(sink.KindFile),
				Path: "-",
			},
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// not an error. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FRAMECAST_* variables looked up with
// getenv. Unset or empty variables leave the field unchanged.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	env := func(key string, dst *string) {
		if v := getenv("FRAMECAST_" + key); v != "" {
			*dst = v
		}
	}
	var errs []error
	envInt := func(key string, dst *int) {
		v := getenv("FRAMECAST_" + key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FRAMECAST_%s: %w", key, err))
			return
		}
		*dst = n
	}

	env("LOG_LEVEL", &c.LogLevel)
	env("TRANSPORT", &c.Transport.Kind)
	env("STREAM_KEY", &c.Transport.StreamKey)
	env("FINGERPRINT", &c.Transport.Fingerprint)
	env("CERT_FILE", &c.Transport.CertFile)
	env("KEY_FILE", &c.Transport.KeyFile)
	env("SEND_ADDR", &c.Send.Addr)
	env("SEND_MODE", &c.Send.Mode)
	env("OVERFLOW", &c.Send.Overflow)
	env("SOURCE", &c.Send.Source.Kind)
	env("SOURCE_PATH", &c.Send.Source.Path)
	env("RECV_ADDR", &c.Recv.Addr)
	env("RECV_MODE", &c.Recv.Mode)
	env("SINK", &c.Recv.Sink.Kind)
	env("SINK_PATH", &c.Recv.Sink.Path)
	envInt("MTU", &c.Send.MTU)
	envInt("QUEUE_CAPACITY", &c.Send.QueueCapacity)
	envInt("MAX_FRAME_SIZE", &c.Recv.MaxFrameSize)

	return errors.Join(errs...)
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	switch c.Transport.Kind {
	case TransportSRT, TransportQUIC:
	default:
		errs = append(errs, fmt.Errorf("transport.kind must be srt or quic, got %q", c.Transport.Kind))
	}
	if c.Transport.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.dial_timeout must not be negative, got %s", c.Transport.DialTimeout))
	}
	if (c.Transport.CertFile == "") != (c.Transport.KeyFile == "") {
		errs = append(errs, errors.New("transport.cert_file and transport.key_file must be set together"))
	}

	errs = append(errs, c.validateSend()...)
	errs = append(errs, c.validateRecv()...)
	return errors.Join(errs...)
}

func (c *Config) validateSend() []error {
	var errs []error
	s := c.Send

	if s.Addr == "" {
		errs = append(errs, errors.New("send.addr is required"))
	}
	if _, err := transport.ParseMode(s.Mode); err != nil {
		errs = append(errs, fmt.Errorf("send.mode: %w", err))
	}
	if s.MTU <= 0 {
		errs = append(errs, fmt.Errorf("send.mtu must be positive, got %d", s.MTU))
	} else if c.Transport.Kind == TransportSRT && s.MTU > media.DefaultMTU {
		errs = append(errs, fmt.Errorf("send.mtu must be at most %d for srt, got %d", media.DefaultMTU, s.MTU))
	}
	if s.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("send.queue_capacity must be positive, got %d", s.QueueCapacity))
	}
	if _, err := bridge.ParsePolicy(s.Overflow); err != nil {
		errs = append(errs, fmt.Errorf("send.overflow: %w", err))
	}

	src := s.Source
	switch src.Kind {
	case SourceSynthetic:
		if src.Size <= 0 {
			errs = append(errs, fmt.Errorf("send.source.size must be positive, got %d", src.Size))
		}
		if src.Interval < 0 {
			errs = append(errs, fmt.Errorf("send.source.interval must not be negative, got %s", src.Interval))
		}
	case SourceTS, SourceFramefile:
		if src.Path == "" {
			errs = append(errs, fmt.Errorf("send.source.path is required for %s sources", src.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("send.source.kind must be synthetic, ts or framefile, got %q", src.Kind))
	}
	if src.Count < 0 {
		errs = append(errs, fmt.Errorf("send.source.count must not be negative, got %d", src.Count))
	}
	return errs
}

func (c *Config) validateRecv() []error {
	var errs []error
	r := c.Recv

	if r.Addr == "" {
		errs = append(errs, errors.New("recv.addr is required"))
	}
	if _, err := transport.ParseMode(r.Mode); err != nil {
		errs = append(errs, fmt.Errorf("recv.mode: %w", err))
	}
	if r.MaxFrameSize < 0 {
		errs = append(errs, fmt.Errorf("recv.max_frame_size must not be negative, got %d", r.MaxFrameSize))
	}
	kind, err := sink.ParseKind(r.Sink.Kind)
	if err != nil {
		errs = append(errs, fmt.Errorf("recv.sink.kind: %w", err))
	} else if kind != sink.KindDiscard && r.Sink.Path == "" {
		errs = append(errs, fmt.Errorf("recv.sink.path is required for %s sinks", kind))
	}
	return errs
}

// SlogLevel parses LogLevel (debug, info, warn or error).
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return l, nil
}

// SinkPath returns the sink path for a stream, substituting "{key}".
func (c *Config) SinkPath(streamKey string) string {
	return strings.ReplaceAll(c.Recv.Sink.Path, "{key}", streamKey)
}
