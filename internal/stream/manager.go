// Package stream tracks the receive streams that are currently connected,
// keyed by stream key, with per-stream ingest counters.
package stream

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Stats captures connection-level metrics for one receive stream.
type Stats struct {
	Key           string `json:"key"`
	RemoteAddr    string `json:"remoteAddr"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	Frames        int64  `json:"frames"`
	Resyncs       int64  `json:"resyncs"`
	SinkErrors    int64  `json:"sinkErrors"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
}

// Stream is one connected receive stream.
type Stream struct {
	Key        string
	RemoteAddr string
	StartedAt  time.Time

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	frames        atomic.Int64
	resyncs       atomic.Int64
	sinkErrors    atomic.Int64
}

// RecordRead counts one transport delivery of n bytes.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// RecordFrame counts one reassembled frame.
func (s *Stream) RecordFrame() { s.frames.Add(1) }

// RecordSinkError counts a frame the sink failed to accept.
func (s *Stream) RecordSinkError() { s.sinkErrors.Add(1) }

// SetResyncs records the reassembler's framing-error count.
func (s *Stream) SetResyncs(n int64) { s.resyncs.Store(n) }

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Key:           s.Key,
		RemoteAddr:    s.RemoteAddr,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		Frames:        s.frames.Load(),
		Resyncs:       s.resyncs.Load(),
		SinkErrors:    s.sinkErrors.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
	}
}

// Manager tracks active receive streams.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a new stream. It returns false if a stream with this
// key is already connected.
func (m *Manager) Create(key, remoteAddr string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key, "remote", remoteAddr)
		return nil, false
	}

	s := &Stream{
		Key:        key,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
	}
	m.streams[key] = s
	m.log.Info("stream created", "key", key, "remote", remoteAddr)
	return s, true
}

// Remove removes a stream. Removing an unknown key is a no-op.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	_, ok := m.streams[key]
	delete(m.streams, key)
	m.mu.Unlock()

	if ok {
		m.log.Info("stream removed", "key", key)
	}
}

// List returns all active streams ordered by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(streams, func(a, b *Stream) int { return strings.Compare(a.Key, b.Key) })
	return streams
}

// Snapshot returns the stats of all active streams ordered by key.
func (m *Manager) Snapshot() []Stats {
	streams := m.List()
	out := make([]Stats, len(streams))
	for i, s := range streams {
		out[i] = s.Stats()
	}
	return out
}
