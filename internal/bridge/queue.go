// Package bridge provides the bounded queue that decouples the packetizer's
// pacing schedule from the transport send loop.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zsiec/framecast/internal/media"
)

// Sentinel errors returned by Queue.
var (
	ErrClosed          = errors.New("bridge: queue closed")
	ErrInvalidCapacity = errors.New("bridge: capacity must be positive")
)

// Policy selects what Enqueue does when the queue is full.
type Policy int

// Overflow policies.
const (
	// BlockProducer suspends the producer until the consumer frees space.
	BlockProducer Policy = iota
	// DropNewest discards the item being enqueued and reports the drop.
	// Capture pipelines use it so a slow link never stalls the camera.
	DropNewest
)

func (p Policy) String() string {
	switch p {
	case BlockProducer:
		return "block"
	case DropNewest:
		return "drop"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "block" or "drop".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block", "block_producer":
		return BlockProducer, nil
	case "drop", "drop_newest":
		return DropNewest, nil
	}
	return 0, fmt.Errorf("bridge: unknown overflow policy %q", s)
}

// Config configures a Queue.
type Config struct {
	Capacity int
	Policy   Policy

	// OnDrop is called with the number of items discarded each time
	// DropNewest rejects an enqueue.
	OnDrop func(n int)
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Capacity   int   `json:"capacity"`
	Depth      int   `json:"depth"`
	Enqueued   int64 `json:"enqueued"`
	Dequeued   int64 `json:"dequeued"`
	Dropped    int64 `json:"dropped"`
	DropEvents int64 `json:"dropEvents"`
}

// Queue is a fixed-capacity FIFO of chunks. Any number of producers may
// enqueue; a single consumer drains it. Closing the queue lets the consumer
// drain what remains and then observe the end of the sequence.
type Queue struct {
	policy Policy
	onDrop func(int)
	items  chan media.Chunk
	done   chan struct{}
	once   sync.Once

	// mu is held shared by producers for the duration of an enqueue and
	// exclusively by Close before items is closed, so no send can race
	// with the close.
	mu sync.RWMutex
	// sendMu keeps each batch contiguous in the queue.
	sendMu sync.Mutex

	enqueued   atomic.Int64
	dequeued   atomic.Int64
	dropped    atomic.Int64
	dropEvents atomic.Int64
}

// New creates a Queue from cfg.
func New(cfg Config) (*Queue, error) {
	if cfg.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if cfg.Policy != BlockProducer && cfg.Policy != DropNewest {
		return nil, fmt.Errorf("bridge: invalid policy %v", cfg.Policy)
	}
	return &Queue{
		policy: cfg.Policy,
		onDrop: cfg.OnDrop,
		items:  make(chan media.Chunk, cfg.Capacity),
		done:   make(chan struct{}),
	}, nil
}

// Enqueue adds item to the queue. Under BlockProducer it waits for space;
// under DropNewest a full queue discards item and dropped is true. The
// error is non-nil only when the queue is closed or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, item media.Chunk) (dropped bool, err error) {
	return q.EnqueueBatch(ctx, []media.Chunk{item})
}

// EnqueueBatch adds items as one contiguous run. Under DropNewest the batch
// is accepted or dropped as a whole, so a frame is never cut short on the
// wire. A batch larger than the capacity is admitted only into an empty
// queue, and then waits for the consumer as BlockProducer does.
func (q *Queue) EnqueueBatch(ctx context.Context, items []media.Chunk) (dropped bool, err error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	select {
	case <-q.done:
		return false, ErrClosed
	default:
	}

	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	if q.policy == DropNewest {
		free := cap(q.items) - len(q.items)
		switch {
		case len(items) > cap(q.items) && free == cap(q.items):
			return false, q.send(ctx, items)
		case free < len(items):
			q.recordDrop(len(items))
			return true, nil
		}
		// Only the consumer removes items while sendMu is held, so free
		// space can only grow and these sends never block.
		for _, it := range items {
			q.items <- it
		}
		q.enqueued.Add(int64(len(items)))
		return false, nil
	}

	return false, q.send(ctx, items)
}

// send enqueues items one by one, waiting for space.
func (q *Queue) send(ctx context.Context, items []media.Chunk) error {
	for _, it := range items {
		select {
		case q.items <- it:
			q.enqueued.Add(1)
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Dequeue returns the oldest item, waiting while the queue is empty. It
// returns ErrClosed once the queue is closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (media.Chunk, error) {
	select {
	case it, ok := <-q.items:
		if !ok {
			return media.Chunk{}, ErrClosed
		}
		q.dequeued.Add(1)
		return it, nil
	case <-ctx.Done():
		return media.Chunk{}, ctx.Err()
	}
}

// Items yields items in FIFO order until the queue is closed and drained
// or ctx is done.
func (q *Queue) Items(ctx context.Context) iter.Seq[media.Chunk] {
	return func(yield func(media.Chunk) bool) {
		for {
			it, err := q.Dequeue(ctx)
			if err != nil || !yield(it) {
				return
			}
		}
	}
}

// Close stops accepting items. Blocked producers return ErrClosed; items
// already queued remain available to the consumer. Close is idempotent.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		close(q.items)
		q.mu.Unlock()
	})
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.items)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Capacity:   cap(q.items),
		Depth:      len(q.items),
		Enqueued:   q.enqueued.Load(),
		Dequeued:   q.dequeued.Load(),
		Dropped:    q.dropped.Load(),
		DropEvents: q.dropEvents.Load(),
	}
}

func (q *Queue) recordDrop(n int) {
	q.dropped.Add(int64(n))
	q.dropEvents.Add(1)
	if q.onDrop != nil {
		q.onDrop(n)
	}
}
