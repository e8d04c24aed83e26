// Package pacing maps media presentation timestamps onto wall-clock release
// deadlines so that a stream leaves at the rate it was recorded, regardless
// of how fast frames were produced.
package pacing

import (
	"context"
	"time"
)

// Anchor is the pacing state carried across a stream: the last accepted
// media timestamp and the deadline computed for it.
type Anchor struct {
	MediaTS  time.Duration
	Deadline time.Time
}

// Clock computes release deadlines. Each deadline is the previous deadline
// plus the media-time delta, never "now" plus the delta, so scheduler
// overhead does not accumulate as drift. Non-increasing timestamps freeze
// the deadline instead of moving it backwards.
//
// Clock never sleeps and is not safe for concurrent use; it is owned by the
// producer of a single stream.
type Clock struct {
	now       func() time.Time
	anchor    Anchor
	anchored  bool
	anomalies int64
}

// NewClock returns a Clock reading wall time from now. If now is nil,
// time.Now is used.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// NextDeadline returns the release deadline for a unit stamped ts. The first
// call anchors the stream at the current instant and returns it.
func (c *Clock) NextDeadline(ts time.Duration) time.Time {
	if !c.anchored {
		c.anchor = Anchor{MediaTS: ts, Deadline: c.now()}
		c.anchored = true
		return c.anchor.Deadline
	}

	delta := ts - c.anchor.MediaTS
	if delta <= 0 {
		c.anomalies++
		return c.anchor.Deadline
	}

	c.anchor = Anchor{MediaTS: ts, Deadline: c.anchor.Deadline.Add(delta)}
	return c.anchor.Deadline
}

// Anchor returns the current pacing state, and false before the first
// NextDeadline call.
func (c *Clock) Anchor() (Anchor, bool) {
	return c.anchor, c.anchored
}

// Anomalies returns how many timestamps were not strictly greater than the
// anchor and therefore reused the previous deadline.
func (c *Clock) Anomalies() int64 {
	return c.anomalies
}

// SleepUntil blocks until deadline or until ctx is done. A deadline in the
// past returns immediately.
func SleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
