package framing

import (
	"encoding/binary"
	"iter"
	"math"
)

// Decoder reassembles frames from wire bytes delivered in arbitrary pieces.
// The zero value is ready to use. A Decoder is not safe for concurrent use;
// it belongs to a single receive loop.
type Decoder struct {
	// MaxFrameSize bounds the accepted length prefix. Zero accepts anything
	// the 32-bit length field can express.
	MaxFrameSize int

	// OnError, if set, is called for every framing error before the buffer
	// is discarded.
	OnError func(*FramingError)

	buf         []byte
	off         int
	expected    int
	hasExpected bool
	resyncs     int
}

// Feed appends incoming to the buffer and returns the frames it completes.
// Length prefixes are consumed as soon as four bytes are buffered; frames
// are extracted as the sequence is iterated. Frames left unread when the
// caller stops early are yielded by the next Feed or Frames call.
func (d *Decoder) Feed(incoming []byte) iter.Seq[[]byte] {
	d.compact()
	d.buf = append(d.buf, incoming...)
	if !d.hasExpected {
		d.readPrefix()
	}
	return d.Frames()
}

// Frames yields complete frames already buffered without adding new data.
func (d *Decoder) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			frame, ok := d.next()
			if !ok || !yield(frame) {
				return
			}
		}
	}
}

// Buffered returns the number of unconsumed bytes, excluding length
// prefixes already read.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Expected returns the payload length of the frame being assembled, and
// false if no length prefix has been read yet.
func (d *Decoder) Expected() (int, bool) {
	return d.expected, d.hasExpected
}

// Resyncs returns how many times the decoder discarded its buffer after a
// framing error.
func (d *Decoder) Resyncs() int {
	return d.resyncs
}

// Reset discards all buffered state. Used when a connection is recreated.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.off = 0
	d.expected = 0
	d.hasExpected = false
}

func (d *Decoder) next() ([]byte, bool) {
	if !d.hasExpected || d.Buffered() < d.expected {
		return nil, false
	}
	frame := make([]byte, d.expected)
	copy(frame, d.buf[d.off:d.off+d.expected])
	d.off += d.expected
	d.expected = 0
	d.hasExpected = false
	d.readPrefix()
	return frame, true
}

// readPrefix consumes a length prefix if one is fully buffered.
func (d *Decoder) readPrefix() {
	if d.Buffered() < HeaderSize {
		return
	}
	n := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += HeaderSize
	if uint64(n) > maxLength || d.MaxFrameSize > 0 && uint64(n) > uint64(d.MaxFrameSize) {
		d.fail(&FramingError{Length: n, Buffered: d.Buffered(), Err: ErrFrameTooLarge})
		return
	}
	d.expected = int(n)
	d.hasExpected = true
}

// maxLength is the largest prefix that fits an int. It only binds on
// 32-bit platforms.
var maxLength = uint64(math.MaxInt)

func (d *Decoder) fail(err *FramingError) {
	if d.OnError != nil {
		d.OnError(err)
	}
	d.resyncs++
	d.Reset()
}

// compact reclaims the consumed prefix of the buffer once it dominates.
func (d *Decoder) compact() {
	switch {
	case d.off == 0:
	case d.off == len(d.buf):
		d.buf = d.buf[:0]
		d.off = 0
	case d.off > cap(d.buf)/2:
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
}
