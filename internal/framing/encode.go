// Package framing implements the framecast wire format:
//
//	frame_wire := length:u32(big-endian) || payload:byte[length]
//
// Encoding splits a frame's wire form into segments no larger than the
// transport MTU. Decoding accepts those segments split at arbitrary
// boundaries, including inside the length prefix, and yields whole frames.
package framing

import (
	"encoding/binary"
	"iter"
	"math"
	"slices"
)

// HeaderSize is the size of the big-endian length prefix.
const HeaderSize = 4

// Encoder cuts frames into wire segments of at most MTU bytes.
type Encoder struct {
	mtu int
}

// NewEncoder returns an Encoder for the given MTU.
func NewEncoder(mtu int) (*Encoder, error) {
	if mtu <= 0 {
		return nil, ErrInvalidMTU
	}
	return &Encoder{mtu: mtu}, nil
}

// MTU returns the maximum segment size.
func (e *Encoder) MTU() int {
	return e.mtu
}

// Segments returns the wire segments for payload as a sequence.
func (e *Encoder) Segments(payload []byte) iter.Seq[[]byte] {
	return Segments(payload, e.mtu)
}

// SegmentCount returns how many segments a payload of n bytes encodes to.
func (e *Encoder) SegmentCount(n int) int {
	return (HeaderSize + n + e.mtu - 1) / e.mtu
}

// AppendWire appends the wire form of payload to dst. It panics if payload
// does not fit the 32-bit length field.
func AppendWire(dst, payload []byte) []byte {
	if uint64(len(payload)) > math.MaxUint32 {
		panic("framing: payload length exceeds u32 length field")
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Encode prepends the length prefix to payload and splits the result into
// segments of at most mtu bytes.
func Encode(payload []byte, mtu int) [][]byte {
	return slices.Collect(Segments(payload, mtu))
}

// Segments is the lazy form of Encode. The wire form is built once when
// Segments is called; each yielded segment is a capacity-limited view of it.
func Segments(payload []byte, mtu int) iter.Seq[[]byte] {
	if mtu <= 0 {
		panic("framing: non-positive mtu")
	}
	wire := AppendWire(make([]byte, 0, HeaderSize+len(payload)), payload)
	return func(yield func([]byte) bool) {
		for off := 0; off < len(wire); off += mtu {
			end := min(off+mtu, len(wire))
			if !yield(wire[off:end:end]) {
				return
			}
		}
	}
}
