// Package media defines the units that flow through a framecast stream:
// frames produced by a source and the transport-sized chunks they are cut into.
package media

import "time"

// DefaultMTU is the default chunk size. 1316 bytes = 7 MPEG-TS packets
// (188 * 7), the standard SRT live payload size.
const DefaultMTU = 1316

// DefaultQueueCapacity is the default number of pending chunks between the
// packetizer and the transport send loop.
const DefaultQueueCapacity = 1024

// Frame is one logical media unit: an encoded picture, or a run of muxed
// container bytes sharing a presentation timestamp.
type Frame struct {
	Seq     uint64
	PTS     time.Duration // presentation timestamp on the source's media time base
	Payload []byte

	// ReceivedAt is set on the receive side to the instant of the chunk that
	// completed the frame.
	ReceivedAt time.Time
}

// Chunk is a slice of a frame's wire encoding, tagged with the wall-clock
// instant it was released for sending (or received, on the receive side).
type Chunk struct {
	At   time.Time
	Data []byte
}
