// Package mpegts cuts an MPEG-TS byte stream into timestamped units for
// framecast. A unit is the run of raw 188-byte packets from one PES start
// on the timing PID up to the next, so concatenating unit payloads yields
// the original transport stream.
package mpegts

import "fmt"

const (
	// PacketSize is the size of one transport stream packet.
	PacketSize = 188
	syncByte   = 0x47
)

// packetHeader holds the header fields the unit splitter needs.
type packetHeader struct {
	PID                       uint16
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	HasAdaptationField        bool
	HasPayload                bool
}

// parsePacket parses buf's header and returns the packet payload as a view
// of buf.
func parsePacket(buf []byte) (packetHeader, []byte, error) {
	var h packetHeader
	if len(buf) != PacketSize {
		return h, nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return h, nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	h.TransportErrorIndicator = buf[1]&0x80 != 0
	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0

	offset := 4
	if h.HasAdaptationField {
		offset += 1 + int(buf[offset])
	}
	if !h.HasPayload || offset >= PacketSize {
		return h, nil, nil
	}
	return h, buf[offset:], nil
}
