package mpegts

import "time"

// ptsWrap is the period of the 33-bit 90 kHz PES clock.
const ptsWrap = int64(1) << 33

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// pesTimestamp returns the decode timestamp of the PES packet starting in
// payload, falling back to the PTS when no DTS is present. Units are in
// decode order, so DTS is the monotonic clock when B-frames are present.
func pesTimestamp(payload []byte) (int64, bool) {
	if len(payload) < 9 || !isPESPayload(payload) {
		return 0, false
	}
	switch payload[3] {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		// No optional PES header on these stream ids.
		return 0, false
	}

	ptsDTSIndicator := (payload[7] >> 6) & 0x03
	switch ptsDTSIndicator {
	case 2: // PTS only
		if len(payload) >= 14 {
			return parseTimestamp(payload[9:14]), true
		}
	case 3: // PTS + DTS
		if len(payload) >= 19 {
			return parseTimestamp(payload[14:19]), true
		}
	}
	return 0, false
}

// parseTimestamp extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parseTimestamp(bs []byte) int64 {
	return int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
}

// unwrapper extends 33-bit timestamps into a monotonic 64-bit timeline.
type unwrapper struct {
	last   int64
	offset int64
	init   bool
}

func (u *unwrapper) unwrap(raw int64) int64 {
	if u.init {
		switch d := raw - u.last; {
		case d < -ptsWrap/2:
			u.offset += ptsWrap
		case d > ptsWrap/2 && u.offset >= ptsWrap:
			// A straggler from before the last wrap.
			return raw + u.offset - ptsWrap
		}
	}
	u.last = raw
	u.init = true
	return raw + u.offset
}

// ticksToDuration converts 90 kHz ticks to a Duration without overflowing
// for any unwrapped timestamp a real stream reaches.
func ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks * 100000 / 9)
}
