// Package stream implements the framing used to multiplex payloads over the
// FT601's raw FIFO. Each frame is a fixed little-endian preamble, a channel
// word, a length word, then the payload.
package stream

import "encoding/binary"

const (
	// Preamble marks the start of a frame (little-endian on the wire).
	Preamble uint32 = 0x5aa55aa5
	// HeaderLen is the frame header size: preamble + channel + length.
	HeaderLen = 12
)

// Wrap frames payload for transmission on the given channel.
func Wrap(channel byte, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], Preamble)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(channel))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf
}

// Unwrap extracts the first fully contained frame from buf. It scans for
// the preamble because the device may deliver unrelated leading bytes before
// the frame; a preamble hit whose declared length is not covered by the
// remaining bytes is skipped and the scan continues. This is a
// resynchronization heuristic, not a stream parser: a frame split across
// two physical reads is never recovered.
func Unwrap(buf []byte) (channel byte, payload []byte, ok bool) {
	for i := 0; i+HeaderLen <= len(buf); i++ {
		if binary.LittleEndian.Uint32(buf[i:i+4]) != Preamble {
			continue
		}
		ch := binary.LittleEndian.Uint32(buf[i+4 : i+8])
		length := int(binary.LittleEndian.Uint32(buf[i+8 : i+12]))
		start := i + HeaderLen
		if length < 0 || start+length > len(buf) {
			continue
		}
		out := make([]byte, length)
		copy(out, buf[start:start+length])
		return byte(ch), out, true
	}
	return 0, nil, false
}
