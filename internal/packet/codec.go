// Package packet implements the framed wire format used on the SFU-facing
// WebSocket adapters. A frame carries a sequence number, a timestamp, and a
// length-prefixed opaque payload. This package is the only place the framing
// is produced or parsed.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const headerSize = 12 // seq(4) + ts(4) + payload length(4)

var ErrShortFrame = errors.New("packet: frame shorter than header")

// Packet is one decoded SFU media frame. Payload is always an owned copy,
// never a view into the buffer it was decoded from.
type Packet struct {
	Seq       uint32
	Timestamp uint32
	Payload   []byte
}

// Encode frames p into a self-contained byte message. The payload is copied
// so later mutation of p.Payload cannot alias the encoded frame.
func Encode(p Packet) []byte {
	out := make([]byte, headerSize+len(p.Payload))
	binary.BigEndian.PutUint32(out[0:4], p.Seq)
	binary.BigEndian.PutUint32(out[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(p.Payload)))
	copy(out[headerSize:], p.Payload)
	return out
}

// Decode parses a framed message. The returned payload is freshly allocated;
// a trailing odd byte (a torn PCM16 sample) is truncated.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < headerSize {
		return Packet{}, ErrShortFrame
	}
	declared := binary.BigEndian.Uint32(frame[8:12])
	body := frame[headerSize:]
	if int(declared) > len(body) {
		return Packet{}, fmt.Errorf("packet: declared payload %d bytes, frame carries %d", declared, len(body))
	}
	body = body[:declared]
	if len(body)%2 != 0 {
		body = body[:len(body)-1]
	}
	payload := make([]byte, len(body))
	copy(payload, body)
	return Packet{
		Seq:       binary.BigEndian.Uint32(frame[0:4]),
		Timestamp: binary.BigEndian.Uint32(frame[4:8]),
		Payload:   payload,
	}, nil
}
