package peernet

import (
	"encoding/binary"
	"fmt"
)

// maxSenderLen bounds the sender-identity field of an envelope.
const maxSenderLen = 256

// Envelope is the wire-level unit exchanged with a peer: a correlation id,
// the sender's identity and an opaque payload. The connection layer inspects
// only RequestID; the payload belongs to the application above.
type Envelope struct {
	RequestID uint32
	Sender    string
	Payload   []byte
}

// Codec translates between envelopes and frame bytes. Frames carry no outer
// length header; length delimiting belongs to stream transports, and
// message-based transports (WebSocket) need none.
type Codec interface {
	Encode(requestID uint32, sender string, payload []byte) []byte
	Decode(frame []byte) (Envelope, error)
}

// BinaryCodec is the default envelope codec.
//
// Frame layout, all integers big-endian:
//
//	[4-byte request id][2-byte sender length][sender UTF-8 bytes][payload]
type BinaryCodec struct{}

func (BinaryCodec) Encode(requestID uint32, sender string, payload []byte) []byte {
	var hdr [6]byte
	binary.BigEndian.PutUint32(hdr[:4], requestID)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(sender)))

	buf := make([]byte, 0, len(hdr)+len(sender)+len(payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, sender...)
	buf = append(buf, payload...)
	return buf
}

// Decode parses a frame. The returned payload aliases the input slice.
func (BinaryCodec) Decode(frame []byte) (Envelope, error) {
	if len(frame) < 6 {
		return Envelope{}, fmt.Errorf("codec: frame too short (%d bytes)", len(frame))
	}
	senderLen := int(binary.BigEndian.Uint16(frame[4:6]))
	if senderLen > maxSenderLen {
		return Envelope{}, fmt.Errorf("codec: sender length %d exceeds limit", senderLen)
	}
	if len(frame) < 6+senderLen {
		return Envelope{}, fmt.Errorf("codec: truncated sender field")
	}
	return Envelope{
		RequestID: binary.BigEndian.Uint32(frame[:4]),
		Sender:    string(frame[6 : 6+senderLen]),
		Payload:   frame[6+senderLen:],
	}, nil
}
