package rcon

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies a Source RCON frame type.
type Kind int32

// Frame kinds. Kind 2 is overloaded by the protocol: client to server it is
// an exec-command request, server to client an auth response.
const (
	PacketResponseValue Kind = 0
	PacketAuthResponse  Kind = 2
	PacketExecCommand   Kind = 2
	PacketAuth          Kind = 3
)

// SentinelID is the reserved id of the empty RESPONSE_VALUE frame the client
// sends right after every command. Servers process frames strictly in order,
// so the echoed sentinel arrives only after every real response frame for the
// command, which is how multi-packet responses are detected as complete.
const SentinelID int32 = 9999

const (
	// packetOverhead is id(4) + kind(4) + two NUL terminators, the declared
	// size of a body-less frame.
	packetOverhead = 10

	// maxFrameSize caps a single declared frame and the receive buffer.
	maxFrameSize = 1 << 20
)

// Packet is one decoded Source RCON frame.
type Packet struct {
	ID   int32
	Kind Kind
	Body string
}

// EncodePacket builds the wire form of a frame:
//
//	size  int32 (little-endian, byte count of the rest)
//	id    int32
//	kind  int32
//	body  UTF-8 bytes
//	0x00  body terminator
//	0x00  packet terminator
func EncodePacket(id int32, kind Kind, body string) []byte {
	size := len(body) + packetOverhead
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(kind))
	copy(buf[12:], body)
	// the two trailing NUL bytes are already zero
	return buf
}

// DecodePacket reads one frame from the front of buf.
//
// It returns (nil, 0, nil) while buf holds less than a complete frame; the
// caller keeps buffering. A declared size below the body-less minimum is a
// runt frame: the error is ErrMalformedFrame and consumed tells the caller
// how many bytes to skip to resynchronize. A negative size or one above
// maxFrameSize is unrecoverable (consumed is 0) and the connection should be
// dropped.
func DecodePacket(buf []byte) (p *Packet, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	size := int32(binary.LittleEndian.Uint32(buf[:4]))
	if size < 0 || size > maxFrameSize {
		return nil, 0, fmt.Errorf("%w: declared size %d", ErrMalformedFrame, size)
	}
	if len(buf) < 4+int(size) {
		return nil, 0, nil
	}
	if size < packetOverhead {
		return nil, 4 + int(size), fmt.Errorf("%w: declared size %d below minimum %d", ErrMalformedFrame, size, packetOverhead)
	}
	p = &Packet{
		ID:   int32(binary.LittleEndian.Uint32(buf[4:8])),
		Kind: Kind(binary.LittleEndian.Uint32(buf[8:12])),
		Body: string(buf[12 : 4+size-2]),
	}
	return p, 4 + int(size), nil
}
