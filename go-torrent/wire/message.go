package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
)

const (
	PROTOCOL         = "BitTorrent protocol"
	HANDSHAKE_LENGTH = 68
)

var ErrProtocolViolation = errors.New("wire: protocol violation")

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// Message is one decoded length-prefixed frame. Index, Begin and Length are
// filled for have, request, piece and cancel messages; Block for piece.
type Message struct {
	Size      int32
	KeepAlive bool
	ID        uint8
	Payload   []byte

	Index  int
	Begin  int
	Length int
	Block  []byte
}

func (m *Message) String() string {
	if m.KeepAlive {
		return "keep-alive"
	}
	return fmt.Sprintf("%s [%d bytes]", Name(m.ID), len(m.Payload))
}

func Name(id uint8) string {
	switch id {
	case CHOKE:
		return "choke"
	case UNCHOKE:
		return "unchoke"
	case INTERESTED:
		return "interested"
	case NOT_INTERESTED:
		return "not interested"
	case HAVE:
		return "have"
	case BITFIELD:
		return "bitfield"
	case REQUEST:
		return "request"
	case BLOCK:
		return "piece"
	case CANCEL:
		return "cancel"
	case PORT:
		return "port"
	}
	return fmt.Sprintf("unknown(%d)", id)
}

// 1 + 19 + 8 + 20 + 20
func BuildHandshake(infoHash, peerID [20]byte) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, uint8(len(PROTOCOL)))
	b.WriteString(PROTOCOL)
	b.Write(make([]byte, 8))
	b.Write(infoHash[:])
	b.Write(peerID[:])
	return b.Bytes()
}

// IsHandshake reports whether frame is a handshake for infoHash. Anything else
// is treated as a regular message.
func IsHandshake(frame []byte, infoHash [20]byte) bool {
	return len(frame) == HANDSHAKE_LENGTH &&
		int(frame[0]) == len(PROTOCOL) &&
		string(frame[1:20]) == PROTOCOL &&
		bytes.Equal(frame[28:48], infoHash[:])
}

// HandshakePeerID returns the remote peer id carried by a handshake frame.
func HandshakePeerID(frame []byte) (id [20]byte) {
	copy(id[:], frame[48:HANDSHAKE_LENGTH])
	return id
}

func BuildKeepAlive() []byte {
	return make([]byte, 4)
}

func buildSimple(id uint8) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, id)
	return b.Bytes()
}

func BuildChoke() []byte         { return buildSimple(CHOKE) }
func BuildUnchoke() []byte       { return buildSimple(UNCHOKE) }
func BuildInterested() []byte    { return buildSimple(INTERESTED) }
func BuildNotInterested() []byte { return buildSimple(NOT_INTERESTED) }

func BuildHave(pieceIndex int) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(5))
	binary.Write(b, binary.BigEndian, uint8(HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return b.Bytes()
}

func BuildBitField(bitfield []byte) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(bitfield)))
	binary.Write(b, binary.BigEndian, uint8(BITFIELD))
	b.Write(bitfield)
	return b.Bytes()
}

func buildBlockRef(id uint8, pieceIndex, begin, length int) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, id)
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return b.Bytes()
}

func BuildRequest(pieceIndex, begin, length int) []byte {
	return buildBlockRef(REQUEST, pieceIndex, begin, length)
}

func BuildBlock(pieceIndex, begin int, block []byte) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(9+len(block)))
	binary.Write(b, binary.BigEndian, uint8(BLOCK))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	b.Write(block)
	return b.Bytes()
}

// Parse decodes a length-prefixed frame. Unknown ids are returned undecoded
// so the caller can ignore them.
func Parse(frame []byte) (*Message, error) {
	if len(frame) < 4 {
		return nil, violation("frame of %d bytes has no length prefix", len(frame))
	}
	size := int32(binary.BigEndian.Uint32(frame[:4]))
	if size < 0 || int(size) != len(frame)-4 {
		return nil, violation("length prefix %d for a %d byte frame", size, len(frame))
	}
	msg := &Message{Size: size}
	if size == 0 {
		msg.KeepAlive = true
		return msg, nil
	}
	msg.ID = frame[4]
	msg.Payload = frame[5:]

	p := msg.Payload
	switch msg.ID {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		if len(p) != 0 {
			return nil, violation("%s with %d byte payload", Name(msg.ID), len(p))
		}
	case HAVE:
		if len(p) != 4 {
			return nil, violation("have with %d byte payload", len(p))
		}
		msg.Index = int(binary.BigEndian.Uint32(p))
	case REQUEST, CANCEL:
		if len(p) != 12 {
			return nil, violation("%s with %d byte payload", Name(msg.ID), len(p))
		}
		msg.Index = int(binary.BigEndian.Uint32(p[0:4]))
		msg.Begin = int(binary.BigEndian.Uint32(p[4:8]))
		msg.Length = int(binary.BigEndian.Uint32(p[8:12]))
	case BLOCK:
		if len(p) < 8 {
			return nil, violation("piece with %d byte payload", len(p))
		}
		msg.Index = int(binary.BigEndian.Uint32(p[0:4]))
		msg.Begin = int(binary.BigEndian.Uint32(p[4:8]))
		msg.Block = p[8:]
		msg.Length = len(msg.Block)
	}
	return msg, nil
}
