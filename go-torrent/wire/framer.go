package wire

import "encoding/binary"

// MAX_FRAME_LENGTH bounds a single frame. Blocks are 16 KiB; anything much
// larger than a block or a bitfield is a misbehaving peer.
const MAX_FRAME_LENGTH = 1 << 21

// Framer reassembles frames from an arbitrarily chunked byte stream. The first
// frame of a connection is the handshake (length byte + 49); every frame after
// it carries a 4 byte big-endian length prefix.
type Framer struct {
	buf        []byte
	handshaken bool
}

func NewFramer() *Framer {
	return &Framer{}
}

func (f *Framer) frameLength() int {
	if !f.handshaken {
		return int(f.buf[0]) + 49
	}
	return int(int32(binary.BigEndian.Uint32(f.buf[:4]))) + 4
}

// Feed appends data and hands every complete frame to fn in stream order.
// Frames passed to fn are owned by fn. Bytes of an incomplete frame are
// retained for the next call.
func (f *Framer) Feed(data []byte, fn func(frame []byte) error) error {
	f.buf = append(f.buf, data...)
	for len(f.buf) >= 4 {
		length := f.frameLength()
		if length < 4 || length > MAX_FRAME_LENGTH {
			return violation("frame length %d", length)
		}
		if len(f.buf) < length {
			break
		}
		frame := make([]byte, length)
		copy(frame, f.buf[:length])
		f.buf = f.buf[length:]
		f.handshaken = true
		if err := fn(frame); err != nil {
			return err
		}
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return nil
}
