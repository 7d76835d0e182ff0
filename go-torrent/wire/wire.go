package wire

import (
	"net"
	"sync"
	"time"
)

const READ_BUFFER_SIZE = 64 * 1024

// Wire is one peer connection. Sends are serialized so that messages written
// from several goroutines never interleave on the socket.
type Wire interface {
	// Reading
	ReadFrames(fn func(frame []byte) error) error

	// Writing
	SendHandshake(infoHash, peerID [20]byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	RemoteAddr() net.Addr
	Close() error
}

type wire struct {
	sync.Mutex
	conn            net.Conn
	timeoutDuration time.Duration
	lastMessageSent time.Time
}

// NewWire wraps conn. A non-zero timeoutDuration bounds every write and the
// silence allowed between reads.
func NewWire(
	conn net.Conn,
	timeoutDuration time.Duration) Wire {

	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
	}
}

func (w *wire) deadline() time.Time {
	if w.timeoutDuration <= 0 {
		return time.Time{}
	}
	return time.Now().Add(w.timeoutDuration)
}

// ReadFrames blocks reading the connection and calls fn with each complete
// frame until the connection fails or fn returns an error.
func (w *wire) ReadFrames(fn func(frame []byte) error) error {
	framer := NewFramer()
	data := make([]byte, READ_BUFFER_SIZE)
	for {
		w.conn.SetReadDeadline(w.deadline())
		n, err := w.conn.Read(data)
		if n > 0 {
			if ferr := framer.Feed(data[:n], fn); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (w *wire) GetLastMessageSent() time.Time {
	w.Lock()
	defer w.Unlock()
	return w.lastMessageSent
}

func (w *wire) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

func (w *wire) SendHandshake(infoHash, peerID [20]byte) error {
	return w.sendMessage(BuildHandshake(infoHash, peerID))
}

func (w *wire) SendKeepAlive() error {
	return w.sendMessage(BuildKeepAlive())
}

func (w *wire) SendChoke() error {
	return w.sendMessage(BuildChoke())
}

func (w *wire) SendUnchoke() error {
	return w.sendMessage(BuildUnchoke())
}

func (w *wire) SendInterested() error {
	return w.sendMessage(BuildInterested())
}

func (w *wire) SendUnInterested() error {
	return w.sendMessage(BuildNotInterested())
}

func (w *wire) SendHave(pieceIndex int) error {
	return w.sendMessage(BuildHave(pieceIndex))
}

func (w *wire) SendBitField(bitfield []byte) error {
	return w.sendMessage(BuildBitField(bitfield))
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.sendMessage(BuildRequest(pieceIndex, begin, length))
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	return w.sendMessage(BuildBlock(pieceIndex, begin, block))
}

func (w *wire) Close() error {
	return w.conn.Close()
}

func (w *wire) sendMessage(msg []byte) error {
	w.Lock()
	defer w.Unlock()
	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(w.deadline())
	_, err := w.conn.Write(msg)
	return err
}
