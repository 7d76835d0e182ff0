package wire

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	infoHash = [20]byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	peerID   = [20]byte{'-', 'L', 'C', '0', '0', '0', '1', '-', '1', '2', '3', '4', '5', '6', '7', '8', '9', '0', '1', '2'}
)

func TestHandshake(t *testing.T) {
	hs := BuildHandshake(infoHash, peerID)
	require.Len(t, hs, HANDSHAKE_LENGTH)
	assert.Equal(t, byte(19), hs[0])
	assert.Equal(t, PROTOCOL, string(hs[1:20]))
	assert.Equal(t, make([]byte, 8), hs[20:28])
	assert.Equal(t, infoHash[:], hs[28:48])
	assert.Equal(t, peerID, HandshakePeerID(hs))
	assert.True(t, IsHandshake(hs, infoHash))

	for i := 28; i < 48; i++ {
		mutated := append([]byte(nil), hs...)
		mutated[i] ^= 0x01
		assert.False(t, IsHandshake(mutated, infoHash), "info-hash byte %d", i)
	}

	mutated := append([]byte(nil), hs...)
	mutated[5] = 'x'
	assert.False(t, IsHandshake(mutated, infoHash))
	assert.False(t, IsHandshake(hs[:67], infoHash))
	assert.False(t, IsHandshake(append(hs, 0), infoHash))

	// Reserved bytes and peer id are not checked.
	mutated = append([]byte(nil), hs...)
	mutated[20] = 0x10
	mutated[60] = 'z'
	assert.True(t, IsHandshake(mutated, infoHash))
}

func TestBuildMessages(t *testing.T) {
	tests := []struct {
		name     string
		msg      []byte
		expected []byte
	}{
		{"KeepAlive", BuildKeepAlive(), []byte{0, 0, 0, 0}},
		{"Choke", BuildChoke(), []byte{0, 0, 0, 1, 0}},
		{"Unchoke", BuildUnchoke(), []byte{0, 0, 0, 1, 1}},
		{"Interested", BuildInterested(), []byte{0, 0, 0, 1, 2}},
		{"NotInterested", BuildNotInterested(), []byte{0, 0, 0, 1, 3}},
		{"Have", BuildHave(258), []byte{0, 0, 0, 5, 4, 0, 0, 1, 2}},
		{"BitField", BuildBitField([]byte{0xa0, 0x01}), []byte{0, 0, 0, 3, 5, 0xa0, 0x01}},
		{"Request", BuildRequest(1, 16384, 16384), []byte{0, 0, 0, 13, 6, 0, 0, 0, 1, 0, 0, 0x40, 0, 0, 0, 0x40, 0}},
		{"Block", BuildBlock(2, 0, []byte("abc")), []byte{0, 0, 0, 12, 7, 0, 0, 0, 2, 0, 0, 0, 0, 'a', 'b', 'c'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.msg)
		})
	}
}

func TestParse(t *testing.T) {
	msg, err := Parse(BuildKeepAlive())
	require.NoError(t, err)
	assert.True(t, msg.KeepAlive)

	msg, err = Parse(BuildUnchoke())
	require.NoError(t, err)
	assert.Equal(t, uint8(UNCHOKE), msg.ID)
	assert.Empty(t, msg.Payload)

	msg, err = Parse(BuildHave(7))
	require.NoError(t, err)
	assert.Equal(t, uint8(HAVE), msg.ID)
	assert.Equal(t, 7, msg.Index)

	msg, err = Parse(BuildRequest(3, 32768, 1000))
	require.NoError(t, err)
	assert.Equal(t, uint8(REQUEST), msg.ID)
	assert.Equal(t, int32(13), msg.Size)
	assert.Equal(t, 3, msg.Index)
	assert.Equal(t, 32768, msg.Begin)
	assert.Equal(t, 1000, msg.Length)

	msg, err = Parse(BuildBlock(4, 16384, []byte("data")))
	require.NoError(t, err)
	assert.Equal(t, uint8(BLOCK), msg.ID)
	assert.Equal(t, 4, msg.Index)
	assert.Equal(t, 16384, msg.Begin)
	assert.Equal(t, []byte("data"), msg.Block)
	assert.Equal(t, 4, msg.Length)

	msg, err = Parse([]byte{0, 0, 0, 13, 8, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3})
	require.NoError(t, err)
	assert.Equal(t, uint8(CANCEL), msg.ID)
	assert.Equal(t, 3, msg.Length)

	msg, err = Parse([]byte{0, 0, 0, 2, 20, 0xff})
	require.NoError(t, err)
	assert.Equal(t, uint8(20), msg.ID)
	assert.Equal(t, []byte{0xff}, msg.Payload)
}

func TestParseViolations(t *testing.T) {
	frames := map[string][]byte{
		"short":              {0, 0},
		"length mismatch":    {0, 0, 0, 5, 4, 0},
		"negative length":    {0xff, 0xff, 0xff, 0xff},
		"short have":         {0, 0, 0, 3, 4, 0, 1},
		"short request":      {0, 0, 0, 5, 6, 0, 0, 0, 1},
		"short piece":        {0, 0, 0, 5, 7, 0, 0, 0, 1},
		"choke with payload": {0, 0, 0, 2, 0, 1},
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(frame)
			assert.True(t, errors.Is(err, ErrProtocolViolation))
		})
	}
}

func stream() []byte {
	s := BuildHandshake(infoHash, peerID)
	s = append(s, BuildBitField([]byte{0xff, 0x80})...)
	s = append(s, BuildKeepAlive()...)
	s = append(s, BuildUnchoke()...)
	s = append(s, BuildBlock(0, 0, make([]byte, 300))...)
	s = append(s, BuildHave(9)...)
	return s
}

func collect(frames *[][]byte) func([]byte) error {
	return func(frame []byte) error {
		*frames = append(*frames, frame)
		return nil
	}
}

func TestFramerChunking(t *testing.T) {
	s := stream()

	var whole [][]byte
	f := NewFramer()
	require.NoError(t, f.Feed(s, collect(&whole)))
	require.Len(t, whole, 6)
	assert.True(t, IsHandshake(whole[0], infoHash))
	assert.Equal(t, BuildHave(9), whole[5])

	var single [][]byte
	f = NewFramer()
	for i := range s {
		require.NoError(t, f.Feed(s[i:i+1], collect(&single)))
	}
	assert.Equal(t, whole, single)

	var uneven [][]byte
	f = NewFramer()
	for i := 0; i < len(s); i += 7 {
		end := i + 7
		if end > len(s) {
			end = len(s)
		}
		require.NoError(t, f.Feed(s[i:end], collect(&uneven)))
	}
	assert.Equal(t, whole, uneven)
}

func TestFramerPartialFrame(t *testing.T) {
	var frames [][]byte
	f := NewFramer()
	hs := BuildHandshake(infoHash, peerID)
	require.NoError(t, f.Feed(hs[:40], collect(&frames)))
	assert.Empty(t, frames)

	require.NoError(t, f.Feed(append(hs[40:], 0, 0), collect(&frames)))
	require.Len(t, frames, 1)
	assert.Equal(t, hs, frames[0])

	// The two retained bytes complete a keep-alive.
	require.NoError(t, f.Feed([]byte{0, 0}, collect(&frames)))
	require.Len(t, frames, 2)
	assert.Equal(t, BuildKeepAlive(), frames[1])
}

func TestFramerRejectsOversizedFrame(t *testing.T) {
	f := NewFramer()
	require.NoError(t, f.Feed(BuildHandshake(infoHash, peerID), func([]byte) error { return nil }))
	err := f.Feed([]byte{0x7f, 0xff, 0xff, 0xff}, func([]byte) error { return nil })
	assert.True(t, errors.Is(err, ErrProtocolViolation))
}

func TestFramerStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	count := 0
	err := NewFramer().Feed(stream(), func([]byte) error {
		count++
		return stop
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, 1, count)
}

func TestBitfield(t *testing.T) {
	b := NewBitfield(10)
	require.Len(t, b, 2)
	b.Set(0)
	b.Set(9)
	b.Set(10)
	assert.Equal(t, Bitfield{0x80, 0x40}, b)
	assert.True(t, b.Has(0))
	assert.True(t, b.Has(9))
	assert.False(t, b.Has(1))
	assert.False(t, b.Has(100))
	assert.False(t, b.Has(-1))
}

func TestWireRoundTrip(t *testing.T) {
	local, remote := net.Pipe()
	w := NewWire(local, time.Second)
	r := NewWire(remote, time.Second)
	defer w.Close()
	defer r.Close()

	go func() {
		w.SendHandshake(infoHash, peerID)
		w.SendInterested()
		w.SendRequest(1, 0, 16384)
	}()

	var frames [][]byte
	done := errors.New("done")
	err := r.ReadFrames(func(frame []byte) error {
		frames = append(frames, frame)
		if len(frames) == 3 {
			return done
		}
		return nil
	})
	assert.Equal(t, done, err)
	require.Len(t, frames, 3)
	assert.True(t, IsHandshake(frames[0], infoHash))
	assert.Equal(t, BuildInterested(), frames[1])

	msg, err := Parse(frames[2])
	require.NoError(t, err)
	assert.Equal(t, uint8(REQUEST), msg.ID)
	assert.Equal(t, 16384, msg.Length)
	assert.False(t, w.GetLastMessageSent().IsZero())
}

func TestReadFramesReturnsConnectionError(t *testing.T) {
	local, remote := net.Pipe()
	r := NewWire(remote, time.Second)
	local.Close()
	err := r.ReadFrames(func([]byte) error { return nil })
	assert.Error(t, err)
}
