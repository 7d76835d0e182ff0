package storage

import (
	"crypto/sha1"
	"errors"
	"testing"

	"github.com/Charana123/leecher/go-torrent/bencode"
	"github.com/Charana123/leecher/go-torrent/torrent"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pieceLength = 32768

func newContent() []byte {
	content := make([]byte, 40000)
	for i := range content {
		content[i] = byte(i * 7)
	}
	return content
}

func newTorrent(t *testing.T, name string, content []byte) *torrent.Torrent {
	pieces := make([]byte, 0)
	for start := 0; start < len(content); start += pieceLength {
		end := start + pieceLength
		if end > len(content) {
			end = len(content)
		}
		hash := sha1.Sum(content[start:end])
		pieces = append(pieces, hash[:]...)
	}
	data, err := bencode.Encode(map[string]interface{}{
		"announce": "http://tracker/announce",
		"info": map[string]interface{}{
			"name":         name,
			"length":       len(content),
			"piece length": pieceLength,
			"pieces":       pieces,
		},
	})
	require.NoError(t, err)
	tor, err := torrent.Open(data)
	require.NoError(t, err)
	return tor
}

func newStorage(t *testing.T, name string) (Storage, []byte) {
	appFS = afero.NewMemMapFs()
	logger, _ := test.NewNullLogger()
	content := newContent()
	s, err := NewStorage(newTorrent(t, name, content), "downloads", logger)
	require.NoError(t, err)
	return s, content
}

func TestNewStorageCreatesSizedFile(t *testing.T) {
	s, _ := newStorage(t, "ubuntu.iso")
	assert.Equal(t, "downloads/ubuntu.iso", s.Path())

	info, err := appFS.Stat("downloads/ubuntu.iso")
	require.NoError(t, err)
	assert.Equal(t, int64(40000), info.Size())
	require.NoError(t, s.Close())
}

func TestNameCannotEscapeOutputDir(t *testing.T) {
	s, _ := newStorage(t, "../../etc/passwd")
	assert.Equal(t, "downloads/passwd", s.Path())

	s, _ = newStorage(t, "")
	assert.Equal(t, "downloads/download", s.Path())
}

func TestBlockWriteAndRead(t *testing.T) {
	s, content := newStorage(t, "file")

	require.NoError(t, s.BlockWriteRequest(1, 0, content[32768:40000]))
	require.NoError(t, s.BlockWriteRequest(0, 16384, content[16384:32768]))

	block, err := s.BlockReadRequest(1, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, content[32868:32918], block)

	data, err := afero.ReadFile(appFS, "downloads/file")
	require.NoError(t, err)
	assert.Equal(t, content[16384:], data[16384:])
	assert.Equal(t, make([]byte, 16384), data[:16384])
}

func TestBlockRequestBounds(t *testing.T) {
	s, _ := newStorage(t, "file")

	_, err := s.BlockReadRequest(1, 7000, 1000)
	assert.True(t, errors.Is(err, torrent.ErrIndexOutOfRange))
	_, err = s.BlockReadRequest(2, 0, 10)
	assert.True(t, errors.Is(err, torrent.ErrIndexOutOfRange))
	_, err = s.BlockReadRequest(0, -1, 10)
	assert.True(t, errors.Is(err, torrent.ErrIndexOutOfRange))

	err = s.BlockWriteRequest(0, 32760, make([]byte, 16))
	assert.True(t, errors.Is(err, torrent.ErrIndexOutOfRange))
}

func TestVerifyPiece(t *testing.T) {
	s, content := newStorage(t, "file")

	err := s.VerifyPiece(0)
	assert.True(t, errors.Is(err, ErrChecksum))

	require.NoError(t, s.BlockWriteRequest(0, 0, content[:16384]))
	require.NoError(t, s.BlockWriteRequest(0, 16384, content[16384:32768]))
	require.NoError(t, s.BlockWriteRequest(1, 0, content[32768:]))
	assert.NoError(t, s.VerifyPiece(0))
	assert.NoError(t, s.VerifyPiece(1))

	corrupt := append([]byte(nil), content[32768:]...)
	corrupt[10] ^= 0xff
	require.NoError(t, s.BlockWriteRequest(1, 0, corrupt))
	assert.True(t, errors.Is(s.VerifyPiece(1), ErrChecksum))

	assert.True(t, errors.Is(s.VerifyPiece(5), torrent.ErrIndexOutOfRange))
}
