package storage

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Charana123/leecher/go-torrent/torrent"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()

var ErrChecksum = errors.New("storage: piece checksum mismatch")

// Storage is the output file of one download, addressed by piece and byte
// offset within the piece.
type Storage interface {
	BlockReadRequest(pieceIndex, begin, length int) (blockData []byte, err error)
	BlockWriteRequest(pieceIndex, begin int, data []byte) (err error)
	VerifyPiece(pieceIndex int) (err error)
	Path() string
	Sync() error
	Close() error
}

type storage struct {
	sync.Mutex
	torrent *torrent.Torrent
	path    string
	file    afero.File
	log     logrus.FieldLogger
}

// NewStorage opens (creating if needed) the output file for tor inside
// outputDir and sizes it to the torrent's total length. Multi-file torrents
// are written as one contiguous file.
func NewStorage(
	tor *torrent.Torrent,
	outputDir string,
	log logrus.FieldLogger) (Storage, error) {

	if err := appFS.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(outputDir, fileName(tor.Name()))
	file, err := appFS.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(tor.TotalSize()); err != nil {
		file.Close()
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"path": path,
		"size": tor.TotalSize(),
	}).Debug("opened output file")

	return &storage{
		torrent: tor,
		path:    path,
		file:    file,
		log:     log,
	}, nil
}

// fileName keeps the torrent's name from escaping the output directory.
func fileName(name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		return "download"
	}
	return base
}

func (s *storage) Path() string {
	return s.path
}

func (s *storage) bounds(pieceIndex, begin, length int) (int64, error) {
	pieceLength, err := s.torrent.PieceLength(pieceIndex)
	if err != nil {
		return 0, err
	}
	if begin < 0 || length < 0 || begin+length > pieceLength {
		return 0, fmt.Errorf("%w: range %d+%d of piece %d (%d bytes)",
			torrent.ErrIndexOutOfRange, begin, length, pieceIndex, pieceLength)
	}
	return s.torrent.Offset(pieceIndex, begin), nil
}

func (s *storage) BlockReadRequest(pieceIndex, begin, length int) ([]byte, error) {
	offset, err := s.bounds(pieceIndex, begin, length)
	if err != nil {
		return nil, err
	}
	blockData := make([]byte, length)
	s.Lock()
	_, err = s.file.ReadAt(blockData, offset)
	s.Unlock()
	if err != nil {
		return nil, err
	}
	return blockData, nil
}

func (s *storage) BlockWriteRequest(pieceIndex, begin int, data []byte) error {
	offset, err := s.bounds(pieceIndex, begin, len(data))
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	_, err = s.file.WriteAt(data, offset)
	return err
}

// VerifyPiece reads a piece back and compares its SHA-1 with the metadata's
// hash list.
func (s *storage) VerifyPiece(pieceIndex int) error {
	expected, err := s.torrent.PieceHash(pieceIndex)
	if err != nil {
		return err
	}
	pieceLength, err := s.torrent.PieceLength(pieceIndex)
	if err != nil {
		return err
	}
	piece, err := s.BlockReadRequest(pieceIndex, 0, pieceLength)
	if err != nil {
		return err
	}
	actual := sha1.Sum(piece)
	if !bytes.Equal(actual[:], expected) {
		return fmt.Errorf("%w: piece %d", ErrChecksum, pieceIndex)
	}
	return nil
}

func (s *storage) Sync() error {
	s.Lock()
	defer s.Unlock()
	return s.file.Sync()
}

func (s *storage) Close() error {
	s.Lock()
	defer s.Unlock()
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
