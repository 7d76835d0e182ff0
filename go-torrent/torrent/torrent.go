package torrent

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/Charana123/leecher/go-torrent/bencode"
	jackpal "github.com/jackpal/bencode-go"
)

const (
	// BLOCK_LENGTH is the unit of transfer requested from peers.
	BLOCK_LENGTH = 16384
	HASH_LENGTH  = 20
)

var (
	ErrInvalidMetadata = errors.New("torrent: invalid metadata")
	ErrIndexOutOfRange = errors.New("torrent: index out of range")
)

type Torrent struct {
	Length    int64
	MetaInfo  MetaInfo
	InfoHash  [20]byte
	NumPieces int
}

type MetaInfo struct {
	Info         Info       `bencode:"info"`
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int64      `bencode:"creation date"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	Encoding     string     `bencode:"encoding"`
}

type Info struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Private     int64  `bencode:"private"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	Md5sum      string `bencode:"md5sum"`
	Files       []File `bencode:"files"`
}

type File struct {
	Length int64    `bencode:"length"`
	Md5sum string   `bencode:"md5sum"`
	Path   []string `bencode:"path"`
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMetadata, fmt.Sprintf(format, args...))
}

// Open parses the contents of a .torrent file. The info-hash is the SHA-1 of
// the canonical re-encoding of the info dictionary.
func Open(data []byte) (*Torrent, error) {
	metaInfo, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}
	metaInfoMap, ok := metaInfo.(map[string]interface{})
	if !ok {
		return nil, invalid("top level value is not a dictionary")
	}
	infoMap, ok := metaInfoMap["info"].(map[string]interface{})
	if !ok {
		return nil, invalid("missing info dictionary")
	}
	if _, ok := metaInfoMap["announce"]; !ok {
		return nil, invalid("missing announce")
	}

	infoBencode, err := bencode.Encode(infoMap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}

	torrent := &Torrent{InfoHash: sha1.Sum(infoBencode)}
	err = jackpal.Unmarshal(bytes.NewReader(data), &torrent.MetaInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}

	info := &torrent.MetaInfo.Info
	// Total size of all files
	if len(info.Files) > 0 {
		for _, file := range info.Files {
			torrent.Length += file.Length
		}
	} else {
		torrent.Length = info.Length
	}

	switch {
	case info.PieceLength <= 0:
		return nil, invalid("piece length %d", info.PieceLength)
	case torrent.Length <= 0:
		return nil, invalid("total length %d", torrent.Length)
	case len(info.Pieces)%HASH_LENGTH != 0:
		return nil, invalid("pieces is %d bytes, not a multiple of %d", len(info.Pieces), HASH_LENGTH)
	}
	torrent.NumPieces = int((torrent.Length + info.PieceLength - 1) / info.PieceLength)
	if len(info.Pieces)/HASH_LENGTH != torrent.NumPieces {
		return nil, invalid("%d piece hashes for %d pieces", len(info.Pieces)/HASH_LENGTH, torrent.NumPieces)
	}
	return torrent, nil
}

func (t *Torrent) TotalSize() int64 {
	return t.Length
}

func (t *Torrent) Name() string {
	return t.MetaInfo.Info.Name
}

// PieceLength is the nominal piece length for every piece but the last, which
// carries the remainder of the total size.
func (t *Torrent) PieceLength(pieceIndex int) (int, error) {
	if pieceIndex < 0 || pieceIndex >= t.NumPieces {
		return 0, fmt.Errorf("%w: piece %d of %d", ErrIndexOutOfRange, pieceIndex, t.NumPieces)
	}
	nominal := t.MetaInfo.Info.PieceLength
	if pieceIndex == t.NumPieces-1 {
		if rem := t.Length % nominal; rem != 0 {
			return int(rem), nil
		}
	}
	return int(nominal), nil
}

func (t *Torrent) BlockCount(pieceIndex int) (int, error) {
	pieceLength, err := t.PieceLength(pieceIndex)
	if err != nil {
		return 0, err
	}
	return (pieceLength + BLOCK_LENGTH - 1) / BLOCK_LENGTH, nil
}

func (t *Torrent) BlockLength(pieceIndex, blockIndex int) (int, error) {
	pieceLength, err := t.PieceLength(pieceIndex)
	if err != nil {
		return 0, err
	}
	numBlocks := (pieceLength + BLOCK_LENGTH - 1) / BLOCK_LENGTH
	if blockIndex < 0 || blockIndex >= numBlocks {
		return 0, fmt.Errorf("%w: block %d of %d in piece %d", ErrIndexOutOfRange, blockIndex, numBlocks, pieceIndex)
	}
	if blockIndex == numBlocks-1 {
		return pieceLength - blockIndex*BLOCK_LENGTH, nil
	}
	return BLOCK_LENGTH, nil
}

// MaxBlocks is the block count of a full-size piece, the row width of any
// per-block grid.
func (t *Torrent) MaxBlocks() int {
	return int((t.MetaInfo.Info.PieceLength + BLOCK_LENGTH - 1) / BLOCK_LENGTH)
}

func (t *Torrent) PieceHash(pieceIndex int) ([]byte, error) {
	if pieceIndex < 0 || pieceIndex >= t.NumPieces {
		return nil, fmt.Errorf("%w: piece %d of %d", ErrIndexOutOfRange, pieceIndex, t.NumPieces)
	}
	start := pieceIndex * HASH_LENGTH
	return []byte(t.MetaInfo.Info.Pieces[start : start+HASH_LENGTH]), nil
}

// Offset is the absolute byte offset of begin within pieceIndex.
func (t *Torrent) Offset(pieceIndex, begin int) int64 {
	return int64(pieceIndex)*t.MetaInfo.Info.PieceLength + int64(begin)
}

// Announces lists every tracker URL, announce-list tiers first, with the
// announce field last unless a tier already named it.
func (t *Torrent) Announces() []string {
	seen := make(map[string]bool)
	urls := make([]string, 0)
	for _, tier := range t.MetaInfo.AnnounceList {
		for _, url := range tier {
			if url == "" || seen[url] {
				continue
			}
			seen[url] = true
			urls = append(urls, url)
		}
	}
	if announce := t.MetaInfo.Announce; announce != "" && !seen[announce] {
		urls = append(urls, announce)
	}
	return urls
}
