package piece

import (
	"fmt"
	"sync"

	"github.com/Charana123/leecher/go-torrent/torrent"
	"github.com/Charana123/leecher/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"
)

// Block identifies a byte range within one piece.
type Block struct {
	Index  int
	Begin  int
	Length int
}

// Verifier checks a fully received piece against its expected hash.
type Verifier func(pieceIndex int) error

// PieceManager is the block availability state shared by every peer
// connection of one download.
type PieceManager interface {
	// Reserve marks block requested if it is still needed and reports whether
	// the caller should request it.
	Reserve(block Block) bool
	// BeginWrite claims block for writing. It fails for blocks already
	// received or being written by another connection.
	BeginWrite(block Block) bool
	AbortWrite(block Block)
	AddReceived(block Block) (pieceDone bool, err error)
	IsDone() bool
	HasPiece(pieceIndex int) bool
	GetBitField() (clientBitfield []byte)
	Progress() (received, total int)
	// Left is the number of bytes in pieces not yet held.
	Left() int64
}

type pieceManager struct {
	sync.Mutex
	tor          *torrent.Torrent
	maxBlocks    int
	blockCounts  []int
	requested    bitmap.Bitmap
	received     bitmap.Bitmap
	writing      bitmap.Bitmap
	verified     bitmap.Bitmap
	numRequested int
	numReceived  int
	numBlocks    int
	numVerified  int
	left         int64
	verify       Verifier
	log          logrus.FieldLogger
}

// NewPieceManager sizes the requested/received grids for tor. Grid rows are
// MaxBlocks wide; a block lives at pieceIndex*MaxBlocks + blockIndex. A nil
// verify trusts received blocks without hashing.
func NewPieceManager(tor *torrent.Torrent, verify Verifier, log logrus.FieldLogger) PieceManager {
	pm := &pieceManager{
		tor:         tor,
		maxBlocks:   tor.MaxBlocks(),
		blockCounts: make([]int, tor.NumPieces),
		left:        tor.TotalSize(),
		verify:      verify,
		log:         log,
	}
	for pieceIndex := 0; pieceIndex < tor.NumPieces; pieceIndex++ {
		blocks, _ := tor.BlockCount(pieceIndex)
		pm.blockCounts[pieceIndex] = blocks
		pm.numBlocks += blocks
	}
	pm.requested = bitmap.New(tor.NumPieces * pm.maxBlocks)
	pm.received = bitmap.New(tor.NumPieces * pm.maxBlocks)
	pm.writing = bitmap.New(tor.NumPieces * pm.maxBlocks)
	pm.verified = bitmap.New(tor.NumPieces)
	return pm
}

func (pm *pieceManager) offset(block Block) (int, bool) {
	if block.Index < 0 || block.Index >= len(pm.blockCounts) ||
		block.Begin < 0 || block.Begin%torrent.BLOCK_LENGTH != 0 {
		return 0, false
	}
	blockIndex := block.Begin / torrent.BLOCK_LENGTH
	if blockIndex >= pm.blockCounts[block.Index] {
		return 0, false
	}
	return block.Index*pm.maxBlocks + blockIndex, true
}

// Reserve checks and marks block under one lock, so concurrent connections
// never request the same block. Once every block has been requested,
// requested is reset to a copy of received so that blocks lost in flight
// become requestable again.
func (pm *pieceManager) Reserve(block Block) bool {
	pm.Lock()
	defer pm.Unlock()

	i, ok := pm.offset(block)
	if !ok {
		return false
	}
	if pm.numRequested == pm.numBlocks {
		copy(pm.requested, pm.received)
		pm.numRequested = pm.numReceived
		pm.log.WithField("received", pm.numReceived).Debug("every block requested, re-requesting missing blocks")
	}
	if pm.requested.Get(i) {
		return false
	}
	pm.requested.Set(i, true)
	pm.numRequested++
	return true
}

func (pm *pieceManager) BeginWrite(block Block) bool {
	pm.Lock()
	defer pm.Unlock()

	i, ok := pm.offset(block)
	if !ok || pm.received.Get(i) || pm.writing.Get(i) {
		return false
	}
	pm.writing.Set(i, true)
	return true
}

func (pm *pieceManager) AbortWrite(block Block) {
	pm.Lock()
	defer pm.Unlock()

	if i, ok := pm.offset(block); ok {
		pm.writing.Set(i, false)
	}
}

// AddReceived records a block whose bytes are already written to the output.
// pieceDone is true when the block completed its piece and the piece passed
// verification. The piece only counts as held once verified. A piece that
// fails verification is cleared from both grids and the verifier's error is
// returned.
func (pm *pieceManager) AddReceived(block Block) (bool, error) {
	pm.Lock()
	i, ok := pm.offset(block)
	if !ok {
		pm.Unlock()
		return false, fmt.Errorf("%w: block %d/%d", torrent.ErrIndexOutOfRange, block.Index, block.Begin)
	}
	pm.writing.Set(i, false)
	if pm.received.Get(i) {
		pm.Unlock()
		return false, nil
	}
	pm.received.Set(i, true)
	pm.numReceived++
	if !pm.requested.Get(i) {
		pm.requested.Set(i, true)
		pm.numRequested++
	}
	complete := pm.hasBlocks(block.Index)
	if complete && pm.verify == nil {
		pm.markVerified(block.Index)
	}
	pm.Unlock()

	if !complete || pm.verify == nil {
		return complete, nil
	}
	if err := pm.verify(block.Index); err != nil {
		pm.clearPiece(block.Index)
		return false, fmt.Errorf("piece %d: %w", block.Index, err)
	}
	pm.Lock()
	pm.markVerified(block.Index)
	pm.Unlock()
	return true, nil
}

func (pm *pieceManager) markVerified(pieceIndex int) {
	if pm.verified.Get(pieceIndex) {
		return
	}
	pm.verified.Set(pieceIndex, true)
	pm.numVerified++
	pieceLength, _ := pm.tor.PieceLength(pieceIndex)
	pm.left -= int64(pieceLength)
}

// clearPiece forgets every block of a piece that failed verification.
func (pm *pieceManager) clearPiece(pieceIndex int) {
	pm.Lock()
	defer pm.Unlock()

	start := pieceIndex * pm.maxBlocks
	for i := start; i < start+pm.blockCounts[pieceIndex]; i++ {
		if pm.received.Get(i) {
			pm.received.Set(i, false)
			pm.numReceived--
		}
		if pm.requested.Get(i) {
			pm.requested.Set(i, false)
			pm.numRequested--
		}
	}
}

// IsDone reports whether every piece is received and verified.
func (pm *pieceManager) IsDone() bool {
	pm.Lock()
	defer pm.Unlock()

	return pm.numVerified == len(pm.blockCounts)
}

func (pm *pieceManager) HasPiece(pieceIndex int) bool {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(pm.blockCounts) {
		return false
	}
	return pm.verified.Get(pieceIndex)
}

func (pm *pieceManager) hasBlocks(pieceIndex int) bool {
	start := pieceIndex * pm.maxBlocks
	for i := start; i < start+pm.blockCounts[pieceIndex]; i++ {
		if !pm.received.Get(i) {
			return false
		}
	}
	return true
}

// GetBitField returns the wire bitfield of verified pieces.
func (pm *pieceManager) GetBitField() []byte {
	pm.Lock()
	defer pm.Unlock()

	bitfield := wire.NewBitfield(len(pm.blockCounts))
	for pieceIndex := range pm.blockCounts {
		if pm.verified.Get(pieceIndex) {
			bitfield.Set(pieceIndex)
		}
	}
	return bitfield
}

func (pm *pieceManager) Progress() (int, int) {
	pm.Lock()
	defer pm.Unlock()

	return pm.numReceived, pm.numBlocks
}

func (pm *pieceManager) Left() int64 {
	pm.Lock()
	defer pm.Unlock()

	return pm.left
}
