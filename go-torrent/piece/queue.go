package piece

import "github.com/Charana123/leecher/go-torrent/torrent"

// Queue holds the blocks one peer has announced, in announcement order.
// It belongs to a single connection and is not safe for concurrent use.
type Queue struct {
	tor    *torrent.Torrent
	blocks []Block
	Choked bool
}

func NewQueue(tor *torrent.Torrent) *Queue {
	return &Queue{
		tor:    tor,
		Choked: true,
	}
}

// Add appends every block of pieceIndex.
func (q *Queue) Add(pieceIndex int) error {
	numBlocks, err := q.tor.BlockCount(pieceIndex)
	if err != nil {
		return err
	}
	for blockIndex := 0; blockIndex < numBlocks; blockIndex++ {
		length, err := q.tor.BlockLength(pieceIndex, blockIndex)
		if err != nil {
			return err
		}
		q.blocks = append(q.blocks, Block{
			Index:  pieceIndex,
			Begin:  blockIndex * torrent.BLOCK_LENGTH,
			Length: length,
		})
	}
	return nil
}

func (q *Queue) Poll() (Block, bool) {
	if len(q.blocks) == 0 {
		return Block{}, false
	}
	block := q.blocks[0]
	q.blocks = q.blocks[1:]
	if len(q.blocks) == 0 {
		q.blocks = nil
	}
	return block, true
}

func (q *Queue) Len() int {
	return len(q.blocks)
}
