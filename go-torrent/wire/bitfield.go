package wire

// Bitfield is the wire layout of piece availability: bit 7 of byte 0 is
// piece 0. Spare bits at the end are zero.
type Bitfield []byte

func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

func (b Bitfield) Has(pieceIndex int) bool {
	i := pieceIndex / 8
	if pieceIndex < 0 || i >= len(b) {
		return false
	}
	return b[i]>>(7-uint(pieceIndex%8))&1 != 0
}

func (b Bitfield) Set(pieceIndex int) {
	i := pieceIndex / 8
	if pieceIndex < 0 || i >= len(b) {
		return
	}
	b[i] |= 1 << (7 - uint(pieceIndex%8))
}
