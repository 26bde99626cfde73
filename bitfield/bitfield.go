package bitfield

// Bitfield encodes which pieces a peer is able to send. Pieces are zero
// indexed, high bit first within each byte.
//
// Example:
//   - [0 0 1 0 1 0 0 0] (only pieces 2 and 4 are available)
//   - [0 0 0 0 0 0 0 0] [0 0 0 0 0 0 0 1] (only piece 15 is available)
type Bitfield []byte

// New returns an empty bitfield large enough for n pieces.
func New(n int) Bitfield {
	return make(Bitfield, (n+7)/8)
}

// Full returns a bitfield with the first n pieces set.
func Full(n int) Bitfield {
	bf := New(n)
	for i := 0; i < n; i++ {
		bf.SetPiece(i)
	}
	return bf
}

// HasPiece reports whether the piece is set. Out of range is false.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	offset := index % 8
	if index < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// SetPiece marks a piece; out of range indices are ignored.
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if index < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}

// Count returns how many of the first n pieces are set.
func (bf Bitfield) Count(n int) int {
	count := 0
	for i := 0; i < n; i++ {
		if bf.HasPiece(i) {
			count++
		}
	}
	return count
}
