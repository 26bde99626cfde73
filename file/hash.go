package file

import (
	"crypto/sha1"

	"bitferry/bencode"
)

// InfoHash is the SHA-1 of the info dictionary's encoded bytes. Callers must
// pass the bytes as they appeared in the descriptor, not a re-encoding.
func InfoHash(rawInfo []byte) [20]byte {
	return sha1.Sum(rawInfo)
}

// PieceHash is the SHA-1 of one piece.
func PieceHash(piece []byte) [20]byte {
	return sha1.Sum(piece)
}

// ComputeInfoHash returns the info-hash of raw descriptor bytes.
func ComputeInfoHash(descriptor []byte) ([20]byte, error) {
	root, err := bencode.DecodeDict(descriptor)
	if err != nil {
		return [20]byte{}, err
	}
	if _, ok := root.GetDict("info"); !ok {
		return [20]byte{}, invalid("info", "missing or not a dictionary")
	}
	raw, _ := root.Raw("info")
	return InfoHash(raw), nil
}
