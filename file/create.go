package file

import (
	"bitferry/bencode"
)

// DefaultPieceLength is used by callers that do not pick their own.
const DefaultPieceLength = 256 * 1024

// Create builds a single-file descriptor for data. Piece hashes are taken over
// consecutive pieceLength chunks; the last chunk may be shorter.
func Create(data []byte, name, announce string, pieceLength int) ([]byte, error) {
	if len(data) == 0 {
		return nil, invalid("info.length", "file is empty")
	}
	if name == "" {
		return nil, invalid("info.name", "empty")
	}
	if announce == "" {
		return nil, invalid("announce", "empty")
	}
	if pieceLength <= 0 {
		return nil, invalid("info.piece length", "must be positive, got %d", pieceLength)
	}

	if len(data) > MaxLength {
		return nil, invalid("info.length", "%d exceeds %d bytes", len(data), int64(MaxLength))
	}

	pieces := make([]byte, 0, ((len(data)-1)/pieceLength+1)*20)
	for begin := 0; begin < len(data); begin += pieceLength {
		end := len(data)
		if pieceLength < end-begin {
			end = begin + pieceLength
		}
		h := PieceHash(data[begin:end])
		pieces = append(pieces, h[:]...)
	}

	info := bencode.NewDict(
		"length", int64(len(data)),
		"name", name,
		"piece length", int64(pieceLength),
		"pieces", pieces,
	)
	return bencode.Encode(bencode.NewDict(
		"announce", announce,
		"info", info,
	))
}
