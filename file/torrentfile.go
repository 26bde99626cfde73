package file

import (
	"errors"
	"fmt"
	"math"
	"os"

	"bitferry/bencode"
)

// ErrInvalidDescriptor is matched by every descriptor validation failure.
var ErrInvalidDescriptor = errors.New("invalid torrent descriptor")

// MaxLength is the largest file a descriptor may describe. Downloads are
// assembled in memory.
const MaxLength = math.MaxInt32

// DescriptorError names the field that made a descriptor unusable.
type DescriptorError struct {
	Field  string
	Reason string
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("invalid torrent descriptor: %s: %s", e.Field, e.Reason)
}

func (e *DescriptorError) Unwrap() error {
	return ErrInvalidDescriptor
}

func invalid(field, format string, args ...any) error {
	return &DescriptorError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TorrentFile is a parsed single-file torrent descriptor.
type TorrentFile struct {
	Announce     string
	AnnounceList []string
	InfoHash     [20]byte
	PieceHashes  [][20]byte
	PieceLength  int
	Length       int
	Name         string
}

// Open reads and parses the descriptor at path.
func Open(path string) (*TorrentFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading torrent file: %w", err)
	}
	return Parse(data)
}

// Parse decodes descriptor bytes. The info-hash is taken over the info
// dictionary exactly as it appears in data.
func Parse(data []byte) (*TorrentFile, error) {
	root, err := bencode.DecodeDict(data)
	if err != nil {
		return nil, err
	}

	announce, ok := root.GetString("announce")
	if !ok {
		return nil, invalid("announce", "missing or not a string")
	}
	if announce == "" {
		return nil, invalid("announce", "empty")
	}

	info, ok := root.GetDict("info")
	if !ok {
		return nil, invalid("info", "missing or not a dictionary")
	}
	rawInfo, _ := root.Raw("info")

	tf, err := fromInfo(info)
	if err != nil {
		return nil, err
	}
	tf.Announce = announce
	tf.InfoHash = InfoHash(rawInfo)

	if tiers, ok := root.GetList("announce-list"); ok {
		tf.AnnounceList = flattenAnnounceList(tiers, announce)
	}
	return tf, nil
}

func fromInfo(info *bencode.Dict) (*TorrentFile, error) {
	if _, multi := info.Get("files"); multi {
		return nil, invalid("info.files", "multi-file torrents are not supported")
	}

	name, ok := info.GetString("name")
	if !ok {
		return nil, invalid("info.name", "missing or not a string")
	}
	if name == "" {
		return nil, invalid("info.name", "empty")
	}

	length, ok := info.GetInt("length")
	if !ok {
		return nil, invalid("info.length", "missing or not an integer")
	}
	if length <= 0 {
		return nil, invalid("info.length", "must be positive, got %d", length)
	}
	if length > MaxLength {
		return nil, invalid("info.length", "%d exceeds the %d bytes a download can hold", length, int64(MaxLength))
	}

	pieceLength, ok := info.GetInt("piece length")
	if !ok {
		return nil, invalid("info.piece length", "missing or not an integer")
	}
	if pieceLength <= 0 {
		return nil, invalid("info.piece length", "must be positive, got %d", pieceLength)
	}

	pieces, ok := info.GetString("pieces")
	if !ok {
		return nil, invalid("info.pieces", "missing or not a string")
	}
	hashes, err := splitPieceHashes([]byte(pieces))
	if err != nil {
		return nil, err
	}

	expected := ceilDiv(length, pieceLength)
	if int64(len(hashes)) != expected {
		return nil, invalid("info.pieces", "has %d hashes, length %d with piece length %d needs %d",
			len(hashes), length, pieceLength, expected)
	}

	return &TorrentFile{
		PieceHashes: hashes,
		PieceLength: int(pieceLength),
		Length:      int(length),
		Name:        name,
	}, nil
}

func splitPieceHashes(buf []byte) ([][20]byte, error) {
	const hashLength = 20
	if len(buf)%hashLength != 0 {
		return nil, invalid("info.pieces", "length %d is not a multiple of %d", len(buf), hashLength)
	}

	numHashes := len(buf) / hashLength
	hashes := make([][20]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], buf[i*hashLength:(i+1)*hashLength])
	}
	return hashes, nil
}

// flattenAnnounceList keeps every string URL of every tier in order, without
// the primary announce URL and without repeats. Malformed tiers are skipped.
func flattenAnnounceList(tiers []any, announce string) []string {
	seen := map[string]bool{announce: true}
	var flat []string
	for _, tier := range tiers {
		urls, ok := tier.([]any)
		if !ok {
			continue
		}
		for _, u := range urls {
			s, ok := u.(string)
			if !ok || s == "" || seen[s] {
				continue
			}
			seen[s] = true
			flat = append(flat, s)
		}
	}
	return flat
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// NumPieces is ceil(Length / PieceLength).
func (tf *TorrentFile) NumPieces() int {
	return int(ceilDiv(int64(tf.Length), int64(tf.PieceLength)))
}

// PieceBounds returns the byte range [begin, end) of a piece in the file.
func (tf *TorrentFile) PieceBounds(index int) (int, int) {
	begin := index * tf.PieceLength
	end := tf.Length
	if tf.PieceLength < end-begin {
		end = begin + tf.PieceLength
	}
	return begin, end
}

func (tf *TorrentFile) PieceSize(index int) int {
	begin, end := tf.PieceBounds(index)
	return end - begin
}

// Trackers lists the announce URL followed by the announce-list URLs.
func (tf *TorrentFile) Trackers() []string {
	return append([]string{tf.Announce}, tf.AnnounceList...)
}

func (tf *TorrentFile) String() string {
	return fmt.Sprintf("Tracker URL: %s\nName: %s\nLength: %d\nInfo Hash: %x\nPiece Length: %d\nPieces: %d",
		tf.Announce, tf.Name, tf.Length, tf.InfoHash, tf.PieceLength, len(tf.PieceHashes))
}
