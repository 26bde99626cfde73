package file

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/anacrolix/torrent/metainfo"

	"bitferry/bencode"
)

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// rawDescriptor writes an info dictionary with keys in non-canonical order.
func rawDescriptor(announce, name string, length, pieceLength int, pieces []byte) []byte {
	info := fmt.Sprintf("d4:name%d:%s6:lengthi%de12:piece lengthi%de6:pieces%d:%se",
		len(name), name, length, pieceLength, len(pieces), pieces)
	return []byte(fmt.Sprintf("d8:announce%d:%s4:info%se", len(announce), announce, info))
}

func TestParse(t *testing.T) {
	data := randomBytes(t, 1000000, 1)
	desc, err := Create(data, "sample.bin", "http://tracker.test/announce", DefaultPieceLength)
	if err != nil {
		t.Fatal(err)
	}

	tf, err := Parse(desc)
	if err != nil {
		t.Fatal(err)
	}
	if tf.Announce != "http://tracker.test/announce" {
		t.Errorf("Announce = %q", tf.Announce)
	}
	if tf.Name != "sample.bin" {
		t.Errorf("Name = %q", tf.Name)
	}
	if tf.Length != len(data) {
		t.Errorf("Length = %d, want %d", tf.Length, len(data))
	}
	if tf.NumPieces() != 4 || len(tf.PieceHashes) != 4 {
		t.Fatalf("NumPieces = %d, hashes = %d, want 4", tf.NumPieces(), len(tf.PieceHashes))
	}

	total := 0
	for i := 0; i < tf.NumPieces(); i++ {
		begin, end := tf.PieceBounds(i)
		if want := sha1.Sum(data[begin:end]); tf.PieceHashes[i] != want {
			t.Errorf("piece %d hash mismatch", i)
		}
		total += tf.PieceSize(i)
	}
	if total != len(data) {
		t.Errorf("sum of piece sizes = %d, want %d", total, len(data))
	}
	if last := tf.PieceSize(3); last != 1000000-3*262144 {
		t.Errorf("last piece size = %d", last)
	}
}

func TestParseUsesRawInfoBytes(t *testing.T) {
	pieces := bytes.Repeat([]byte{0xab}, 40)
	desc := rawDescriptor("http://t/announce", "a.txt", 30, 16, pieces)

	tf, err := Parse(desc)
	if err != nil {
		t.Fatal(err)
	}

	start := bytes.Index(desc, []byte("4:info")) + len("4:info")
	rawInfo := desc[start : len(desc)-1]
	if want := sha1.Sum(rawInfo); tf.InfoHash != want {
		t.Fatalf("info hash %x, want hash of raw bytes %x", tf.InfoHash, want)
	}

	// A canonical re-encoding orders keys differently and hashes differently.
	root, err := bencode.DecodeDict(desc)
	if err != nil {
		t.Fatal(err)
	}
	info, _ := root.GetDict("info")
	reencoded, err := bencode.Encode(info)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(reencoded, rawInfo) {
		t.Fatal("test descriptor should not be canonical")
	}
	if sha1.Sum(reencoded) == tf.InfoHash {
		t.Fatal("info hash was computed over a re-encoding")
	}

	mi, err := metainfo.Load(bytes.NewReader(desc))
	if err != nil {
		t.Fatal(err)
	}
	if [20]byte(mi.HashInfoBytes()) != tf.InfoHash {
		t.Fatalf("info hash %x disagrees with anacrolix %x", tf.InfoHash, mi.HashInfoBytes())
	}
}

func TestComputeInfoHash(t *testing.T) {
	desc := rawDescriptor("http://t/announce", "a.txt", 30, 16, bytes.Repeat([]byte{1}, 40))

	h1, err := ComputeInfoHash(desc)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ComputeInfoHash(desc)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("info hash is not deterministic")
	}

	// Flip one byte inside the pieces string of the info dictionary.
	changed := append([]byte(nil), desc...)
	i := bytes.LastIndexByte(changed, 1)
	changed[i] = 2
	h3, err := ComputeInfoHash(changed)
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Fatal("info hash did not change with the info bytes")
	}

	// Bytes outside of info do not matter.
	otherAnnounce := rawDescriptor("http://u/announce", "a.txt", 30, 16, bytes.Repeat([]byte{1}, 40))
	h4, err := ComputeInfoHash(otherAnnounce)
	if err != nil {
		t.Fatal(err)
	}
	if h4 != h1 {
		t.Fatal("info hash depends on bytes outside of info")
	}
}

func TestParseInvalid(t *testing.T) {
	hashes := strings.Repeat("x", 40)
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"no announce", "d4:infod4:name1:a6:lengthi3e12:piece lengthi2e6:pieces40:" + hashes + "ee", "announce"},
		{"announce not string", "d8:announcei1e4:infod4:name1:aee", "announce"},
		{"no info", "d8:announce1:ue", "info"},
		{"info not dict", "d8:announce1:u4:infoi1ee", "info"},
		{"no name", "d8:announce1:u4:infod6:lengthi3e12:piece lengthi2e6:pieces40:" + hashes + "ee", "info.name"},
		{"no length", "d8:announce1:u4:infod4:name1:a12:piece lengthi2e6:pieces40:" + hashes + "ee", "info.length"},
		{"zero length", "d8:announce1:u4:infod4:name1:a6:lengthi0e12:piece lengthi2e6:pieces0:ee", "info.length"},
		{"negative piece length", "d8:announce1:u4:infod4:name1:a6:lengthi3e12:piece lengthi-2e6:pieces40:" + hashes + "ee", "info.piece length"},
		{"pieces not multiple of 20", "d8:announce1:u4:infod4:name1:a6:lengthi3e12:piece lengthi2e6:pieces5:abcdeee", "info.pieces"},
		{"wrong piece count", "d8:announce1:u4:infod4:name1:a6:lengthi3e12:piece lengthi2e6:pieces20:" + hashes[:20] + "ee", "info.pieces"},
		{"multi file", "d8:announce1:u4:infod5:filesle4:name1:aee", "info.files"},
		{"huge length and piece length", "d8:announce1:u4:infod6:lengthi9223372036854775807e4:name1:x12:piece lengthi9223372036854775807e6:pieces0:ee", "info.length"},
		{"length over MaxLength", "d8:announce1:u4:infod6:lengthi2147483648e4:name1:x12:piece lengthi4294967296e6:pieces20:" + hashes[:20] + "ee", "info.length"},
		{"huge piece length without hashes", "d8:announce1:u4:infod6:lengthi3e4:name1:x12:piece lengthi9223372036854775807e6:pieces0:ee", "info.pieces"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			if !errors.Is(err, ErrInvalidDescriptor) {
				t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
			}
			var de *DescriptorError
			if !errors.As(err, &de) || de.Field != tt.field {
				t.Fatalf("expected field %q, got %v", tt.field, err)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("d8:announce"))
	if !errors.Is(err, bencode.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestAnnounceList(t *testing.T) {
	desc := "d8:announce5:http:13:announce-listll5:http:5:udp:1el5:http:" + "ee4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces20:" + strings.Repeat("h", 20) + "ee"
	tf, err := Parse([]byte(desc))
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(tf.Trackers(), ",")
	if got != "http:,udp:1" {
		t.Fatalf("Trackers() = %s", got)
	}
}

func TestCreateParseInverse(t *testing.T) {
	for _, size := range []int{1, 1023, 1024, 1025, 100000} {
		data := randomBytes(t, size, int64(size))
		const pieceLength = 1024
		desc, err := Create(data, "f", "http://t/a", pieceLength)
		if err != nil {
			t.Fatal(err)
		}
		tf, err := Parse(desc)
		if err != nil {
			t.Fatal(err)
		}
		if tf.Length != size {
			t.Errorf("size %d: Length = %d", size, tf.Length)
		}
		if tf.PieceLength != pieceLength {
			t.Errorf("size %d: PieceLength = %d", size, tf.PieceLength)
		}
		for i := 0; i*pieceLength < size; i++ {
			end := (i + 1) * pieceLength
			if end > size {
				end = size
			}
			if tf.PieceHashes[i] != PieceHash(data[i*pieceLength:end]) {
				t.Errorf("size %d: piece %d hash mismatch", size, i)
			}
		}
		h, err := ComputeInfoHash(desc)
		if err != nil {
			t.Fatal(err)
		}
		if h != tf.InfoHash {
			t.Errorf("size %d: ComputeInfoHash disagrees with Parse", size)
		}
	}
}

func TestCreateRejects(t *testing.T) {
	tests := []struct {
		data        []byte
		name        string
		announce    string
		pieceLength int
	}{
		{nil, "a", "http://t", 16},
		{[]byte("x"), "", "http://t", 16},
		{[]byte("x"), "a", "", 16},
		{[]byte("x"), "a", "http://t", 0},
	}
	for _, tt := range tests {
		if _, err := Create(tt.data, tt.name, tt.announce, tt.pieceLength); !errors.Is(err, ErrInvalidDescriptor) {
			t.Errorf("Create(%q, %q, %q, %d): expected ErrInvalidDescriptor, got %v",
				tt.data, tt.name, tt.announce, tt.pieceLength, err)
		}
	}
}

func TestCreateHugePieceLength(t *testing.T) {
	desc, err := Create([]byte("ab"), "x", "http://t/a", math.MaxInt)
	if err != nil {
		t.Fatal(err)
	}
	tf, err := Parse(desc)
	if err != nil {
		t.Fatal(err)
	}
	if tf.NumPieces() != 1 || len(tf.PieceHashes) != 1 || tf.PieceSize(0) != 2 {
		t.Fatalf("descriptor = %s", tf)
	}
	if tf.PieceHashes[0] != PieceHash([]byte("ab")) {
		t.Fatal("piece hash mismatch")
	}
}

func TestCreateIsCanonical(t *testing.T) {
	desc, err := Create([]byte("hello world"), "hello.txt", "http://t/a", 4)
	if err != nil {
		t.Fatal(err)
	}
	root, err := bencode.DecodeDict(desc)
	if err != nil {
		t.Fatal(err)
	}
	info, _ := root.GetDict("info")
	if got := strings.Join(info.Keys(), ","); got != "length,name,piece length,pieces" {
		t.Fatalf("info keys = %s", got)
	}
	reencoded, err := bencode.Encode(root)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reencoded, desc) {
		t.Fatal("created descriptor is not stable under re-encoding")
	}
}
