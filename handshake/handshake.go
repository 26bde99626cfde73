package handshake

import (
	"errors"
	"fmt"
	"io"
)

// Protocol is the pstr every peer must send.
const Protocol = "BitTorrent protocol"

// Len is the size of a handshake with the standard pstr.
const Len = 49 + len(Protocol)

var ErrProtocol = errors.New("handshake: unexpected protocol")

// Handshake string consists of (in order):
//   - 1 byte for pstr length (19)
//   - 19 bytes for pstr
//   - 8 reserved bytes for extension support (all zero here)
//   - 20 bytes for infohash
//   - 20 bytes for peerID
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

func New(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     Protocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, len(h.Pstr)+49)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += 8 // reserved
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

// Read parses a handshake and rejects anything but the standard pstr.
func Read(r io.Reader) (*Handshake, error) {
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	pstrLen := int(lenBuf[0])
	if pstrLen != len(Protocol) {
		return nil, fmt.Errorf("%w: pstr length %d", ErrProtocol, pstrLen)
	}

	buf := make([]byte, pstrLen+48)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if pstr := string(buf[:pstrLen]); pstr != Protocol {
		return nil, fmt.Errorf("%w: %q", ErrProtocol, pstr)
	}

	h := Handshake{Pstr: Protocol}
	copy(h.InfoHash[:], buf[pstrLen+8:pstrLen+28])
	copy(h.PeerID[:], buf[pstrLen+28:])
	return &h, nil
}
