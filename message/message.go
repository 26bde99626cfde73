package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type ID uint8

// A message of length zero is a keep-alive.
//
// All other messages with their IDs:
//   - choke 0 (peer will not answer requests)
//   - unchoke 1 (peer will answer requests)
//   - interested 2 (sender wants pieces)
//   - not interested 3
//   - have 4 (<index> the sender just verified)
//   - bitfield 5 (pieces the sender is able to send, first message only)
//   - request 6 (<index><begin><length>)
//   - piece 7 (<index><begin><block>)
//   - cancel 8 (same payload as request)
const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

// MaxLength bounds the length prefix of an incoming message: a 1 MiB block
// plus the id and the piece header.
const MaxLength = 1<<20 + 9

var (
	ErrTooLarge = errors.New("message: length exceeds limit")
	ErrPayload  = errors.New("message: malformed payload")
)

// Every message is of the following form:
// | Message Length | Message ID | Optional Payload |
//
// The length is not stored, it is only used to frame the message.
type Message struct {
	ID      ID
	Payload []byte
}

func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// ParseRequest extracts <index><begin><length> from a request or cancel.
func ParseRequest(msg *Message) (index, begin, length int, err error) {
	if msg.ID != Request && msg.ID != Cancel {
		return 0, 0, 0, fmt.Errorf("%w: expected ID %d (REQUEST), got ID %d", ErrPayload, Request, msg.ID)
	}
	if len(msg.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload of length %d", ErrPayload, len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

// Format of the message: <length=5><id=4><index>
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

func ParseHave(msg *Message) (int, error) {
	if msg.ID != Have {
		return 0, fmt.Errorf("%w: expected ID %d (HAVE), got ID %d", ErrPayload, Have, msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("%w: expected payload of length 4, got length %d", ErrPayload, len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

func NewPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// ParsePiece copies the block of a PIECE message into buf, which holds the
// whole piece, and returns the block length.
func ParsePiece(index int, buf []byte, msg *Message) (int, error) {
	if msg.ID != Piece {
		return 0, fmt.Errorf("%w: expected ID %d (PIECE), got ID %d", ErrPayload, Piece, msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, fmt.Errorf("%w: payload too short: %d < 8", ErrPayload, len(msg.Payload))
	}

	parsedIndex := int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	if parsedIndex != index {
		return 0, fmt.Errorf("%w: expected index %d, got index %d", ErrPayload, index, parsedIndex)
	}

	begin := int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	if begin >= len(buf) {
		return 0, fmt.Errorf("%w: begin offset %d beyond piece of %d bytes", ErrPayload, begin, len(buf))
	}

	block := msg.Payload[8:]
	if begin+len(block) > len(buf) {
		return 0, fmt.Errorf("%w: block of %d bytes too long for offset %d in piece of %d bytes", ErrPayload, len(block), begin, len(buf))
	}
	copy(buf[begin:], block)
	return len(block), nil
}

// Serialize frames the message. A nil message is a keep-alive.
func (msg *Message) Serialize() []byte {
	if msg == nil {
		return make([]byte, 4)
	}

	length := uint32(len(msg.Payload) + 1) // payload + ID
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// Read reads one framed message. It returns nil, nil for a keep-alive.
func Read(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)

	if length == 0 {
		return nil, nil
	}
	if length > MaxLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, length, MaxLength)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Message{ID: ID(buf[0]), Payload: buf[1:]}, nil
}

func (id ID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Unknown#%d", uint8(id))
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return "KeepAlive"
	}
	return fmt.Sprintf("%s [%d]", msg.ID, len(msg.Payload))
}
