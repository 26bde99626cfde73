package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"bitferry/bitfield"
	"bitferry/handshake"
	"bitferry/message"
	"bitferry/peer"
)

// ErrHandshakeMismatch is returned when the remote side answers with a
// different info-hash.
var ErrHandshakeMismatch = errors.New("handshake info hash mismatch")

// Channel is one connection between us and a peer, past the handshake.
//
// Choked, Interested and Bitfield reflect what the remote side last told us;
// Read keeps them current.
type Channel struct {
	Conn       net.Conn
	Peer       peer.Peer
	RemoteID   [20]byte
	Choked     bool
	Interested bool
	Bitfield   bitfield.Bitfield
	numPieces  int
	stop       func() bool
}

// Dial connects to p and completes the handshake for a torrent of numPieces
// pieces. The connection is closed when ctx is cancelled. A bitfield, if the
// peer sends one, is picked up by Read; until then the peer is assumed to have
// nothing.
func Dial(ctx context.Context, p peer.Peer, infoHash, peerID [20]byte, numPieces int, timeout time.Duration) (*Channel, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.String())
	if err != nil {
		return nil, err
	}
	ch := newChannel(ctx, conn, p, numPieces)

	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(handshake.New(infoHash, peerID).Serialize()); err != nil {
		ch.Close()
		return nil, err
	}
	res, err := handshake.Read(conn)
	if err != nil {
		ch.Close()
		return nil, err
	}
	if res.InfoHash != infoHash {
		ch.Close()
		return nil, fmt.Errorf("%w: expected %x got %x", ErrHandshakeMismatch, infoHash, res.InfoHash)
	}
	ch.RemoteID = res.PeerID
	return ch, nil
}

// Accept completes the handshake on an inbound connection: it reads the
// remote handshake first and answers only if the info-hash is ours.
func Accept(ctx context.Context, conn net.Conn, infoHash, peerID [20]byte, numPieces int, timeout time.Duration) (*Channel, error) {
	p := peer.Peer{}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		p.IP = addr.IP.String()
		p.Port = uint16(addr.Port)
	}
	ch := newChannel(ctx, conn, p, numPieces)

	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	req, err := handshake.Read(conn)
	if err != nil {
		ch.Close()
		return nil, err
	}
	if req.InfoHash != infoHash {
		ch.Close()
		return nil, fmt.Errorf("%w: %x is not served here", ErrHandshakeMismatch, req.InfoHash)
	}
	if _, err := conn.Write(handshake.New(infoHash, peerID).Serialize()); err != nil {
		ch.Close()
		return nil, err
	}
	id := req.PeerID
	ch.RemoteID = id
	ch.Peer.ID = &id
	return ch, nil
}

func newChannel(ctx context.Context, conn net.Conn, p peer.Peer, numPieces int) *Channel {
	return &Channel{
		Conn:      conn,
		Peer:      p,
		Choked:    true,
		Bitfield:  bitfield.New(numPieces),
		numPieces: numPieces,
		stop:      context.AfterFunc(ctx, func() { conn.Close() }),
	}
}

func (ch *Channel) Close() error {
	ch.stop()
	return ch.Conn.Close()
}

// Read returns the next message, nil for a keep-alive, after applying any
// state it carries (choke, unchoke, interest, bitfield, have).
func (ch *Channel) Read() (*message.Message, error) {
	msg, err := message.Read(ch.Conn)
	if err != nil || msg == nil {
		return msg, err
	}

	switch msg.ID {
	case message.Choke:
		ch.Choked = true
	case message.Unchoke:
		ch.Choked = false
	case message.Interested:
		ch.Interested = true
	case message.NotInterested:
		ch.Interested = false
	case message.Bitfield:
		if want := len(bitfield.New(ch.numPieces)); len(msg.Payload) != want {
			return nil, fmt.Errorf("%w: bitfield of %d bytes, expected %d", message.ErrPayload, len(msg.Payload), want)
		}
		ch.Bitfield = bitfield.Bitfield(msg.Payload)
	case message.Have:
		index, err := message.ParseHave(msg)
		if err != nil {
			return nil, err
		}
		if index >= ch.numPieces {
			return nil, fmt.Errorf("%w: have for piece %d of %d", message.ErrPayload, index, ch.numPieces)
		}
		ch.Bitfield.SetPiece(index)
	}
	return msg, nil
}

func (ch *Channel) send(msg *message.Message) error {
	_, err := ch.Conn.Write(msg.Serialize())
	return err
}

func (ch *Channel) SendRequest(index, begin, length int) error {
	return ch.send(message.NewRequest(index, begin, length))
}

func (ch *Channel) SendPiece(index, begin int, block []byte) error {
	return ch.send(message.NewPiece(index, begin, block))
}

func (ch *Channel) SendInterested() error {
	return ch.send(&message.Message{ID: message.Interested})
}

func (ch *Channel) SendNotInterested() error {
	return ch.send(&message.Message{ID: message.NotInterested})
}

func (ch *Channel) SendChoke() error {
	return ch.send(&message.Message{ID: message.Choke})
}

func (ch *Channel) SendUnchoke() error {
	return ch.send(&message.Message{ID: message.Unchoke})
}

func (ch *Channel) SendHave(index int) error {
	return ch.send(message.NewHave(index))
}

func (ch *Channel) SendBitfield(bf bitfield.Bitfield) error {
	return ch.send(&message.Message{ID: message.Bitfield, Payload: bf})
}

func (ch *Channel) SendKeepAlive() error {
	return ch.send(nil)
}
