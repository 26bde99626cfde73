package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"bitferry/helper"
	"bitferry/peer"
)

// UDP tracker protocol (BEP 15) actions.
const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

const (
	udpProtocolID          = 0x41727101980
	connectLen             = 16
	announceLen            = 98
	minAnnounceResponseLen = 20
	maxDatagram            = 2048
)

type connect struct {
	Action        uint32
	TransactionID []byte
	ConnectionID  []byte // response only
}

func newConnect() *connect {
	return &connect{Action: actionConnect, TransactionID: helper.GenerateRandomID(4)}
}

func (c *connect) serialize() []byte {
	buf := make([]byte, connectLen)
	binary.BigEndian.PutUint64(buf[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:12], c.Action)
	copy(buf[12:16], c.TransactionID)
	return buf
}

func readConnect(buf []byte) (*connect, error) {
	if len(buf) < 8 {
		return nil, malformed("udp connect response of %d bytes", len(buf))
	}
	c := &connect{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: buf[4:8],
	}
	if c.Action == actionConnect {
		if len(buf) < connectLen {
			return nil, malformed("udp connect response of %d bytes", len(buf))
		}
		c.ConnectionID = buf[8:16]
	}
	return c, nil
}

type announce struct {
	ConnectionID  []byte
	Action        uint32
	TransactionID []byte
	Request       Request
	Key           []byte
}

func newAnnounce(req Request, connectionID []byte) *announce {
	return &announce{
		ConnectionID:  connectionID,
		Action:        actionAnnounce,
		TransactionID: helper.GenerateRandomID(4),
		Request:       req,
		Key:           helper.GenerateRandomID(4),
	}
}

func udpEvent(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	}
	return 0
}

func (a *announce) serialize() []byte {
	buf := make([]byte, announceLen)
	copy(buf[0:8], a.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], a.Action)
	copy(buf[12:16], a.TransactionID)
	copy(buf[16:36], a.Request.InfoHash[:])
	copy(buf[36:56], a.Request.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(a.Request.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(a.Request.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(a.Request.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], udpEvent(a.Request.Event))
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip: let the tracker use the source address
	copy(buf[88:92], a.Key)
	binary.BigEndian.PutUint32(buf[92:96], 0xFFFFFFFF) // num_want: default
	binary.BigEndian.PutUint16(buf[96:98], a.Request.Port)
	return buf
}

type announceResponse struct {
	Action        uint32
	TransactionID []byte
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	Peers         []byte
	Message       string // error action only
}

func readAnnounce(buf []byte) (*announceResponse, error) {
	if len(buf) < 8 {
		return nil, malformed("udp announce response of %d bytes", len(buf))
	}
	ar := &announceResponse{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: buf[4:8],
	}
	if ar.Action == actionError {
		ar.Message = string(buf[8:])
		return ar, nil
	}
	if len(buf) < minAnnounceResponseLen {
		return nil, malformed("udp announce response of %d bytes", len(buf))
	}
	ar.Interval = binary.BigEndian.Uint32(buf[8:12])
	ar.Leechers = binary.BigEndian.Uint32(buf[12:16])
	ar.Seeders = binary.BigEndian.Uint32(buf[16:20])
	peers := buf[20:]
	ar.Peers = peers[:len(peers)-len(peers)%6]
	return ar, nil
}

// roundTrip writes req and reads one datagram into a fresh buffer.
func roundTrip(conn net.Conn, req []byte, size int) ([]byte, error) {
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	buf := make([]byte, size)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return buf[:n], nil
}

func announceUDP(ctx context.Context, host string, req Request) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, host, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	connectReq := newConnect()
	buf, err := roundTrip(conn, connectReq.serialize(), maxDatagram)
	if err != nil {
		return nil, err
	}
	connectRes, err := readConnect(buf)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(connectReq.TransactionID, connectRes.TransactionID) {
		return nil, malformed("expected TID %s received %s", connectReq.TransactionID, connectRes.TransactionID)
	}
	if connectRes.Action == actionError {
		return nil, &FailureError{Reason: string(buf[8:])}
	}
	if connectRes.Action != actionConnect {
		return nil, malformed("expected action %d (connect) received %d", actionConnect, connectRes.Action)
	}

	announceReq := newAnnounce(req, connectRes.ConnectionID)
	buf, err = roundTrip(conn, announceReq.serialize(), maxDatagram)
	if err != nil {
		return nil, err
	}
	announceRes, err := readAnnounce(buf)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(announceReq.TransactionID, announceRes.TransactionID) {
		return nil, malformed("expected TID %s received %s", announceReq.TransactionID, announceRes.TransactionID)
	}
	if announceRes.Action == actionError {
		return nil, &FailureError{Reason: announceRes.Message}
	}
	if announceRes.Action != actionAnnounce {
		return nil, malformed("expected action %d (announce) received %d", actionAnnounce, announceRes.Action)
	}

	peers, err := peer.Unmarshal(announceRes.Peers)
	if err != nil {
		return nil, malformed("%v", err)
	}
	now := time.Now()
	for i := range peers {
		peers[i].LastAnnounce = now
	}
	return &Response{
		Interval:   time.Duration(announceRes.Interval) * time.Second,
		Complete:   int(announceRes.Seeders),
		Incomplete: int(announceRes.Leechers),
		Peers:      peers,
	}, nil
}
