package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeUDPTracker answers one connect and one announce. fail, when set, is
// returned as an error action instead of the announce reply.
func fakeUDPTracker(t *testing.T, fail string) (string, <-chan []byte) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	announces := make(chan []byte, 1)
	go func() {
		buf := make([]byte, maxDatagram)
		connectionID := []byte{9, 8, 7, 6, 5, 4, 3, 2}
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			pkt := append([]byte(nil), buf[:n]...)
			switch {
			case n == connectLen && binary.BigEndian.Uint64(pkt[0:8]) == udpProtocolID:
				res := make([]byte, 16)
				binary.BigEndian.PutUint32(res[0:4], actionConnect)
				copy(res[4:8], pkt[12:16])
				copy(res[8:16], connectionID)
				conn.WriteTo(res, addr)
			case n == announceLen:
				announces <- pkt
				var res []byte
				if fail != "" {
					res = binary.BigEndian.AppendUint32(nil, actionError)
					res = append(res, pkt[12:16]...)
					res = append(res, fail...)
				} else {
					res = binary.BigEndian.AppendUint32(nil, actionAnnounce)
					res = append(res, pkt[12:16]...)
					res = binary.BigEndian.AppendUint32(res, 1800)
					res = binary.BigEndian.AppendUint32(res, 4)
					res = binary.BigEndian.AppendUint32(res, 2)
					res = append(res, 10, 0, 0, 7, 0x1A, 0xE1)
				}
				conn.WriteTo(res, addr)
			}
		}
	}()
	return "udp://" + conn.LocalAddr().String() + "/announce", announces
}

func TestAnnounceUDP(t *testing.T) {
	url, announces := fakeUDPTracker(t, "")
	req := testRequest(url)

	resp, err := NewClient(WithTimeout(2*time.Second)).Announce(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Interval != 1800*time.Second || resp.Incomplete != 4 || resp.Complete != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].String() != "10.0.0.7:6881" {
		t.Fatalf("Peers = %+v", resp.Peers)
	}

	pkt := <-announces
	if got := pkt[0:8]; string(got) != "\x09\x08\x07\x06\x05\x04\x03\x02" {
		t.Errorf("connection id = %x", got)
	}
	if string(pkt[16:36]) != string(req.InfoHash[:]) {
		t.Error("info hash not sent")
	}
	if binary.BigEndian.Uint64(pkt[64:72]) != uint64(req.Left) {
		t.Error("left not sent")
	}
	if binary.BigEndian.Uint32(pkt[80:84]) != 2 {
		t.Errorf("event = %d, want 2 (started)", binary.BigEndian.Uint32(pkt[80:84]))
	}
	if binary.BigEndian.Uint16(pkt[96:98]) != req.Port {
		t.Error("port not sent")
	}
}

func TestAnnounceUDPError(t *testing.T) {
	url, _ := fakeUDPTracker(t, "torrent not registered")
	_, err := NewClient(WithTimeout(2*time.Second)).Announce(context.Background(), testRequest(url))
	var fe *FailureError
	if !errors.As(err, &fe) || fe.Reason != "torrent not registered" {
		t.Fatalf("expected FailureError, got %v", err)
	}
}

func TestAnnounceUDPTimeout(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	c := NewClient(WithTimeout(100 * time.Millisecond))
	_, err = c.Announce(context.Background(), testRequest("udp://"+conn.LocalAddr().String()))
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}
