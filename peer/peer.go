package peer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Peer is a swarm member as reported by a tracker.
type Peer struct {
	ID           *[20]byte // nil when the tracker did not say
	IP           string
	Port         uint16
	Seeder       bool
	LastAnnounce time.Time
}

const compactSize = 6

// Unmarshal peers list from the tracker.
//
// Each peer is 6 bytes long: 4 for IP and 2 for port number.
// Hence, peers list has to be a multiple of 6.
func Unmarshal(peersBinary []byte) ([]Peer, error) {
	if len(peersBinary)%compactSize != 0 {
		return nil, fmt.Errorf("received malformed binary of peers: length %d is not a multiple of %d",
			len(peersBinary), compactSize)
	}

	numPeers := len(peersBinary) / compactSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * compactSize
		peers[i].IP = net.IP(peersBinary[offset : offset+4]).String()
		peers[i].Port = binary.BigEndian.Uint16(peersBinary[offset+4 : offset+6])
	}
	return peers, nil
}

// Marshal is the inverse of Unmarshal. Peers without an IPv4 address are
// left out.
func Marshal(peers []Peer) []byte {
	buf := make([]byte, 0, len(peers)*compactSize)
	for _, p := range peers {
		ip := net.ParseIP(p.IP).To4()
		if ip == nil {
			continue
		}
		buf = append(buf, ip...)
		buf = binary.BigEndian.AppendUint16(buf, p.Port)
	}
	return buf
}

// Return Peer ip and port with suitable format - ip:port
func (p Peer) String() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port)))
}
