package tracker

import (
	"bytes"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/rs/zerolog"

	"bitferry/peer"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultPeerTimeout = 2 * time.Minute
)

type compactResponse struct {
	Interval   int    `bencode:"interval"`
	Complete   int    `bencode:"complete"`
	Incomplete int    `bencode:"incomplete"`
	Peers      string `bencode:"peers"`
}

type dictPeer struct {
	ID     string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
	Seeder int    `bencode:"seeder"`
}

type listResponse struct {
	Interval   int        `bencode:"interval"`
	Complete   int        `bencode:"complete"`
	Incomplete int        `bencode:"incomplete"`
	Peers      []dictPeer `bencode:"peers"`
}

type failureResponse struct {
	Reason string `bencode:"failure reason"`
}

// Server is an in-memory HTTP tracker. It keeps, per info-hash, the peers
// that announced within the peer timeout.
type Server struct {
	mu     sync.Mutex
	swarms map[[20]byte]map[[20]byte]peer.Peer

	interval    time.Duration
	peerTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time
	mux         *http.ServeMux
}

type ServerOption func(*Server)

func WithInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPeerTimeout sets how long a peer stays listed without re-announcing.
func WithPeerTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.peerTimeout = d
		}
	}
}

func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		swarms:      make(map[[20]byte]map[[20]byte]peer.Peer),
		interval:    DefaultInterval,
		peerTimeout: DefaultPeerTimeout,
		logger:      zerolog.Nop(),
		now:         time.Now,
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("/announce", s.handleAnnounce)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	infoHash, ok := id20(q.Get("info_hash"))
	if !ok {
		s.fail(w, "info_hash must be 20 bytes")
		return
	}
	peerID, ok := id20(q.Get("peer_id"))
	if !ok {
		s.fail(w, "peer_id must be 20 bytes")
		return
	}
	port, err := strconv.ParseUint(q.Get("port"), 10, 16)
	if err != nil || port == 0 {
		s.fail(w, "invalid port")
		return
	}

	ip := q.Get("ip")
	if ip == "" {
		ip, _, err = net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
	}

	event := Event(q.Get("event"))
	seeder := event == EventCompleted || q.Get("left") == "0"

	pid := peerID
	announced := peer.Peer{
		ID:           &pid,
		IP:           ip,
		Port:         uint16(port),
		Seeder:       seeder,
		LastAnnounce: s.now(),
	}
	others := s.update(infoHash, announced, event)

	s.logger.Debug().
		Hex("info_hash", infoHash[:]).
		Str("peer", announced.String()).
		Str("event", string(event)).
		Int("returned", len(others)).
		Msg("announce")

	complete, incomplete := 0, 0
	for _, p := range others {
		if p.Seeder {
			complete++
		} else {
			incomplete++
		}
	}
	if event != EventStopped {
		if seeder {
			complete++
		} else {
			incomplete++
		}
	}

	interval := int(s.interval / time.Second)
	var body any
	if q.Get("compact") == "1" {
		body = compactResponse{
			Interval:   interval,
			Complete:   complete,
			Incomplete: incomplete,
			Peers:      string(peer.Marshal(others)),
		}
	} else {
		list := make([]dictPeer, 0, len(others))
		for _, p := range others {
			dp := dictPeer{IP: p.IP, Port: int(p.Port)}
			if p.ID != nil {
				dp.ID = string(p.ID[:])
			}
			if p.Seeder {
				dp.Seeder = 1
			}
			list = append(list, dp)
		}
		body = listResponse{
			Interval:   interval,
			Complete:   complete,
			Incomplete: incomplete,
			Peers:      list,
		}
	}
	s.write(w, body)
}

// update records the announce and returns every other live peer of the swarm.
func (s *Server) update(infoHash [20]byte, p peer.Peer, event Event) []peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	swarm, ok := s.swarms[infoHash]
	if !ok {
		swarm = make(map[[20]byte]peer.Peer)
		s.swarms[infoHash] = swarm
	}

	cutoff := p.LastAnnounce.Add(-s.peerTimeout)
	for id, other := range swarm {
		if other.LastAnnounce.Before(cutoff) {
			delete(swarm, id)
		}
	}

	if event == EventStopped {
		delete(swarm, *p.ID)
	} else {
		if prev, ok := swarm[*p.ID]; ok && prev.Seeder {
			p.Seeder = true
		}
		swarm[*p.ID] = p
	}

	others := make([]peer.Peer, 0, len(swarm))
	for id, other := range swarm {
		if id == *p.ID {
			continue
		}
		others = append(others, other)
	}
	sortPeers(others)
	return others
}

// Peers returns the live peers of one swarm.
func (s *Server) Peers(infoHash [20]byte) []peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.peerTimeout)
	peers := make([]peer.Peer, 0, len(s.swarms[infoHash]))
	for _, p := range s.swarms[infoHash] {
		if !p.LastAnnounce.Before(cutoff) {
			peers = append(peers, p)
		}
	}
	sortPeers(peers)
	return peers
}

// sortPeers puts seeders first, then orders by address.
func sortPeers(peers []peer.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Seeder != peers[j].Seeder {
			return peers[i].Seeder
		}
		return peers[i].String() < peers[j].String()
	})
}

func (s *Server) fail(w http.ResponseWriter, reason string) {
	s.logger.Debug().Str("reason", reason).Msg("rejecting announce")
	s.write(w, failureResponse{Reason: reason})
}

func (s *Server) write(w http.ResponseWriter, body any) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, body); err != nil {
		s.logger.Error().Err(err).Msg("encoding tracker response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(buf.Bytes())
}

func id20(s string) ([20]byte, bool) {
	var id [20]byte
	if len(s) != len(id) {
		return id, false
	}
	copy(id[:], s)
	return id, true
}
