package tracker

import (
	"fmt"
	"time"

	"bitferry/bencode"
	"bitferry/peer"
)

// GET request to tracker URL returns a dictionary with either:
//   - failure reason (human readable error)
//   - peers (compact string or list of dictionaries), plus optional
//     interval, complete, incomplete and warning message
func parseResponse(body []byte, now time.Time) (*Response, error) {
	dict, err := bencode.DecodeDict(body)
	if err != nil {
		return nil, err
	}

	if v, ok := dict.Get("failure reason"); ok {
		reason, _ := v.(string)
		return nil, &FailureError{Reason: reason}
	}

	resp := &Response{}
	if interval, ok := dict.GetInt("interval"); ok && interval > 0 {
		resp.Interval = time.Duration(interval) * time.Second
	}
	if n, ok := dict.GetInt("complete"); ok {
		resp.Complete = int(n)
	}
	if n, ok := dict.GetInt("incomplete"); ok {
		resp.Incomplete = int(n)
	}
	resp.Warning, _ = dict.GetString("warning message")

	raw, ok := dict.Get("peers")
	if !ok {
		return nil, malformed("response has neither peers nor failure reason")
	}

	switch v := raw.(type) {
	case string:
		resp.Peers, err = peer.Unmarshal([]byte(v))
		if err != nil {
			return nil, malformed("%v", err)
		}
	case []any:
		resp.Peers, err = dictPeers(v)
		if err != nil {
			return nil, err
		}
	default:
		return nil, malformed("peers has unexpected type %T", raw)
	}

	for i := range resp.Peers {
		resp.Peers[i].LastAnnounce = now
	}
	return resp, nil
}

func dictPeers(list []any) ([]peer.Peer, error) {
	peers := make([]peer.Peer, 0, len(list))
	for i, item := range list {
		d, ok := item.(*bencode.Dict)
		if !ok {
			return nil, malformed("peers[%d] is not a dictionary", i)
		}
		ip, ok := d.GetString("ip")
		if !ok || ip == "" {
			return nil, malformed("peers[%d].ip missing", i)
		}
		port, ok := d.GetInt("port")
		if !ok || port <= 0 || port > 65535 {
			return nil, malformed("peers[%d].port missing or out of range", i)
		}
		p := peer.Peer{IP: ip, Port: uint16(port)}
		if id, ok := d.GetString("peer id"); ok && len(id) == 20 {
			var pid [20]byte
			copy(pid[:], id)
			p.ID = &pid
		}
		if seeder, ok := d.GetInt("seeder"); ok && seeder != 0 {
			p.Seeder = true
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: tracker response: %s", bencode.ErrMalformed, fmt.Sprintf(format, args...))
}
