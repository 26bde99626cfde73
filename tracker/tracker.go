package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bitferry/peer"
)

var (
	// ErrUnreachable is matched by network failures, timeouts and bad HTTP
	// statuses during an announce.
	ErrUnreachable = errors.New("tracker unreachable")

	ErrUnsupportedScheme = errors.New("unsupported tracker url scheme")
)

// FailureError carries the tracker's own "failure reason".
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return "tracker failure: " + e.Reason
}

type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// Request holds the announce parameters.
type Request struct {
	URL        string
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// Response is a successful announce.
type Response struct {
	Interval   time.Duration
	Complete   int
	Incomplete int
	Warning    string
	Peers      []peer.Peer
}

// maxResponseSize bounds how much of a tracker reply is read.
const maxResponseSize = 4 << 20

const DefaultTimeout = 15 * time.Second

// Client announces to HTTP and UDP trackers. It keeps no per-torrent state
// and may be shared between sessions.
type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  zerolog.Logger
}

type Option func(*Client)

// WithTimeout bounds one whole announce exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Announce performs one announce exchange with the tracker at req.URL.
func (c *Client) Announce(ctx context.Context, req Request) (*Response, error) {
	base, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	logger := c.logger.With().Str("tracker", req.URL).Logger()
	logger.Debug().Hex("info_hash", req.InfoHash[:]).Str("event", string(req.Event)).Msg("announcing")

	var resp *Response
	switch base.Scheme {
	case "http", "https":
		resp, err = c.announceHTTP(ctx, base, req)
	case "udp":
		resp, err = announceUDP(ctx, base.Host, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, base.Scheme)
	}
	if err != nil {
		logger.Debug().Err(err).Msg("announce failed")
		return nil, err
	}
	logger.Debug().Int("peers", len(resp.Peers)).Dur("interval", resp.Interval).Msg("announce succeeded")
	return resp, nil
}

func (c *Client) announceHTTP(ctx context.Context, base *url.URL, req Request) (*Response, error) {
	u := *base
	u.RawQuery = buildQuery(base.RawQuery, req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating tracker request: %w", err)
	}

	response, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, base.Redacted(), err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %s", ErrUnreachable, base.Redacted(), response.Status)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrUnreachable, err)
	}
	return parseResponse(body, time.Now())
}

// buildQuery appends the announce parameters to any query already present in
// the announce URL. info_hash and peer_id are raw bytes, escaped byte by byte.
func buildQuery(existing string, req Request) string {
	params := url.Values{
		"port":       []string{strconv.Itoa(int(req.Port))},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"compact":    []string{"1"},
	}
	if req.Event != EventNone {
		params.Set("event", string(req.Event))
	}

	var b strings.Builder
	if existing != "" {
		b.WriteString(existing)
		b.WriteByte('&')
	}
	b.WriteString("info_hash=")
	b.WriteString(escapeBytes(req.InfoHash[:]))
	b.WriteString("&peer_id=")
	b.WriteString(escapeBytes(req.PeerID[:]))
	b.WriteByte('&')
	b.WriteString(params.Encode())
	return b.String()
}

func escapeBytes(raw []byte) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range raw {
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
