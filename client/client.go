// Package client exposes the operations a front end needs: reading and
// creating descriptors, announcing, downloading and seeding.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"bitferry/file"
	"bitferry/helper"
	"bitferry/peer"
	"bitferry/seeder"
	"bitferry/torrent"
	"bitferry/tracker"
)

// DefaultPort is announced when no listening port is configured.
const DefaultPort = 6881

type Config struct {
	Port           uint16
	TrackerTimeout time.Duration
	Logger         zerolog.Logger
	Swarm          []torrent.Option
}

type Option func(*Config)

// WithPort sets the port announced to trackers.
func WithPort(port uint16) Option {
	return func(c *Config) {
		if port != 0 {
			c.Port = port
		}
	}
}

func WithTrackerTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.TrackerTimeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithSwarmOptions passes options through to every download.
func WithSwarmOptions(opts ...torrent.Option) Option {
	return func(c *Config) {
		c.Swarm = append(c.Swarm, opts...)
	}
}

// Client holds the identity of one session: its peer id is generated once
// and used for every announce and handshake.
type Client struct {
	peerID  [20]byte
	cfg     Config
	tracker *tracker.Client
	logger  zerolog.Logger
}

func New(opts ...Option) *Client {
	cfg := Config{
		Port:           DefaultPort,
		TrackerTimeout: tracker.DefaultTimeout,
		Logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{
		peerID: helper.GeneratePeerID(),
		cfg:    cfg,
		tracker: tracker.NewClient(
			tracker.WithTimeout(cfg.TrackerTimeout),
			tracker.WithLogger(cfg.Logger),
		),
		logger: cfg.Logger,
	}
}

func (c *Client) PeerID() [20]byte {
	return c.peerID
}

// DecodeDescriptor parses and validates torrent descriptor bytes.
func DecodeDescriptor(data []byte) (*file.TorrentFile, error) {
	return file.Parse(data)
}

// ComputeInfoHash hashes the exact info bytes of a descriptor.
func ComputeInfoHash(data []byte) ([20]byte, error) {
	return file.ComputeInfoHash(data)
}

// CreateDescriptorFromFile builds a descriptor for data with the default
// piece length.
func CreateDescriptorFromFile(data []byte, name, announce string) ([]byte, error) {
	return file.Create(data, name, announce, file.DefaultPieceLength)
}

// AnnounceToTracker announces a fresh download and returns the peers of the
// first tracker that answers, trying every tracker of tf in order.
func (c *Client) AnnounceToTracker(ctx context.Context, tf *file.TorrentFile) ([]peer.Peer, error) {
	resp, err := c.announce(ctx, tf, tracker.EventStarted, 0, int64(tf.Length))
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func (c *Client) announce(ctx context.Context, tf *file.TorrentFile, event tracker.Event, uploaded, left int64) (*tracker.Response, error) {
	var errs []error
	for _, url := range tf.Trackers() {
		resp, err := c.tracker.Announce(ctx, tracker.Request{
			URL:        url,
			InfoHash:   tf.InfoHash,
			PeerID:     c.peerID,
			Port:       c.cfg.Port,
			Uploaded:   uploaded,
			Downloaded: int64(tf.Length) - left,
			Left:       left,
			Event:      event,
		})
		if err == nil {
			if resp.Warning != "" {
				c.logger.Warn().Str("tracker", url).Str("warning", resp.Warning).Msg("tracker warning")
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug().Err(err).Str("tracker", url).Msg("tracker failed, trying next")
		errs = append(errs, err)
	}
	switch len(errs) {
	case 0:
		return nil, fmt.Errorf("%w: no trackers", tracker.ErrUnreachable)
	case 1:
		return nil, errs[0]
	}
	return nil, errors.Join(errs...)
}

// DownloadFromSwarm downloads tf from peers. totalPieces must agree with tf.
func (c *Client) DownloadFromSwarm(ctx context.Context, peers []peer.Peer, tf *file.TorrentFile, totalPieces int) (*torrent.Result, error) {
	if totalPieces != tf.NumPieces() || totalPieces != len(tf.PieceHashes) {
		return nil, fmt.Errorf("%w: %d pieces requested, descriptor has %d", file.ErrInvalidDescriptor, totalPieces, len(tf.PieceHashes))
	}
	opts := append([]torrent.Option{torrent.WithLogger(c.logger)}, c.cfg.Swarm...)
	return torrent.New(tf, peers, c.peerID, opts...).Download(ctx)
}

// Download announces, downloads, and tells the tracker it completed.
func (c *Client) Download(ctx context.Context, tf *file.TorrentFile) (*torrent.Result, error) {
	peers, err := c.AnnounceToTracker(ctx, tf)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Int("peers", len(peers)).Msg("received peers")

	res, err := c.DownloadFromSwarm(ctx, peers, tf, tf.NumPieces())
	if err != nil {
		return nil, err
	}
	if _, err := c.announce(ctx, tf, tracker.EventCompleted, 0, 0); err != nil {
		c.logger.Warn().Err(err).Msg("completed announce failed")
	}
	return res, nil
}

// Seed serves data on l and keeps the trackers of tf informed until ctx is
// cancelled, then announces stopped.
func (c *Client) Seed(ctx context.Context, tf *file.TorrentFile, data []byte, l net.Listener, opts ...seeder.Option) error {
	opts = append([]seeder.Option{seeder.WithLogger(c.logger)}, opts...)
	s, err := seeder.New(tf, data, c.peerID, opts...)
	if err != nil {
		return err
	}

	// announce the port we actually listen on
	sc := *c
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		sc.cfg.Port = uint16(addr.Port)
	}
	c = &sc

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, l) }()

	interval := tracker.DefaultInterval
	resp, err := c.announce(ctx, tf, tracker.EventStarted, 0, 0)
	if err != nil {
		c.logger.Warn().Err(err).Msg("announce failed")
	} else if resp.Interval > 0 {
		interval = resp.Interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errc:
			if ctx.Err() != nil {
				c.stopped(tf, s.Uploaded())
			}
			return err
		case <-ticker.C:
			if _, err := c.announce(ctx, tf, tracker.EventNone, s.Uploaded(), 0); err != nil {
				c.logger.Warn().Err(err).Msg("announce failed")
			}
		case <-ctx.Done():
			c.stopped(tf, s.Uploaded())
			return <-errc
		}
	}
}

func (c *Client) stopped(tf *file.TorrentFile, uploaded int64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TrackerTimeout)
	defer cancel()
	if _, err := c.announce(ctx, tf, tracker.EventStopped, uploaded, 0); err != nil {
		c.logger.Debug().Err(err).Msg("stopped announce failed")
	}
}
