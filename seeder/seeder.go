package seeder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"bitferry/bitfield"
	"bitferry/channel"
	"bitferry/file"
	"bitferry/message"
)

// MaxRequestLength is the largest block a peer may ask for.
const MaxRequestLength = 128 * 1024

const (
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 2 * time.Minute
)

var ErrBadRequest = errors.New("seeder: bad request")

// Seeder serves the pieces of one complete file to any peer that completes
// the handshake for its info-hash.
type Seeder struct {
	tf      *file.TorrentFile
	data    []byte
	peerID  [20]byte
	have    bitfield.Bitfield
	limiter *rate.Limiter
	logger  zerolog.Logger

	uploaded atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

type Option func(*Seeder)

// WithPieces restricts the seeder to the given pieces.
func WithPieces(indices ...int) Option {
	return func(s *Seeder) {
		s.have = bitfield.New(s.tf.NumPieces())
		for _, i := range indices {
			s.have.SetPiece(i)
		}
	}
}

// WithRateLimit caps upload throughput in bytes per second.
func WithRateLimit(bytesPerSec int) Option {
	return func(s *Seeder) {
		if bytesPerSec <= 0 {
			return
		}
		burst := bytesPerSec
		if burst < MaxRequestLength {
			burst = MaxRequestLength
		}
		s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Seeder) {
		s.logger = logger
	}
}

func New(tf *file.TorrentFile, data []byte, peerID [20]byte, opts ...Option) (*Seeder, error) {
	if len(data) != tf.Length {
		return nil, fmt.Errorf("seeder: have %d bytes, torrent needs %d", len(data), tf.Length)
	}
	s := &Seeder{
		tf:      tf,
		data:    data,
		peerID:  peerID,
		have:    bitfield.Full(tf.NumPieces()),
		limiter: rate.NewLimiter(rate.Inf, MaxRequestLength),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("torrent", tf.Name).Logger()
	return s, nil
}

// Serve accepts peers on l until ctx is cancelled or Close is called.
func (s *Seeder) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return l.Close()
	}
	s.listener = l
	s.cancel = cancel
	s.mu.Unlock()
	defer s.wg.Wait()
	defer cancel()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	s.logger.Info().Str("addr", l.Addr().String()).Int("pieces", s.have.Count(s.tf.NumPieces())).Msg("seeding")
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Addr is the listening address, nil before Serve.
func (s *Seeder) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Uploaded is the number of block bytes sent so far.
func (s *Seeder) Uploaded() int64 {
	return s.uploaded.Load()
}

// Close stops accepting and drops every connection. Serve returns once the
// connection handlers are done.
func (s *Seeder) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Seeder) serveConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With().Str("peer", conn.RemoteAddr().String()).Logger()

	ch, err := channel.Accept(ctx, conn, s.tf.InfoHash, s.peerID, len(s.tf.PieceHashes), handshakeTimeout)
	if err != nil {
		logger.Debug().Err(err).Msg("handshake failed")
		return
	}
	defer ch.Close()

	if err := ch.SendBitfield(s.have); err != nil {
		logger.Debug().Err(err).Msg("sending bitfield")
		return
	}

	for {
		ch.Conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, err := ch.Read()
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug().Err(err).Msg("peer disconnected")
			}
			return
		}
		if msg == nil {
			continue
		}

		switch msg.ID {
		case message.Interested:
			err = ch.SendUnchoke()
		case message.Request:
			err = s.answer(ctx, ch, msg)
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug().Err(err).Msg("closing connection")
			}
			return
		}
	}
}

func (s *Seeder) answer(ctx context.Context, ch *channel.Channel, msg *message.Message) error {
	index, begin, length, err := message.ParseRequest(msg)
	if err != nil {
		return err
	}
	if index < 0 || index >= s.tf.NumPieces() || !s.have.HasPiece(index) {
		return fmt.Errorf("%w: piece %d not served", ErrBadRequest, index)
	}
	if length <= 0 || length > MaxRequestLength || begin < 0 || begin+length > s.tf.PieceSize(index) {
		return fmt.Errorf("%w: %d bytes at %d of piece %d", ErrBadRequest, length, begin, index)
	}

	if err := s.limiter.WaitN(ctx, length); err != nil {
		return err
	}
	start, _ := s.tf.PieceBounds(index)
	if err := ch.SendPiece(index, begin, s.data[start+begin:start+begin+length]); err != nil {
		return err
	}
	s.uploaded.Add(int64(length))
	return nil
}
