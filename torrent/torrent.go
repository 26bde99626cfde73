package torrent

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"bitferry/channel"
	"bitferry/file"
	"bitferry/message"
	"bitferry/peer"
)

// data is requested in blocks (16kB) and not pieces
const MaxBlockSize = 16 * 1024

// ErrNoPeers is returned when every peer has been dropped or has nothing
// left to give while pieces are still missing.
var ErrNoPeers = errors.New("no peers available to complete the download")

// IntegrityError aborts a download: the piece failed its hash check more
// often than the retry budget allows.
type IntegrityError struct {
	Index    int
	Attempts int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("piece %d failed integrity check %d times", e.Index, e.Attempts)
}

// PeerError is why a single peer was dropped. It never aborts a download.
type PeerError struct {
	Peer peer.Peer
	Err  error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s: %v", e.Peer, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

type Torrent struct {
	Peers       []peer.Peer
	PeerID      [20]byte
	InfoHash    [20]byte
	PieceHashes [][20]byte
	PieceLength int
	Length      int
	Name        string
	Config      Config

	activePeers atomic.Int32
}

// Result is a complete, verified download.
type Result struct {
	Name string
	Data []byte
}

func New(tf *file.TorrentFile, peers []peer.Peer, peerID [20]byte, opts ...Option) *Torrent {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Torrent{
		Peers:       peers,
		PeerID:      peerID,
		InfoHash:    tf.InfoHash,
		PieceHashes: tf.PieceHashes,
		PieceLength: tf.PieceLength,
		Length:      tf.Length,
		Name:        tf.Name,
		Config:      cfg,
	}
}

func (t *Torrent) numPieces() int {
	n := t.Length / t.PieceLength
	if t.Length%t.PieceLength != 0 {
		n++
	}
	return n
}

func (t *Torrent) calcPieceBounds(index int) (int, int) {
	begin := index * t.PieceLength
	end := t.Length
	if t.PieceLength < end-begin {
		end = begin + t.PieceLength
	}
	return begin, end
}

func (t *Torrent) calcPieceSize(index int) int {
	begin, end := t.calcPieceBounds(index)
	return end - begin
}

// Download fetches every piece from the peers and returns the assembled
// file. It returns either all of it, verified, or an error.
func (t *Torrent) Download(ctx context.Context) (*Result, error) {
	if t.Length <= 0 || t.Length > file.MaxLength || t.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid torrent: length %d, piece length %d", t.Length, t.PieceLength)
	}
	if n := t.numPieces(); n != len(t.PieceHashes) {
		return nil, fmt.Errorf("invalid torrent: %d pieces expected, %d hashes", n, len(t.PieceHashes))
	}
	if len(t.Peers) == 0 {
		return nil, ErrNoPeers
	}

	cfg := t.Config
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultConfig().MaxPeers
	}
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = DefaultConfig().PipelineDepth
	}
	if cfg.DialRate == 0 {
		cfg.DialRate = rate.Inf
	}
	logger := cfg.Logger.With().Str("torrent", t.Name).Logger()

	session, finish := context.WithCancel(ctx)
	defer finish()

	table := newPieceTable(len(t.PieceHashes), cfg.MaxRetries, finish)
	dropped := &dropList{}
	buf := make([]byte, t.Length)
	limiter := rate.NewLimiter(cfg.DialRate, 1)

	if cfg.ShowProgress {
		var stop func()
		cfg.OnPiece, stop = t.downloadProgress(cfg.OnPiece)
		defer stop()
	}

	g, gctx := errgroup.WithContext(session)
	g.SetLimit(cfg.MaxPeers)
	for _, p := range t.Peers {
		if table.finished() || gctx.Err() != nil {
			break
		}
		w := &worker{
			t:       t,
			cfg:     cfg,
			peer:    p,
			table:   table,
			buf:     buf,
			limiter: limiter,
			dropped: dropped,
			logger:  logger.With().Str("peer", p.String()).Logger(),
		}
		g.Go(func() error {
			return w.run(gctx)
		})
	}
	err := g.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		logger.Error().Err(err).Msg("download aborted")
		return nil, err
	}
	if !table.complete() {
		logger.Warn().Int("done", table.progress()).Int("total", len(t.PieceHashes)).Msg("swarm exhausted")
		if reasons := dropped.err(); reasons != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoPeers, reasons)
		}
		return nil, ErrNoPeers
	}
	logger.Info().Int("pieces", len(t.PieceHashes)).Msg("download complete")
	return &Result{Name: t.Name, Data: buf}, nil
}

type worker struct {
	t       *Torrent
	cfg     Config
	peer    peer.Peer
	table   *pieceTable
	buf     []byte
	limiter *rate.Limiter
	dropped *dropList
	logger  zerolog.Logger
}

// run drives one peer until it has nothing left to give. Only an
// IntegrityError is returned; every peer failure is logged and dropped.
func (w *worker) run(ctx context.Context) error {
	if w.table.finished() {
		return nil
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return nil
	}

	ch, err := channel.Dial(ctx, w.peer, w.t.InfoHash, w.t.PeerID, len(w.t.PieceHashes), w.cfg.DialTimeout)
	if err != nil {
		w.drop(ctx, err)
		return nil
	}
	defer ch.Close()
	w.logger.Debug().Msg("completed handshake")

	w.t.activePeers.Add(1)
	defer w.t.activePeers.Add(-1)

	if err := ch.SendUnchoke(); err != nil {
		w.drop(ctx, err)
		return nil
	}
	if err := ch.SendInterested(); err != nil {
		w.drop(ctx, err)
		return nil
	}
	if err := w.awaitUnchoke(ch); err != nil {
		w.drop(ctx, err)
		return nil
	}

	for {
		index, err := w.table.claim(ctx, ch.Bitfield.HasPiece)
		switch {
		case errors.Is(err, errNoneWanted):
			if err := w.awaitHave(ch); err != nil {
				w.logger.Debug().Err(err).Msg("peer has nothing we need")
				ch.SendNotInterested()
				return nil
			}
			continue
		case err != nil:
			return nil
		}

		data, err := w.downloadPiece(ch, index)
		if err != nil {
			w.table.release(index)
			w.drop(ctx, err)
			return nil
		}

		if sha1.Sum(data) != w.t.PieceHashes[index] {
			w.logger.Warn().Int("piece", index).Msg("piece failed integrity check")
			if err := w.table.reject(index); err != nil {
				return err
			}
			continue
		}

		begin, _ := w.t.calcPieceBounds(index)
		copy(w.buf[begin:], data)
		done := w.table.verify(index)
		w.logger.Debug().Int("piece", index).Int("done", done).Msg("piece verified")
		if w.cfg.OnPiece != nil {
			w.cfg.OnPiece(index, done, len(w.t.PieceHashes))
		}
		if err := ch.SendHave(index); err != nil && !w.table.finished() {
			w.drop(ctx, err)
			return nil
		}
	}
}

func (w *worker) drop(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	w.logger.Debug().Err(err).Msg("dropping peer")
	w.dropped.add(&PeerError{Peer: w.peer, Err: err})
}

// dropList collects why peers were dropped, for the ErrNoPeers report.
type dropList struct {
	mu   sync.Mutex
	errs []error
}

func (d *dropList) add(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *dropList) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Join(d.errs...)
}

func (w *worker) awaitUnchoke(ch *channel.Channel) error {
	ch.Conn.SetDeadline(time.Now().Add(w.cfg.RequestTimeout))
	defer ch.Conn.SetDeadline(time.Time{})

	for ch.Choked {
		if _, err := ch.Read(); err != nil {
			return fmt.Errorf("waiting for unchoke: %w", err)
		}
	}
	return nil
}

// awaitHave waits up to RequestTimeout for the peer to announce a piece.
func (w *worker) awaitHave(ch *channel.Channel) error {
	ch.Conn.SetDeadline(time.Now().Add(w.cfg.RequestTimeout))
	defer ch.Conn.SetDeadline(time.Time{})

	for {
		msg, err := ch.Read()
		if err != nil {
			return fmt.Errorf("waiting for have: %w", err)
		}
		if msg != nil && (msg.ID == message.Have || msg.ID == message.Bitfield) {
			return nil
		}
	}
}

type pieceState struct {
	index      int
	ch         *channel.Channel
	buf        []byte
	received   []bool
	downloaded int
	next       int // next block to request
	backlog    int
}

func (ps *pieceState) blockSize(block int) int {
	begin := block * MaxBlockSize
	if len(ps.buf)-begin < MaxBlockSize {
		return len(ps.buf) - begin
	}
	return MaxBlockSize
}

func (ps *pieceState) readMessage() error {
	msg, err := ps.ch.Read()
	if err != nil {
		return err
	}

	// keep-alive
	if msg == nil {
		return nil
	}

	switch msg.ID {
	case message.Choke:
		// outstanding requests are discarded by the peer
		ps.backlog = 0
		ps.next = 0
	case message.Piece:
		if len(msg.Payload) >= 8 && int(binary.BigEndian.Uint32(msg.Payload[0:4])) != ps.index {
			return nil // late block for an earlier piece
		}
		begin := 0
		if len(msg.Payload) >= 8 {
			begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
		}
		block := begin / MaxBlockSize
		if begin%MaxBlockSize != 0 || block >= len(ps.received) || len(msg.Payload)-8 != ps.blockSize(block) {
			return fmt.Errorf("%w: unexpected block at offset %d of piece %d", message.ErrPayload, begin, ps.index)
		}
		n, err := message.ParsePiece(ps.index, ps.buf, msg)
		if err != nil {
			return err
		}
		if !ps.received[block] {
			ps.received[block] = true
			ps.downloaded += n
		}
		if ps.backlog > 0 {
			ps.backlog--
		}
	}
	return nil
}

func (w *worker) downloadPiece(ch *channel.Channel, index int) ([]byte, error) {
	size := w.t.calcPieceSize(index)
	state := pieceState{
		index:    index,
		ch:       ch,
		buf:      make([]byte, size),
		received: make([]bool, (size+MaxBlockSize-1)/MaxBlockSize),
	}

	ch.Conn.SetDeadline(time.Now().Add(w.cfg.RequestTimeout))
	defer ch.Conn.SetDeadline(time.Time{})

	for state.downloaded < size {
		if !ch.Choked {
			for state.backlog < w.cfg.PipelineDepth && state.next < len(state.received) {
				block := state.next
				state.next++
				if state.received[block] {
					continue
				}
				if err := ch.SendRequest(index, block*MaxBlockSize, state.blockSize(block)); err != nil {
					return nil, err
				}
				state.backlog++
			}
		}

		if err := state.readMessage(); err != nil {
			return nil, err
		}
	}
	return state.buf, nil
}
