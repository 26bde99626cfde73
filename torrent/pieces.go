package torrent

import (
	"context"
	"errors"
	"sync"
)

type pieceStatus uint8

const (
	pending pieceStatus = iota
	inFlight
	verified
	failed
)

var (
	errFinished   = errors.New("all pieces verified")
	errAborted    = errors.New("download aborted")
	errNoneWanted = errors.New("peer has no outstanding piece")
)

// pieceTable is the shared state of a download. Every transition happens
// under mu and wakes everyone waiting in claim.
type pieceTable struct {
	mu         sync.Mutex
	status     []pieceStatus
	mismatches []int
	maxRetries int
	done       int
	err        error
	changed    chan struct{}
	onFinish   func()
}

func newPieceTable(n, maxRetries int, onFinish func()) *pieceTable {
	return &pieceTable{
		status:     make([]pieceStatus, n),
		mismatches: make([]int, n),
		maxRetries: maxRetries,
		changed:    make(chan struct{}),
		onFinish:   onFinish,
	}
}

// broadcast must be called with mu held.
func (pt *pieceTable) broadcast() {
	close(pt.changed)
	pt.changed = make(chan struct{})
}

// claim marks the lowest-index pending piece the peer has as in flight and
// returns it. While pieces the peer has are in flight elsewhere it waits,
// since they may come back.
func (pt *pieceTable) claim(ctx context.Context, has func(int) bool) (int, error) {
	for {
		pt.mu.Lock()
		if pt.err != nil {
			pt.mu.Unlock()
			return -1, errAborted
		}
		if pt.done == len(pt.status) {
			pt.mu.Unlock()
			return -1, errFinished
		}

		waiting := false
		for i, s := range pt.status {
			if !has(i) {
				continue
			}
			switch s {
			case pending:
				pt.status[i] = inFlight
				pt.mu.Unlock()
				return i, nil
			case inFlight:
				waiting = true
			}
		}
		changed := pt.changed
		pt.mu.Unlock()

		if !waiting {
			return -1, errNoneWanted
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

// release returns a piece to pending without counting it against the piece.
func (pt *pieceTable) release(index int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.status[index] == inFlight {
		pt.status[index] = pending
		pt.broadcast()
	}
}

// reject records a hash mismatch. Once the piece has failed more than
// maxRetries times the whole download fails with an IntegrityError.
func (pt *pieceTable) reject(index int) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	defer pt.broadcast()

	pt.mismatches[index]++
	if pt.mismatches[index] > pt.maxRetries {
		pt.status[index] = failed
		err := &IntegrityError{Index: index, Attempts: pt.mismatches[index]}
		if pt.err == nil {
			pt.err = err
		}
		return err
	}
	pt.status[index] = pending
	return nil
}

// verify marks a piece done and returns how many pieces are done.
func (pt *pieceTable) verify(index int) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	defer pt.broadcast()

	pt.status[index] = verified
	pt.done++
	if pt.done == len(pt.status) && pt.onFinish != nil {
		pt.onFinish()
	}
	return pt.done
}

func (pt *pieceTable) finished() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.done == len(pt.status) || pt.err != nil
}

func (pt *pieceTable) complete() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.done == len(pt.status)
}

func (pt *pieceTable) progress() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.done
}
