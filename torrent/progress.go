package torrent

import (
	"strconv"
	"sync/atomic"

	"github.com/gosuri/uiprogress"
)

// downloadProgress renders pieces done, active peers and elapsed time. The
// bar advances through the returned piece callback until stop is called.
func (t *Torrent) downloadProgress(next func(index, done, total int)) (onPiece func(index, done, total int), stop func()) {
	progress := uiprogress.New()
	progress.Start()

	total := len(t.PieceHashes)
	var piecesDone atomic.Int64
	bar := progress.AddBar(total)
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "pieces: " + strconv.FormatInt(piecesDone.Load(), 10) + "/" + strconv.Itoa(total)
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(int(t.activePeers.Load()))
	})
	bar.AppendElapsed()

	onPiece = func(index, done, total int) {
		piecesDone.Store(int64(done))
		bar.Incr()
		if next != nil {
			next(index, done, total)
		}
	}
	return onPiece, progress.Stop
}
