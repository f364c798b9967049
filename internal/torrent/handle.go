package torrent

import (
	"path/filepath"
	"time"

	"github.com/anacrolix/torrent"

	"github.com/fulgidus/seedstream/internal/stream"
)

// Handle is a torrent inside the session whose metadata has arrived. It
// implements stream.Pieces on top of the engine's piece priorities.
type Handle struct {
	infoHash string
	saveDir  string

	t *torrent.Torrent
}

// InfoHash returns the lowercase hex info hash.
func (h *Handle) InfoHash() string {
	return h.infoHash
}

// SaveDir returns the per-torrent directory under the cache dir.
func (h *Handle) SaveDir() string {
	return h.saveDir
}

// Name returns the torrent's display name.
func (h *Handle) Name() string {
	return h.t.Name()
}

// PieceLength returns the piece size in bytes.
func (h *Handle) PieceLength() int64 {
	if info := h.t.Info(); info != nil {
		return info.PieceLength
	}
	return 0
}

// NumPieces returns the number of pieces in the torrent.
func (h *Handle) NumPieces() int {
	if h.t.Info() == nil {
		return 0
	}
	return h.t.NumPieces()
}

// Files lists the torrent's files in metadata order.
func (h *Handle) Files() []FileInfo {
	files := h.t.Files()
	out := make([]FileInfo, len(files))
	for i, f := range files {
		out[i] = FileInfo{
			Index:  i,
			Path:   f.Path(),
			Offset: f.Offset(),
			Length: f.Length(),
		}
	}
	return out
}

// DiskPath returns where the engine stores a file of this torrent.
func (h *Handle) DiskPath(f FileInfo) string {
	return filepath.Join(h.saveDir, filepath.FromSlash(f.Path))
}

// SelectFile marks index as the only wanted file. Pieces shared with
// neighbouring files are still fetched through the selected file.
func (h *Handle) SelectFile(index int) {
	for i, f := range h.t.Files() {
		if i == index {
			f.SetPriority(torrent.PiecePriorityNormal)
		} else {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}
}

// Valid reports whether the torrent is still attached to the client.
func (h *Handle) Valid() bool {
	select {
	case <-h.t.Closed():
		return false
	default:
		return h.t.Info() != nil
	}
}

// PieceComplete reports whether a piece is verified. Engine panics while
// the torrent is being torn down are reported as incomplete.
func (h *Handle) PieceComplete(index int) (complete bool) {
	defer func() {
		if recover() != nil {
			complete = false
		}
	}()

	if !h.Valid() || index < 0 || index >= h.t.NumPieces() {
		return false
	}
	return h.t.PieceState(index).Complete
}

// Prioritize sets a piece to the engine priority of tier, lowering it when
// the piece held a higher one. The engine has no per-piece deadlines; the
// tier already orders pieces by distance, so deadline is not used.
func (h *Handle) Prioritize(index int, tier stream.Tier, _ time.Duration) {
	defer func() {
		_ = recover()
	}()

	if !h.Valid() || index < 0 || index >= h.t.NumPieces() {
		return
	}
	h.t.Piece(index).SetPriority(piecePriority(tier))
}

// piecePriority maps a tier onto the engine's priorities. TierBaseline
// matches the priority SelectFile gives the wanted file.
func piecePriority(tier stream.Tier) torrent.PiecePriority {
	switch tier {
	case stream.TierNear:
		return torrent.PiecePriorityNow
	case stream.TierMid:
		return torrent.PiecePriorityNext
	case stream.TierWanted:
		return torrent.PiecePriorityReadahead
	case stream.TierPrefetch:
		return torrent.PiecePriorityHigh
	default:
		return torrent.PiecePriorityNormal
	}
}
