// Package stream schedules piece downloads for one playing file: a small
// reactive window driven by reads around the play cursor, and a larger
// proactive window advanced by a background prefetch loop.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fulgidus/seedstream/internal/logging"
)

// Tier is a scheduling urgency. Higher values are more urgent.
type Tier int

const (
	// TierBaseline is the priority of the selected file outside every window.
	TierBaseline Tier = iota + 1
	// TierPrefetch is the tier of the prefetch window. It sits below every
	// tier of the streaming window.
	TierPrefetch
	// TierWanted is the tail of the streaming window.
	TierWanted
	// TierMid is the second tier behind the nearest pieces.
	TierMid
	// TierNear is the top tier for pieces right at the cursor.
	TierNear
)

// String returns a string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierBaseline:
		return "baseline"
	case TierPrefetch:
		return "prefetch"
	case TierWanted:
		return "wanted"
	case TierMid:
		return "mid"
	case TierNear:
		return "near"
	default:
		return "unknown"
	}
}

// Pieces is the slice of an engine handle the coordinator drives.
type Pieces interface {
	// PieceComplete reports whether a piece is verified and stored. Engine
	// failures are reported as false.
	PieceComplete(index int) bool
	// Prioritize sets a piece to tier, lowering it if needed; deadline is the
	// urgency relative to now.
	Prioritize(index int, tier Tier, deadline time.Duration)
	// Valid reports whether the handle is still attached to the engine.
	Valid() bool
}

// Options holds the timing knobs shared by every stream.
type Options struct {
	// Hysteresis is how far the cursor must advance past the last boosted
	// piece before a read triggers another boost.
	Hysteresis       int
	PiecePoll        time.Duration
	PrefetchInterval time.Duration
}

// DefaultOptions returns the stock timing knobs.
func DefaultOptions() Options {
	return Options{
		Hysteresis:       2,
		PiecePoll:        100 * time.Millisecond,
		PrefetchInterval: 750 * time.Millisecond,
	}
}

// Coordinator owns the piece schedule of one stream. The geometry and
// tuning are fixed at creation; the two cursors only move forward.
type Coordinator struct {
	pieces Pieces
	geom   Geometry
	class  NetworkClass
	tuning Tuning
	opts   Options
	logger *zap.Logger

	// nextPrefetch is advanced by the prefetch loop and pulled past the
	// streaming window by read boosts.
	nextPrefetch atomic.Int64
	// lastBoosted is written by the read path only.
	lastBoosted atomic.Int64
	primed      atomic.Bool

	// mu serializes priority writes and guards the windows currently
	// holding raised priorities.
	mu       sync.Mutex
	readWin  span
	fetchWin span
}

// span is an inclusive piece range, empty when to < from.
type span struct {
	from, to int
}

var noSpan = span{from: 0, to: -1}

func (s span) contains(i int) bool {
	return i >= s.from && i <= s.to
}

// NewCoordinator creates a coordinator for a file span. Both cursors start
// at the file's first piece.
func NewCoordinator(p Pieces, g Geometry, class NetworkClass, opts Options, logger *zap.Logger) *Coordinator {
	if opts.Hysteresis < 1 {
		opts.Hysteresis = 1
	}
	if opts.PiecePoll <= 0 {
		opts.PiecePoll = DefaultOptions().PiecePoll
	}
	if opts.PrefetchInterval <= 0 {
		opts.PrefetchInterval = DefaultOptions().PrefetchInterval
	}

	c := &Coordinator{
		pieces:   p,
		geom:     g,
		class:    class,
		tuning:   TuningFor(class),
		opts:     opts,
		logger:   logging.Component(logger, "stream-coordinator"),
		readWin:  noSpan,
		fetchWin: noSpan,
	}
	c.nextPrefetch.Store(int64(g.StartPiece))
	c.lastBoosted.Store(int64(g.StartPiece))
	return c
}

// Geometry returns the file's piece layout.
func (c *Coordinator) Geometry() Geometry { return c.geom }

// Class returns the network class the tuning was chosen for.
func (c *Coordinator) Class() NetworkClass { return c.class }

// Tuning returns the active scheduling profile.
func (c *Coordinator) Tuning() Tuning { return c.tuning }

// Cursors returns the prefetch and boost cursors.
func (c *Coordinator) Cursors() (nextPrefetch, lastBoosted int) {
	return int(c.nextPrefetch.Load()), int(c.lastBoosted.Load())
}

// Prime boosts the streaming window at the file's first piece, bypassing
// hysteresis. It is called once before a stream is handed out.
func (c *Coordinator) Prime() {
	c.primed.Store(true)
	w := c.applyRead(c.geom.StartPiece, c.tuning.StreamingWindowPieces)
	c.pullPrefetch(w)
	c.logger.Debug("primed streaming window",
		zap.Int("from_piece", c.geom.StartPiece),
		zap.Int("window", c.tuning.StreamingWindowPieces),
		zap.String("network_class", string(c.class)),
	)
}

// BoostPieceWindow moves the streaming window to windowSize pieces starting
// at fromPiece. It is a no-op unless fromPiece is at least the hysteresis
// step past the last boosted piece. It reports whether a boost was issued.
// The prefetch cursor is pulled past the new window so background fetching
// stays ahead of playback after a seek.
func (c *Coordinator) BoostPieceWindow(fromPiece, windowSize int) bool {
	fromPiece = c.geom.Clamp(fromPiece)
	last := c.lastBoosted.Load()
	if c.primed.Load() && int64(fromPiece) < last+int64(c.opts.Hysteresis) {
		return false
	}

	c.primed.Store(true)
	w := c.applyRead(fromPiece, windowSize)
	advance(&c.lastBoosted, int64(fromPiece))
	c.pullPrefetch(w)
	return true
}

// BoostForRead boosts the streaming window at the piece a read landed on.
func (c *Coordinator) BoostForRead(piece int) bool {
	return c.BoostPieceWindow(piece, c.tuning.StreamingWindowPieces)
}

// window returns [fromPiece, fromPiece+size) clamped to the file.
func (c *Coordinator) window(fromPiece, size int) span {
	fromPiece = c.geom.Clamp(fromPiece)
	return span{from: fromPiece, to: min(fromPiece+max(size, 1)-1, c.geom.EndPiece)}
}

// applyRead moves the streaming window to [fromPiece, fromPiece+windowSize)
// clamped to the file. The first near pieces get TierNear, the next mid
// pieces TierMid, the rest TierWanted; the deadline grows with distance.
// Pieces of the previous window left behind drop to TierPrefetch when the
// prefetch window still covers them and to TierBaseline otherwise.
func (c *Coordinator) applyRead(fromPiece, windowSize int) span {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.window(fromPiece, windowSize)
	if !c.pieces.Valid() {
		return next
	}

	for i := c.readWin.from; i <= c.readWin.to; i++ {
		if next.contains(i) {
			continue
		}
		if c.fetchWin.contains(i) {
			c.pieces.Prioritize(i, TierPrefetch, c.deadline(i-c.fetchWin.from))
		} else {
			c.pieces.Prioritize(i, TierBaseline, 0)
		}
	}

	near, mid := c.tuning.BoostNearPieces, c.tuning.BoostMidPieces
	for i := next.from; i <= next.to; i++ {
		dist := i - next.from
		tier := TierWanted
		switch {
		case dist < near:
			tier = TierNear
		case dist < near+mid:
			tier = TierMid
		}
		c.pieces.Prioritize(i, tier, c.deadline(dist))
	}
	c.readWin = next
	return next
}

// applyPrefetch moves the prefetch window to [fromPiece, fromPiece+windowSize)
// clamped to the file. Its pieces get TierPrefetch except where the
// streaming window already holds them; pieces of the previous prefetch
// window left behind drop to TierBaseline.
func (c *Coordinator) applyPrefetch(fromPiece, windowSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pieces.Valid() {
		return
	}
	next := c.window(fromPiece, windowSize)

	for i := c.fetchWin.from; i <= c.fetchWin.to; i++ {
		if next.contains(i) || c.readWin.contains(i) {
			continue
		}
		c.pieces.Prioritize(i, TierBaseline, 0)
	}
	for i := next.from; i <= next.to; i++ {
		if c.readWin.contains(i) {
			continue
		}
		c.pieces.Prioritize(i, TierPrefetch, c.deadline(i-next.from))
	}
	c.fetchWin = next
}

func (c *Coordinator) deadline(dist int) time.Duration {
	return time.Duration(dist) * c.tuning.PieceDeadlineStep
}

// pullPrefetch moves the prefetch cursor to the piece after w.
func (c *Coordinator) pullPrefetch(w span) {
	advance(&c.nextPrefetch, int64(min(w.to+1, c.geom.EndPiece)))
}

// WaitForPiece blocks until piece is complete, timeout elapses, ctx is done
// or the handle goes away. Each poll re-issues the streaming boost at the
// piece since waiting means it was not prioritized enough. It returns the
// final availability rather than an error.
func (c *Coordinator) WaitForPiece(ctx context.Context, piece int, timeout time.Duration) bool {
	if !c.pieces.Valid() {
		return false
	}
	if c.pieces.PieceComplete(piece) {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.opts.PiecePoll)
	defer ticker.Stop()

	started := time.Now()
	for {
		c.applyRead(piece, c.tuning.StreamingWindowPieces)

		select {
		case <-ctx.Done():
			return c.pieces.PieceComplete(piece)
		case <-timer.C:
			ok := c.pieces.PieceComplete(piece)
			if !ok {
				c.logger.Warn("piece wait timed out",
					zap.Int("piece", piece),
					zap.Duration("timeout", timeout),
				)
			}
			return ok
		case <-ticker.C:
			if !c.pieces.Valid() {
				return false
			}
			if c.pieces.PieceComplete(piece) {
				c.logger.Debug("piece arrived",
					zap.Int("piece", piece),
					zap.Duration("waited", time.Since(started)),
				)
				return true
			}
		}
	}
}

// NextMissingPiece scans [cursor, EndPiece] then wraps to [StartPiece, cursor)
// so gaps left behind the play cursor are eventually filled.
func (c *Coordinator) NextMissingPiece(cursor int) (int, bool) {
	cursor = c.geom.Clamp(cursor)
	for i := cursor; i <= c.geom.EndPiece; i++ {
		if !c.pieces.PieceComplete(i) {
			return i, true
		}
	}
	for i := c.geom.StartPiece; i < cursor; i++ {
		if !c.pieces.PieceComplete(i) {
			return i, true
		}
	}
	return 0, false
}

// advance moves a cursor forward to v. It never moves backward.
func advance(cursor *atomic.Int64, v int64) {
	for {
		cur := cursor.Load()
		if v <= cur || cursor.CompareAndSwap(cur, v) {
			return
		}
	}
}
