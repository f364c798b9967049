package stream

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PrefetchResult says why a prefetch loop ended.
type PrefetchResult int

const (
	// PrefetchCancelled means ctx was cancelled.
	PrefetchCancelled PrefetchResult = iota
	// PrefetchInactive means the stream was deregistered.
	PrefetchInactive
	// PrefetchHandleGone means the engine handle became invalid.
	PrefetchHandleGone
	// PrefetchComplete means no piece of the file is missing.
	PrefetchComplete
)

// String returns a string representation of the result.
func (r PrefetchResult) String() string {
	switch r {
	case PrefetchCancelled:
		return "cancelled"
	case PrefetchInactive:
		return "inactive"
	case PrefetchHandleGone:
		return "handle-gone"
	case PrefetchComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// RunPrefetch is the background prefetch loop of one stream. Each round it
// finds the next missing piece from the prefetch cursor (wrapping around),
// requests the prefetch window there, advances the cursor by the tuning's
// step and sleeps for the prefetch interval. active is polled every round
// and must report false once the stream is deregistered.
func (c *Coordinator) RunPrefetch(ctx context.Context, active func() bool) PrefetchResult {
	ticker := time.NewTicker(c.opts.PrefetchInterval)
	defer ticker.Stop()

	for {
		if res, stop := c.prefetchStep(ctx, active); stop {
			c.logger.Debug("prefetch loop finished", zap.Stringer("reason", res))
			return res
		}

		select {
		case <-ctx.Done():
			return PrefetchCancelled
		case <-ticker.C:
		}
	}
}

// prefetchStep performs one prefetch round. It reports whether the loop
// must stop and why.
func (c *Coordinator) prefetchStep(ctx context.Context, active func() bool) (PrefetchResult, bool) {
	switch {
	case ctx.Err() != nil:
		return PrefetchCancelled, true
	case !active():
		return PrefetchInactive, true
	case !c.pieces.Valid():
		return PrefetchHandleGone, true
	}

	cursor := int(c.nextPrefetch.Load())
	missing, ok := c.NextMissingPiece(cursor)
	if !ok {
		return PrefetchComplete, true
	}

	c.applyPrefetch(missing, c.tuning.PrefetchWindowPieces)
	next := min(missing+c.tuning.PrefetchAdvanceStep, c.geom.EndPiece)
	advance(&c.nextPrefetch, int64(next))
	return 0, false
}
