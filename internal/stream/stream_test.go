package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type prioritizeCall struct {
	piece    int
	tier     Tier
	deadline time.Duration
}

// fakePieces is an in-memory Pieces implementation.
type fakePieces struct {
	mu       sync.Mutex
	complete map[int]bool
	calls    []prioritizeCall
	invalid  bool
}

func newFakePieces(complete ...int) *fakePieces {
	f := &fakePieces{complete: make(map[int]bool)}
	for _, p := range complete {
		f.complete[p] = true
	}
	return f
}

func (f *fakePieces) PieceComplete(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.complete[i]
}

func (f *fakePieces) Prioritize(i int, tier Tier, deadline time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prioritizeCall{piece: i, tier: tier, deadline: deadline})
}

func (f *fakePieces) Valid() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.invalid
}

func (f *fakePieces) setComplete(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete[i] = true
}

func (f *fakePieces) invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid = true
}

func (f *fakePieces) takeCalls() []prioritizeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.calls
	f.calls = nil
	return out
}

// tiers returns the last tier requested for each piece. Pieces never
// touched are at TierBaseline.
func (f *fakePieces) tiers(n int) []Tier {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Tier, n)
	for i := range out {
		out[i] = TierBaseline
	}
	for _, call := range f.calls {
		out[call.piece] = call.tier
	}
	return out
}

func testGeometry(t *testing.T, start, end int) Geometry {
	t.Helper()
	const pieceLen = 1024
	g, err := NewGeometry(int64(start)*pieceLen, int64(end-start+1)*pieceLen, pieceLen, end+1)
	require.NoError(t, err)
	require.Equal(t, start, g.StartPiece)
	require.Equal(t, end, g.EndPiece)
	return g
}

func fastOptions() Options {
	return Options{Hysteresis: 2, PiecePoll: 5 * time.Millisecond, PrefetchInterval: 5 * time.Millisecond}
}

// =============================================================================
// Network classification
// =============================================================================

func TestClassifyNetwork(t *testing.T) {
	tests := []struct {
		mbps float64
		want NetworkClass
	}{
		{mbps: 0.01, want: ClassVerySlow},
		{mbps: 1.0, want: ClassVerySlow},
		{mbps: 1.5, want: ClassVerySlow},
		{mbps: 1.6, want: ClassSlow},
		{mbps: 5.0, want: ClassSlow},
		{mbps: 20.0, want: ClassMedium},
		{mbps: 20.1, want: ClassFast},
		{mbps: 80, want: ClassFast},
		{mbps: 250, want: ClassVeryFast},
		{mbps: 1000, want: ClassUltra},
		{mbps: 0, want: ClassMedium},
		{mbps: -3, want: ClassMedium},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyNetwork(tt.mbps), "mbps=%v", tt.mbps)
		})
	}
}

func TestTuningProfilesScaleWithClass(t *testing.T) {
	order := []NetworkClass{ClassVerySlow, ClassSlow, ClassMedium, ClassFast, ClassVeryFast, ClassUltra}
	for i := 1; i < len(order); i++ {
		prev, cur := TuningFor(order[i-1]), TuningFor(order[i])
		assert.Greater(t, cur.StreamingWindowPieces, prev.StreamingWindowPieces, order[i])
		assert.Greater(t, cur.PrefetchWindowPieces, prev.PrefetchWindowPieces, order[i])
		assert.Less(t, cur.PieceDeadlineStep, prev.PieceDeadlineStep, order[i])
	}
	for _, c := range order {
		tu := TuningFor(c)
		assert.Greater(t, tu.PrefetchWindowPieces, tu.StreamingWindowPieces, c)
		assert.LessOrEqual(t, tu.BoostNearPieces+tu.BoostMidPieces, tu.StreamingWindowPieces, c)
	}
	assert.Equal(t, TuningFor(ClassMedium), TuningFor("bogus"))
}

// =============================================================================
// Geometry
// =============================================================================

func TestNewGeometry(t *testing.T) {
	tests := []struct {
		name              string
		offset, size, pl  int64
		total             int
		wantStart, wantEnd int
	}{
		{name: "single piece file", offset: 0, size: 10, pl: 100, total: 5, wantStart: 0, wantEnd: 0},
		{name: "aligned", offset: 200, size: 300, pl: 100, total: 10, wantStart: 2, wantEnd: 4},
		{name: "unaligned", offset: 250, size: 100, pl: 100, total: 10, wantStart: 2, wantEnd: 3},
		{name: "clamped to total", offset: 900, size: 500, pl: 100, total: 10, wantStart: 9, wantEnd: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGeometry(tt.offset, tt.size, tt.pl, tt.total)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, g.StartPiece)
			assert.Equal(t, tt.wantEnd, g.EndPiece)
			assert.LessOrEqual(t, g.StartPiece, g.EndPiece)
		})
	}
}

func TestNewGeometryInvalid(t *testing.T) {
	_, err := NewGeometry(0, 10, 0, 1)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = NewGeometry(0, 0, 16, 1)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = NewGeometry(0, 10, 16, 0)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestGeometryPieceMapping(t *testing.T) {
	g, err := NewGeometry(250, 1000, 100, 20)
	require.NoError(t, err)

	assert.Equal(t, 2, g.PieceAt(0))
	assert.Equal(t, 2, g.PieceAt(49))
	assert.Equal(t, 3, g.PieceAt(50))
	assert.Equal(t, g.EndPiece, g.PieceAt(999))

	assert.Equal(t, int64(50), g.PieceEnd(2))
	assert.Equal(t, int64(150), g.PieceEnd(3))
	assert.Equal(t, int64(1000), g.PieceEnd(g.EndPiece))
}

// =============================================================================
// Boosting
// =============================================================================

func TestPrimeBoostsFromStartPiece(t *testing.T) {
	p := newFakePieces()
	g := testGeometry(t, 3, 40)
	c := NewCoordinator(p, g, ClassMedium, fastOptions(), zap.NewNop())

	c.Prime()
	calls := p.takeCalls()
	tu := TuningFor(ClassMedium)
	require.Len(t, calls, tu.StreamingWindowPieces)
	assert.Equal(t, 3, calls[0].piece)
	assert.Equal(t, TierNear, calls[0].tier)
	assert.Zero(t, calls[0].deadline)
}

func TestBoostTiersAndDeadlines(t *testing.T) {
	p := newFakePieces()
	g := testGeometry(t, 0, 99)
	c := NewCoordinator(p, g, ClassMedium, fastOptions(), zap.NewNop())
	tu := TuningFor(ClassMedium)

	require.True(t, c.BoostPieceWindow(10, tu.StreamingWindowPieces))
	calls := p.takeCalls()
	require.Len(t, calls, tu.StreamingWindowPieces)

	for i, call := range calls {
		assert.Equal(t, 10+i, call.piece)
		assert.Equal(t, time.Duration(i)*tu.PieceDeadlineStep, call.deadline)
		switch {
		case i < tu.BoostNearPieces:
			assert.Equal(t, TierNear, call.tier, "piece %d", call.piece)
		case i < tu.BoostNearPieces+tu.BoostMidPieces:
			assert.Equal(t, TierMid, call.tier, "piece %d", call.piece)
		default:
			assert.Equal(t, TierWanted, call.tier, "piece %d", call.piece)
		}
		if i > 0 {
			assert.LessOrEqual(t, call.tier, calls[i-1].tier, "priority must not increase with distance")
		}
	}
}

func TestBoostWindowClampedToFile(t *testing.T) {
	p := newFakePieces()
	g := testGeometry(t, 0, 5)
	c := NewCoordinator(p, g, ClassUltra, fastOptions(), zap.NewNop())

	require.True(t, c.BoostPieceWindow(4, 32))
	calls := p.takeCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, 5, calls[1].piece)
}

func TestBoostHysteresis(t *testing.T) {
	p := newFakePieces()
	g := testGeometry(t, 0, 99)
	c := NewCoordinator(p, g, ClassMedium, fastOptions(), zap.NewNop())
	c.Prime()
	p.takeCalls()

	assert.False(t, c.BoostForRead(0), "same piece as primed")
	assert.False(t, c.BoostForRead(1), "below hysteresis step")
	assert.True(t, c.BoostForRead(2))
	assert.False(t, c.BoostForRead(3))
	assert.True(t, c.BoostForRead(10))
	assert.False(t, c.BoostForRead(4), "behind the last boost")

	_, last := c.Cursors()
	assert.Equal(t, 10, last)
}

func TestSeekDemotesLeftBehindPieces(t *testing.T) {
	p := newFakePieces()
	g := testGeometry(t, 0, 99)
	c := NewCoordinator(p, g, ClassMedium, fastOptions(), zap.NewNop())
	tu := TuningFor(ClassMedium)
	active := func() bool { return true }

	c.Prime()
	_, stop := c.prefetchStep(context.Background(), active)
	require.False(t, stop)
	require.True(t, c.BoostForRead(40))
	_, stop = c.prefetchStep(context.Background(), active)
	require.False(t, stop)

	tiers := p.tiers(100)
	for i := 0; i < 40; i++ {
		assert.Equal(t, TierBaseline, tiers[i], "piece %d behind the cursor", i)
	}
	assert.Equal(t, TierNear, tiers[40])
	assert.LessOrEqual(t, tiers[0], tiers[48])
	for i := 41; i < 100; i++ {
		assert.LessOrEqual(t, tiers[i], tiers[i-1], "priority must not increase with distance (piece %d)", i)
	}

	readEnd := 40 + tu.StreamingWindowPieces - 1
	for i := readEnd + 1; i <= readEnd+tu.PrefetchWindowPieces; i++ {
		assert.Equal(t, TierPrefetch, tiers[i], "piece %d", i)
	}
}

func TestPrefetchNeverOverridesStreamingWindow(t *testing.T) {
	p := newFakePieces()
	g := testGeometry(t, 0, 99)
	c := NewCoordinator(p, g, ClassMedium, fastOptions(), zap.NewNop())
	tu := TuningFor(ClassMedium)

	c.Prime()
	// a prefetch round starting inside the streaming window
	c.applyPrefetch(2, tu.PrefetchWindowPieces)

	tiers := p.tiers(100)
	for i := 0; i < tu.BoostNearPieces; i++ {
		assert.Equal(t, TierNear, tiers[i], "piece %d", i)
	}
	for i := tu.StreamingWindowPieces; i < 2+tu.PrefetchWindowPieces; i++ {
		assert.Equal(t, TierPrefetch, tiers[i], "piece %d", i)
	}
	assert.Less(t, TierPrefetch, TierWanted)
}

func TestBoostPullsPrefetchCursorPastWindow(t *testing.T) {
	c := NewCoordinator(newFakePieces(), testGeometry(t, 0, 99), ClassMedium, fastOptions(), zap.NewNop())
	tu := TuningFor(ClassMedium)

	c.Prime()
	next, _ := c.Cursors()
	assert.Equal(t, tu.StreamingWindowPieces, next)

	require.True(t, c.BoostForRead(60))
	next, _ = c.Cursors()
	assert.Equal(t, 60+tu.StreamingWindowPieces, next)

	// clamped to the last piece
	require.True(t, c.BoostPieceWindow(95, tu.StreamingWindowPieces))
	next, _ = c.Cursors()
	assert.Equal(t, 99, next)
}

// =============================================================================
// Waiting
// =============================================================================

func TestWaitForPieceAlreadyComplete(t *testing.T) {
	p := newFakePieces(7)
	c := NewCoordinator(p, testGeometry(t, 0, 9), ClassMedium, fastOptions(), zap.NewNop())

	assert.True(t, c.WaitForPiece(context.Background(), 7, time.Second))
	assert.Empty(t, p.takeCalls(), "no boost for a present piece")
}

func TestWaitForPieceArrives(t *testing.T) {
	p := newFakePieces()
	c := NewCoordinator(p, testGeometry(t, 0, 9), ClassMedium, fastOptions(), zap.NewNop())

	go func() {
		time.Sleep(30 * time.Millisecond)
		p.setComplete(4)
	}()

	assert.True(t, c.WaitForPiece(context.Background(), 4, 2*time.Second))
	calls := p.takeCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, 4, calls[0].piece, "waiting re-boosts at the awaited piece")
}

func TestWaitForPieceTimeout(t *testing.T) {
	p := newFakePieces()
	c := NewCoordinator(p, testGeometry(t, 0, 9), ClassMedium, fastOptions(), zap.NewNop())

	start := time.Now()
	assert.False(t, c.WaitForPiece(context.Background(), 4, 40*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWaitForPieceInvalidHandle(t *testing.T) {
	p := newFakePieces()
	c := NewCoordinator(p, testGeometry(t, 0, 9), ClassMedium, fastOptions(), zap.NewNop())

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.invalidate()
	}()

	start := time.Now()
	assert.False(t, c.WaitForPiece(context.Background(), 4, 5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitForPieceContextCancelled(t *testing.T) {
	p := newFakePieces()
	c := NewCoordinator(p, testGeometry(t, 0, 9), ClassMedium, fastOptions(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, c.WaitForPiece(ctx, 4, 5*time.Second))
}

// =============================================================================
// Missing piece scan and prefetch
// =============================================================================

func TestNextMissingPieceWraps(t *testing.T) {
	// every piece present except 2
	p := newFakePieces(0, 1, 3, 4, 5, 6, 7, 8, 9)
	c := NewCoordinator(p, testGeometry(t, 0, 9), ClassMedium, fastOptions(), zap.NewNop())

	got, ok := c.NextMissingPiece(8)
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestNextMissingPieceForwardFirst(t *testing.T) {
	p := newFakePieces(5)
	c := NewCoordinator(p, testGeometry(t, 0, 9), ClassMedium, fastOptions(), zap.NewNop())

	got, ok := c.NextMissingPiece(5)
	require.True(t, ok)
	assert.Equal(t, 6, got)
}

func TestNextMissingPieceNoneMissing(t *testing.T) {
	p := newFakePieces(0, 1, 2, 3)
	c := NewCoordinator(p, testGeometry(t, 0, 3), ClassMedium, fastOptions(), zap.NewNop())

	_, ok := c.NextMissingPiece(2)
	assert.False(t, ok)
}

func TestPrefetchAdvancesAndCompletes(t *testing.T) {
	p := newFakePieces()
	g := testGeometry(t, 0, 29)
	c := NewCoordinator(p, g, ClassVerySlow, fastOptions(), zap.NewNop())

	res, stop := c.prefetchStep(context.Background(), func() bool { return true })
	require.False(t, stop, res.String())

	next, _ := c.Cursors()
	assert.Equal(t, TuningFor(ClassVerySlow).PrefetchAdvanceStep, next)

	calls := p.takeCalls()
	require.Len(t, calls, TuningFor(ClassVerySlow).PrefetchWindowPieces)
	for _, call := range calls {
		assert.Equal(t, TierPrefetch, call.tier, "piece %d", call.piece)
	}

	// fill the file in the background; the loop must notice and stop
	go func() {
		for i := 0; i <= 29; i++ {
			p.setComplete(i)
		}
	}()
	done := make(chan PrefetchResult, 1)
	go func() { done <- c.RunPrefetch(context.Background(), func() bool { return true }) }()

	select {
	case res := <-done:
		assert.Equal(t, PrefetchComplete, res)
	case <-time.After(3 * time.Second):
		t.Fatal("prefetch loop did not finish")
	}
}

func TestPrefetchCursorNeverMovesBackward(t *testing.T) {
	// only piece 1 missing, cursor far ahead: the wrap finds 1 but the cursor stays
	p := newFakePieces()
	g := testGeometry(t, 0, 19)
	for i := 0; i <= 19; i++ {
		if i != 1 {
			p.setComplete(i)
		}
	}
	c := NewCoordinator(p, g, ClassMedium, fastOptions(), zap.NewNop())
	advance(&c.nextPrefetch, 15)

	_, stop := c.prefetchStep(context.Background(), func() bool { return true })
	require.False(t, stop)
	next, _ := c.Cursors()
	assert.Equal(t, 15, next)
}

func TestPrefetchStopsWhenInactive(t *testing.T) {
	p := newFakePieces()
	c := NewCoordinator(p, testGeometry(t, 0, 9), ClassMedium, fastOptions(), zap.NewNop())

	res := c.RunPrefetch(context.Background(), func() bool { return false })
	assert.Equal(t, PrefetchInactive, res)
}

func TestPrefetchStopsWhenHandleGone(t *testing.T) {
	p := newFakePieces()
	p.invalidate()
	c := NewCoordinator(p, testGeometry(t, 0, 9), ClassMedium, fastOptions(), zap.NewNop())

	res := c.RunPrefetch(context.Background(), func() bool { return true })
	assert.Equal(t, PrefetchHandleGone, res)
}

func TestPrefetchStopsOnCancel(t *testing.T) {
	p := newFakePieces()
	c := NewCoordinator(p, testGeometry(t, 0, 9), ClassMedium, fastOptions(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan PrefetchResult, 1)
	go func() { done <- c.RunPrefetch(ctx, func() bool { return true }) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, PrefetchCancelled, res)
	case <-time.After(2 * time.Second):
		t.Fatal("prefetch loop ignored cancellation")
	}
}

func TestCursorsConcurrentAdvance(t *testing.T) {
	c := NewCoordinator(newFakePieces(), testGeometry(t, 0, 999), ClassMedium, fastOptions(), zap.NewNop())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < 500; i += 8 {
				advance(&c.lastBoosted, int64(i))
			}
		}(w)
	}
	wg.Wait()

	_, last := c.Cursors()
	assert.Equal(t, 499, last)
}
