package stream

import (
	"math"
	"time"
)

// NetworkClass is a discretized throughput bucket selecting a Tuning profile.
type NetworkClass string

const (
	ClassVerySlow NetworkClass = "very-slow"
	ClassSlow     NetworkClass = "slow"
	ClassMedium   NetworkClass = "medium"
	ClassFast     NetworkClass = "fast"
	ClassVeryFast NetworkClass = "very-fast"
	ClassUltra    NetworkClass = "ultra"
)

const (
	// DefaultNetworkMbps is assumed when no estimate is supplied.
	DefaultNetworkMbps = 20.0
	// MinNetworkMbps is the floor applied to positive estimates.
	MinNetworkMbps = 0.1
)

// Tuning is the fixed scheduling profile of one NetworkClass.
type Tuning struct {
	StreamingWindowPieces int
	PrefetchWindowPieces  int
	PrefetchAdvanceStep   int
	PieceDeadlineStep     time.Duration
	BoostNearPieces       int
	BoostMidPieces        int
}

var classBands = []struct {
	maxMbps float64
	class   NetworkClass
}{
	{1.5, ClassVerySlow},
	{5, ClassSlow},
	{20, ClassMedium},
	{80, ClassFast},
	{250, ClassVeryFast},
}

// Slow links get small windows and wide deadline spacing so the engine does
// not over-request; fast links get wide windows with tight deadlines.
var profiles = map[NetworkClass]Tuning{
	ClassVerySlow: {
		StreamingWindowPieces: 4,
		PrefetchWindowPieces:  8,
		PrefetchAdvanceStep:   2,
		PieceDeadlineStep:     1500 * time.Millisecond,
		BoostNearPieces:       1,
		BoostMidPieces:        2,
	},
	ClassSlow: {
		StreamingWindowPieces: 6,
		PrefetchWindowPieces:  16,
		PrefetchAdvanceStep:   3,
		PieceDeadlineStep:     1000 * time.Millisecond,
		BoostNearPieces:       2,
		BoostMidPieces:        3,
	},
	ClassMedium: {
		StreamingWindowPieces: 10,
		PrefetchWindowPieces:  32,
		PrefetchAdvanceStep:   4,
		PieceDeadlineStep:     600 * time.Millisecond,
		BoostNearPieces:       3,
		BoostMidPieces:        4,
	},
	ClassFast: {
		StreamingWindowPieces: 16,
		PrefetchWindowPieces:  64,
		PrefetchAdvanceStep:   6,
		PieceDeadlineStep:     350 * time.Millisecond,
		BoostNearPieces:       4,
		BoostMidPieces:        6,
	},
	ClassVeryFast: {
		StreamingWindowPieces: 24,
		PrefetchWindowPieces:  96,
		PrefetchAdvanceStep:   8,
		PieceDeadlineStep:     200 * time.Millisecond,
		BoostNearPieces:       6,
		BoostMidPieces:        8,
	},
	ClassUltra: {
		StreamingWindowPieces: 32,
		PrefetchWindowPieces:  128,
		PrefetchAdvanceStep:   12,
		PieceDeadlineStep:     120 * time.Millisecond,
		BoostNearPieces:       8,
		BoostMidPieces:        12,
	},
}

// ClassifyNetwork maps a throughput estimate in Mbps to a NetworkClass.
// Unknown estimates (zero, negative, NaN) use DefaultNetworkMbps; positive
// estimates below MinNetworkMbps are clamped first.
func ClassifyNetwork(mbps float64) NetworkClass {
	if math.IsNaN(mbps) || mbps <= 0 {
		mbps = DefaultNetworkMbps
	}
	mbps = math.Max(mbps, MinNetworkMbps)

	for _, b := range classBands {
		if mbps <= b.maxMbps {
			return b.class
		}
	}
	return ClassUltra
}

// TuningFor returns the profile of a class. Unknown classes get the medium profile.
func TuningFor(class NetworkClass) Tuning {
	if t, ok := profiles[class]; ok {
		return t
	}
	return profiles[ClassMedium]
}
