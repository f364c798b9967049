package playback

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// errRangeUnsatisfiable covers malformed, inverted and out-of-bounds ranges.
	errRangeUnsatisfiable = errors.New("range not satisfiable")
	// errRangeUnit is returned for a unit other than bytes; the header is ignored.
	errRangeUnit = errors.New("unsupported range unit")
)

// ByteRange is an inclusive byte span of a file.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in the range.
func (br ByteRange) Length() int64 {
	return br.End - br.Start + 1
}

// ParseRange parses a single-range Range header against a file of size
// bytes. Accepted forms are "start-end", "start-" and "-N". An end past the
// last byte is clamped; a suffix longer than the file selects all of it.
func ParseRange(header string, size int64) (ByteRange, error) {
	unit, spec, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok {
		return ByteRange{}, errRangeUnsatisfiable
	}
	if !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return ByteRange{}, errRangeUnit
	}

	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, ",") || size <= 0 {
		return ByteRange{}, errRangeUnsatisfiable
	}

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return ByteRange{}, errRangeUnsatisfiable
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	// -N: last N bytes
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, errRangeUnsatisfiable
		}
		return ByteRange{Start: max(size-n, 0), End: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return ByteRange{}, errRangeUnsatisfiable
	}

	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return ByteRange{}, errRangeUnsatisfiable
		}
		end = min(end, size-1)
	}

	return ByteRange{Start: start, End: end}, nil
}
