package torrent

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// ErrInvalidMagnetLink is returned for a missing or malformed magnet URI.
var ErrInvalidMagnetLink = errors.New("invalid magnet link")

// MergeTrackers parses a magnet URI and appends every tracker from extra
// that the URI does not already carry. It returns the rewritten URI and the
// lowercase hex info hash.
func MergeTrackers(magnetURI string, extra []string) (string, string, error) {
	magnetURI = strings.TrimSpace(magnetURI)
	if magnetURI == "" {
		return "", "", fmt.Errorf("%w: empty uri", ErrInvalidMagnetLink)
	}

	m, err := metainfo.ParseMagnetUri(magnetURI)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidMagnetLink, err)
	}

	added := 0
	for _, tr := range extra {
		tr = strings.TrimSpace(tr)
		if tr == "" || slices.Contains(m.Trackers, tr) {
			continue
		}
		m.Trackers = append(m.Trackers, tr)
		added++
	}

	ih := m.InfoHash.HexString()
	if added == 0 {
		return magnetURI, ih, nil
	}
	return m.String(), ih, nil
}
