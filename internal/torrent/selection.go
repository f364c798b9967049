package torrent

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrNoPlayableFile is returned when a torrent has no file to stream.
var ErrNoPlayableFile = errors.New("no playable file in torrent")

// FileInfo describes one file of a torrent.
type FileInfo struct {
	Index int
	// Path is the torrent-relative path with '/' separators, including the
	// torrent name for multi-file torrents.
	Path   string
	Offset int64
	Length int64
}

var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
	".3gp":  "video/3gpp",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".ogv":  "video/ogg",
}

// Path fragments that mark bundled extras rather than the main feature.
var extraMarkers = []string{"sample", "trailer", "extras", "featurette"}

// extraPenalty is subtracted from a file's score per matching marker.
// Larger than any realistic file so a marked file only wins when every
// candidate is marked.
const extraPenalty = int64(1) << 50

// IsVideoFile reports whether the path has a video extension.
func IsVideoFile(path string) bool {
	_, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// MimeType returns the content type for a file name.
func MimeType(path string) string {
	if t, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return "application/octet-stream"
}

// SelectFile picks the file to stream. A preferred index is honoured when
// it is in range and video-like. Otherwise video-like files are scored by
// size minus a penalty for sample/trailer/extras/featurette paths and the
// best wins. Without any video-like file the largest file is used.
func SelectFile(files []FileInfo, preferred *int) (FileInfo, error) {
	if len(files) == 0 {
		return FileInfo{}, ErrNoPlayableFile
	}

	if preferred != nil {
		if i := *preferred; i >= 0 && i < len(files) && IsVideoFile(files[i].Path) {
			return files[i], nil
		}
	}

	best, found := -1, false
	var bestScore int64
	for i, f := range files {
		if !IsVideoFile(f.Path) {
			continue
		}
		score := scoreFile(f)
		if !found || score > bestScore {
			best, bestScore, found = i, score, true
		}
	}
	if found {
		return files[best], nil
	}

	largest := 0
	for i, f := range files {
		if f.Length > files[largest].Length {
			largest = i
		}
	}
	if files[largest].Length <= 0 {
		return FileInfo{}, ErrNoPlayableFile
	}
	return files[largest], nil
}

func scoreFile(f FileInfo) int64 {
	score := f.Length
	lower := strings.ToLower(f.Path)
	for _, m := range extraMarkers {
		if strings.Contains(lower, m) {
			score -= extraPenalty
		}
	}
	return score
}
