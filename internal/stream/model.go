package stream

import "time"

// Request describes a prepareStream call.
type Request struct {
	MagnetURI string `json:"magnet_uri"`
	Title     string `json:"title,omitempty"`
	// FileIndex is the caller's preferred file; nil lets the selector choose.
	FileIndex *int     `json:"file_index,omitempty"`
	Trackers  []string `json:"trackers,omitempty"`
	// NetworkMbps is the current throughput estimate; 0 means unknown.
	NetworkMbps float64 `json:"network_mbps,omitempty"`
}

// Info is the result of a successful prepareStream call.
type Info struct {
	StreamID    string `json:"stream_id"`
	PlaybackURL string `json:"playback_url"`
	InfoHash    string `json:"info_hash"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	MimeType    string `json:"mime_type"`
}

// Snapshot is a read-only view of a registered stream.
type Snapshot struct {
	Info
	Title             string       `json:"title,omitempty"`
	FileIndex         int          `json:"file_index"`
	SaveDir           string       `json:"save_dir"`
	NetworkClass      NetworkClass `json:"network_class"`
	StartPiece        int          `json:"start_piece"`
	EndPiece          int          `json:"end_piece"`
	NextPrefetchPiece int          `json:"next_prefetch_piece"`
	LastBoostedPiece  int          `json:"last_boosted_piece"`
	StartedAt         time.Time    `json:"started_at"`
}
