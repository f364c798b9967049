package registry

import (
	"context"

	"github.com/fulgidus/seedstream/internal/stream"
	"github.com/fulgidus/seedstream/internal/torrent"
)

// Torrent is an opened torrent with metadata.
type Torrent interface {
	stream.Pieces

	InfoHash() string
	SaveDir() string
	Name() string
	Files() []torrent.FileInfo
	SelectFile(index int)
	PieceLength() int64
	NumPieces() int
	DiskPath(f torrent.FileInfo) string
}

// Session is the engine session the registry drives.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Open(ctx context.Context, magnetURI string, trackers []string) (Torrent, error)
	Remove(infoHash string) error
	Status() torrent.SessionStatus
}

type engineSession struct {
	*torrent.Session
}

// EngineSession adapts a torrent session to the registry.
func EngineSession(s *torrent.Session) Session {
	return engineSession{Session: s}
}

func (e engineSession) Open(ctx context.Context, magnetURI string, trackers []string) (Torrent, error) {
	h, err := e.Session.Open(ctx, magnetURI, trackers)
	if err != nil {
		return nil, err
	}
	return h, nil
}
