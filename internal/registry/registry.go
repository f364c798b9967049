// Package registry owns the active stream. It prepares streams on the
// torrent session, hands them to the playback server and tears them down
// again, allowing at most one stream at a time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fulgidus/seedstream/internal/config"
	"github.com/fulgidus/seedstream/internal/logging"
	"github.com/fulgidus/seedstream/internal/playback"
	"github.com/fulgidus/seedstream/internal/storage"
	"github.com/fulgidus/seedstream/internal/stream"
	"github.com/fulgidus/seedstream/internal/torrent"
)

// ErrClosed is returned by PrepareStream after Close.
var ErrClosed = errors.New("registry closed")

// prefetchGrace bounds how long a stop waits for a prefetch loop to exit.
const prefetchGrace = 2 * time.Second

// activeStream is one registered stream.
type activeStream struct {
	info      stream.Info
	title     string
	fileIndex int
	filePath  string
	saveDir   string
	startedAt time.Time

	coord *stream.Coordinator

	active atomic.Bool
	cancel context.CancelFunc
	// done is closed when the prefetch loop exits; nil until it starts.
	done chan struct{}
}

func (a *activeStream) snapshot() stream.Snapshot {
	g := a.coord.Geometry()
	next, last := a.coord.Cursors()
	return stream.Snapshot{
		Info:              a.info,
		Title:             a.title,
		FileIndex:         a.fileIndex,
		SaveDir:           a.saveDir,
		NetworkClass:      a.coord.Class(),
		StartPiece:        g.StartPiece,
		EndPiece:          g.EndPiece,
		NextPrefetchPiece: next,
		LastBoostedPiece:  last,
		StartedAt:         a.startedAt,
	}
}

// Registry is the single source of truth for registered streams.
type Registry struct {
	cfg     *config.Config
	session Session
	server  *playback.Server
	logger  *zap.Logger

	// lifecycle serializes prepare, stop and close.
	lifecycle sync.Mutex
	closed    bool

	// mu guards streams; the playback path only takes the read side.
	mu      sync.RWMutex
	streams map[string]*activeStream
}

// New creates a registry. The playback server is started on the first
// prepare and stopped by Close.
func New(cfg *config.Config, session Session, server *playback.Server, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		session: session,
		server:  server,
		logger:  logging.Component(logger, "registry"),
		streams: make(map[string]*activeStream),
	}
}

// PrepareStream stops any active stream, opens the magnet, selects the
// playable file, primes the streaming window at its first piece and waits
// for that piece before returning the playback URL.
func (r *Registry) PrepareStream(ctx context.Context, req stream.Request) (*stream.Info, error) {
	start := time.Now()
	info, err := r.prepare(ctx, req)
	r.server.Metrics().ObservePrepare(time.Since(start), err)
	return info, err
}

func (r *Registry) prepare(ctx context.Context, req stream.Request) (*stream.Info, error) {
	if _, _, err := torrent.MergeTrackers(req.MagnetURI, req.Trackers); err != nil {
		return nil, fmt.Errorf("%w: %w", stream.ErrInvalidInput, err)
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: %w", stream.ErrPrepareFailure, ErrClosed)
	}

	r.stopAllLocked(ctx)

	if !r.server.Running() {
		if err := r.server.Start(r); err != nil {
			return nil, fmt.Errorf("%w: %w", stream.ErrPrepareFailure, err)
		}
	}
	if err := r.session.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", stream.ErrPrepareFailure, err)
	}

	h, err := r.session.Open(ctx, strings.TrimSpace(req.MagnetURI), req.Trackers)
	if err != nil {
		if errors.Is(err, torrent.ErrInvalidMagnetLink) {
			return nil, fmt.Errorf("%w: %w", stream.ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("%w: %w", stream.ErrPrepareFailure, err)
	}

	as, err := r.newStream(h, req)
	if err != nil {
		r.release(ctx, h.InfoHash())
		return nil, fmt.Errorf("%w: %w", stream.ErrPrepareFailure, err)
	}

	r.mu.Lock()
	r.streams[as.info.StreamID] = as
	n := len(r.streams)
	r.mu.Unlock()
	r.server.Metrics().SetActiveStreams(n)

	logger := r.logger.With(
		zap.String("stream_id", as.info.StreamID),
		zap.String("info_hash", as.info.InfoHash),
	)

	as.coord.Prime()
	if !as.coord.WaitForPiece(ctx, as.coord.Geometry().StartPiece, r.cfg.Stream.InitialPieceWait) {
		if err := ctx.Err(); err != nil {
			r.stopLocked(context.Background(), as.info.StreamID)
			return nil, fmt.Errorf("%w: %w", stream.ErrPrepareFailure, err)
		}
		logger.Warn("first piece not ready, playback will buffer",
			zap.Int("piece", as.coord.Geometry().StartPiece),
			zap.Duration("waited", r.cfg.Stream.InitialPieceWait),
		)
	}

	r.startPrefetch(as, logger)

	logger.Info("stream prepared",
		zap.String("file", as.info.FileName),
		zap.Int("file_index", as.fileIndex),
		logging.Bytes("file_size", as.info.FileSize),
		zap.String("network_class", string(as.coord.Class())),
		zap.String("url", as.info.PlaybackURL),
	)

	info := as.info
	return &info, nil
}

// newStream selects the file and builds the coordinator for an opened torrent.
func (r *Registry) newStream(h Torrent, req stream.Request) (*activeStream, error) {
	f, err := torrent.SelectFile(h.Files(), req.FileIndex)
	if err != nil {
		return nil, err
	}
	h.SelectFile(f.Index)

	geom, err := stream.NewGeometry(f.Offset, f.Length, h.PieceLength(), h.NumPieces())
	if err != nil {
		return nil, err
	}

	mbps := req.NetworkMbps
	if mbps <= 0 {
		mbps = r.cfg.Stream.DefaultNetworkMbps
	}
	class := stream.ClassifyNetwork(mbps)

	coord := stream.NewCoordinator(h, geom, class, stream.Options{
		Hysteresis:       r.cfg.Stream.BoostHysteresis,
		PiecePoll:        r.cfg.Stream.PiecePoll,
		PrefetchInterval: r.cfg.Stream.PrefetchInterval,
	}, r.logger)

	id := uuid.NewString()
	info := stream.Info{
		StreamID:    id,
		PlaybackURL: r.server.URL(id),
		InfoHash:    h.InfoHash(),
		FileName:    path.Base(f.Path),
		FileSize:    f.Length,
		MimeType:    torrent.MimeType(f.Path),
	}

	title := req.Title
	if title == "" {
		title = h.Name()
	}

	as := &activeStream{
		info:      info,
		title:     title,
		fileIndex: f.Index,
		filePath:  h.DiskPath(f),
		saveDir:   h.SaveDir(),
		startedAt: time.Now(),
		coord:     coord,
		cancel:    func() {},
	}
	as.active.Store(true)
	return as, nil
}

// startPrefetch runs the background prefetch loop of as until the stream
// is deregistered, its handle goes away or the file is complete.
func (r *Registry) startPrefetch(as *activeStream, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	as.cancel = cancel
	as.done = make(chan struct{})

	go func() {
		defer close(as.done)
		res := as.coord.RunPrefetch(ctx, as.active.Load)
		logger.Debug("prefetch loop exited", zap.Stringer("reason", res))
	}()
}

// StopStream deregisters a stream, releases its torrent and deletes its
// files unless keep_files is set. It reports whether the stream existed.
func (r *Registry) StopStream(ctx context.Context, streamID string) bool {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.stopLocked(ctx, streamID)
}

// StopAllStreams stops every registered stream. It reports false when
// some save directory could not be deleted.
func (r *Registry) StopAllStreams(ctx context.Context) bool {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.stopAllLocked(ctx) == nil
}

func (r *Registry) stopLocked(ctx context.Context, streamID string) bool {
	r.mu.Lock()
	as, ok := r.streams[streamID]
	delete(r.streams, streamID)
	n := len(r.streams)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.server.Metrics().SetActiveStreams(n)

	if err := r.teardown(ctx, []*activeStream{as}); err != nil {
		r.logger.Warn("stream cleanup incomplete", zap.String("stream_id", streamID), zap.Error(err))
	}
	return true
}

func (r *Registry) stopAllLocked(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*activeStream, 0, len(r.streams))
	for id, as := range r.streams {
		all = append(all, as)
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if len(all) == 0 {
		return nil
	}
	r.server.Metrics().SetActiveStreams(0)

	err := r.teardown(ctx, all)
	if err != nil {
		r.logger.Warn("stream cleanup incomplete", zap.Int("streams", len(all)), zap.Error(err))
	}
	return err
}

// teardown stops already deregistered streams: prefetch loops first, then
// engine handles, then files on disk.
func (r *Registry) teardown(ctx context.Context, streams []*activeStream) error {
	for _, as := range streams {
		as.active.Store(false)
		as.cancel()
	}

	waitCtx, cancel := context.WithTimeout(ctx, prefetchGrace)
	defer cancel()
	for _, as := range streams {
		if as.done == nil {
			continue
		}
		select {
		case <-as.done:
		case <-waitCtx.Done():
			r.logger.Warn("prefetch loop did not exit in time", zap.String("stream_id", as.info.StreamID))
		}
	}

	hashes := make([]string, 0, len(streams))
	for _, as := range streams {
		if err := r.session.Remove(as.info.InfoHash); err != nil {
			// Non-fatal: the stream is deregistered regardless.
			r.logger.Warn("failed to remove torrent",
				zap.String("stream_id", as.info.StreamID),
				zap.Error(fmt.Errorf("%w: %w", stream.ErrStopFailure, err)),
			)
		}
		if !slices.Contains(hashes, as.info.InfoHash) {
			hashes = append(hashes, as.info.InfoHash)
		}
		r.logger.Info("stream stopped", zap.String("stream_id", as.info.StreamID))
	}

	if r.cfg.Storage.KeepFiles {
		return nil
	}
	return storage.RemoveSaveDirs(context.WithoutCancel(ctx), r.cfg.Storage.CacheDir, hashes)
}

// release drops a torrent that never became a stream.
func (r *Registry) release(ctx context.Context, infoHash string) {
	if err := r.session.Remove(infoHash); err != nil {
		r.logger.Debug("failed to release torrent", zap.String("info_hash", infoHash), zap.Error(err))
	}
	if !r.cfg.Storage.KeepFiles {
		if err := storage.RemoveSaveDir(r.cfg.Storage.CacheDir, infoHash); err != nil {
			r.logger.Debug("failed to delete save dir", zap.String("info_hash", infoHash), zap.Error(err))
		}
	}
}

// Close stops every stream, then the playback server, then the engine.
// Later prepares fail with ErrClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.stopAllLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.session.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	r.logger.Info("registry closed")
	return errors.Join(errs...)
}

// Resolve returns the servable file of a registered stream.
func (r *Registry) Resolve(streamID string) (playback.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	as, ok := r.streams[streamID]
	if !ok {
		return playback.Source{}, false
	}
	return playback.Source{
		StreamID: streamID,
		Path:     as.filePath,
		Size:     as.info.FileSize,
		MimeType: as.info.MimeType,
		Gate:     as.coord,
	}, true
}

// Snapshots returns a view of every registered stream, oldest first.
func (r *Registry) Snapshots() []stream.Snapshot {
	r.mu.RLock()
	snaps := make([]stream.Snapshot, 0, len(r.streams))
	for _, as := range r.streams {
		snaps = append(snaps, as.snapshot())
	}
	r.mu.RUnlock()

	slices.SortFunc(snaps, func(a, b stream.Snapshot) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return snaps
}

// Status reports the engine state and the number of registered streams.
func (r *Registry) Status() playback.Status {
	st := r.session.Status()

	r.mu.RLock()
	n := len(r.streams)
	r.mu.RUnlock()

	return playback.Status{
		EngineState:   st.State,
		EngineStarted: st.StartedAt,
		DHTNodes:      st.DHTNodes,
		Torrents:      st.Torrents,
		ActiveStreams: n,
	}
}
