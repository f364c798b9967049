// Package torrent owns the BitTorrent engine for streaming. It wraps the
// anacrolix/torrent client, resolves magnet links into handles with
// metadata, and picks the playable file of a torrent.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	alog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	tstorage "github.com/anacrolix/torrent/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fulgidus/seedstream/internal/config"
	"github.com/fulgidus/seedstream/internal/logging"
	"github.com/fulgidus/seedstream/internal/storage"
)

// Common errors returned by the Session.
var (
	ErrEngineNotStarted   = errors.New("engine not started")
	ErrTorrentNotFound    = errors.New("torrent not found")
	ErrHandleTimeout      = errors.New("timed out waiting for torrent handle")
	ErrMetadataTimeout    = errors.New("timed out waiting for torrent metadata")
	ErrMaxTorrentsReached = errors.New("maximum active torrents reached")
)

// SessionState represents the current state of the engine session.
type SessionState int

const (
	// SessionStateStopped indicates the engine is not running.
	SessionStateStopped SessionState = iota
	// SessionStateStarting indicates the engine is starting up.
	SessionStateStarting
	// SessionStateRunning indicates the engine is running and ready.
	SessionStateRunning
	// SessionStateStopping indicates the engine is shutting down.
	SessionStateStopping
)

// String returns a string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case SessionStateStopped:
		return "stopped"
	case SessionStateStarting:
		return "starting"
	case SessionStateRunning:
		return "running"
	case SessionStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SessionStatus is a point-in-time view of the session.
type SessionStatus struct {
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Torrents  int       `json:"torrents"`
	DHTNodes  int       `json:"dht_nodes"`
}

// Session is the engine session shared by every stream.
type Session struct {
	// config holds the full configuration; the session reads engine,
	// storage and stream timeouts from it.
	config *config.Config
	logger *zap.Logger
	client *torrent.Client
	state  SessionState

	// storage is the piece store handed to the client; Stop closes it.
	storage tstorage.ClientImplCloser

	startedAt time.Time
	// torrents maps lowercase info hash to handle.
	torrents map[string]*Handle
	mu       sync.RWMutex
}

// NewSession creates a stopped session. Nothing touches the network until Start.
func NewSession(cfg *config.Config, logger *zap.Logger) *Session {
	return &Session{
		config:   cfg,
		logger:   logging.Component(logger, "torrent-session"),
		state:    SessionStateStopped,
		torrents: make(map[string]*Handle),
	}
}

// Start creates the engine client. Starting a running session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionStateRunning {
		return nil
	}
	if s.state != SessionStateStopped {
		return fmt.Errorf("cannot start session in state %s", s.state)
	}

	s.state = SessionStateStarting
	s.logger.Info("starting torrent session")

	cacheDir := s.config.Storage.CacheDir
	if err := storage.EnsureDir(cacheDir, 0755); err != nil {
		s.state = SessionStateStopped
		return err
	}

	if !s.config.Storage.KeepFiles && s.config.Storage.PurgeOnStart {
		n, err := storage.PurgeStale(ctx, cacheDir)
		if err != nil {
			s.logger.Warn("failed to purge stale cache", zap.String("cache_dir", cacheDir), zap.Error(err))
		} else if n > 0 {
			s.logger.Info("purged stale cache entries", zap.Int("count", n))
		}
	}

	clientCfg := s.buildClientConfig()
	client, err := torrent.NewClient(clientCfg)
	if err != nil {
		s.closeStorage()
		s.state = SessionStateStopped
		return fmt.Errorf("failed to create torrent client: %w", err)
	}

	s.client = client
	s.state = SessionStateRunning
	s.startedAt = time.Now()

	s.logger.Info("torrent session started",
		zap.String("bind_address", s.config.Engine.BindAddress),
		zap.Int("port", s.config.Engine.Port),
		zap.Bool("dht_enabled", s.config.Engine.EnableDHT),
		zap.String("cache_dir", cacheDir),
	)

	return nil
}

// buildClientConfig creates the anacrolix/torrent ClientConfig from our config.
func (s *Session) buildClientConfig() *torrent.ClientConfig {
	engine := s.config.Engine
	cfg := torrent.NewDefaultClientConfig()

	cfg.ListenHost = func(string) string { return engine.BindAddress }
	cfg.ListenPort = engine.Port
	cfg.DisableIPv6 = !engine.EnableIPv6

	cfg.NoDHT = !engine.EnableDHT
	if engine.EnableDHT && len(engine.BootstrapNodes) > 0 {
		nodes := engine.BootstrapNodes
		cfg.DhtStartingNodes = func(network string) dht.StartingNodesGetter {
			return bootstrapNodes(network, nodes, s.logger)
		}
	}

	// <cache_dir>/<infohash>/<torrent name>/...
	s.storage = tstorage.NewFileByInfoHash(s.config.Storage.CacheDir)
	cfg.DefaultStorage = s.storage
	cfg.DataDir = s.config.Storage.CacheDir

	cfg.UploadRateLimiter = rate.NewLimiter(rate.Inf, 0)
	cfg.DownloadRateLimiter = rate.NewLimiter(rate.Inf, 0)

	if engine.MaxConnections > 0 {
		cfg.EstablishedConnsPerTorrent = engine.MaxConnections
		cfg.HalfOpenConnsPerTorrent = max(engine.MaxConnections/2, 1)
		cfg.TotalHalfOpenConns = engine.MaxConnections
	}

	// Leeching only; data is discarded after playback.
	cfg.Seed = false

	cfg.Debug = engine.Debug
	if !engine.Debug {
		cfg.Logger = alog.Default.WithFilterLevel(alog.Disabled)
	}

	return cfg
}

// Stop drops every torrent and closes the client. Stopping a stopped
// session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionStateStopped {
		return nil
	}
	if s.state != SessionStateRunning {
		return fmt.Errorf("cannot stop session in state %s", s.state)
	}

	s.state = SessionStateStopping
	s.logger.Info("stopping torrent session")

	for _, h := range s.torrents {
		h.t.Drop()
	}
	s.torrents = make(map[string]*Handle)

	if s.client != nil {
		if errs := s.client.Close(); len(errs) > 0 {
			s.logger.Warn("errors while closing torrent client", zap.Int("error_count", len(errs)))
		}
		s.client = nil
	}
	s.closeStorage()

	s.state = SessionStateStopped
	s.logger.Info("torrent session stopped")
	return nil
}

// closeStorage releases the piece store, including its completion database.
func (s *Session) closeStorage() {
	if s.storage == nil {
		return
	}
	if err := s.storage.Close(); err != nil {
		s.logger.Warn("failed to close piece storage", zap.Error(err))
	}
	s.storage = nil
}

// State returns the current state of the session.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Open adds a magnet link, merged with extra trackers, and blocks until the
// torrent's handle and metadata are available. On a timeout the torrent is
// dropped again. Opening a torrent that is already open returns its handle.
func (s *Session) Open(ctx context.Context, magnetURI string, trackers []string) (*Handle, error) {
	merged, infoHash, err := MergeTrackers(magnetURI, trackers)
	if err != nil {
		return nil, err
	}

	spec, err := torrent.TorrentSpecFromMagnetUri(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMagnetLink, err)
	}

	s.mu.Lock()
	if s.state != SessionStateRunning {
		s.mu.Unlock()
		return nil, ErrEngineNotStarted
	}
	if h, ok := s.torrents[infoHash]; ok {
		s.mu.Unlock()
		return h, nil
	}
	if limit := s.config.Engine.MaxActiveTorrents; limit > 0 && len(s.torrents) >= limit {
		s.mu.Unlock()
		return nil, ErrMaxTorrentsReached
	}
	client := s.client
	if _, _, err := client.AddTorrentSpec(spec); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to add torrent: %w", err)
	}
	s.mu.Unlock()

	s.logger.Info("added torrent from magnet",
		zap.String("info_hash", infoHash),
		zap.Int("trackers", len(spec.Trackers)),
	)

	t, err := s.waitForTorrent(ctx, client, spec.InfoHash)
	if err != nil {
		s.dropByHash(client, spec.InfoHash)
		return nil, err
	}

	if err := s.waitForMetadata(ctx, t); err != nil {
		t.Drop()
		return nil, err
	}

	h := &Handle{
		infoHash: infoHash,
		saveDir:  storage.SaveDir(s.config.Storage.CacheDir, infoHash),
		t:        t,
	}

	s.mu.Lock()
	if s.state != SessionStateRunning {
		s.mu.Unlock()
		t.Drop()
		return nil, ErrEngineNotStarted
	}
	s.torrents[infoHash] = h
	s.mu.Unlock()

	s.logger.Info("torrent metadata received",
		zap.String("info_hash", infoHash),
		zap.String("name", h.Name()),
		zap.Int("pieces", h.NumPieces()),
		logging.Bytes("piece_length", h.PieceLength()),
	)

	return h, nil
}

// waitForTorrent polls the client until it reports the torrent.
func (s *Session) waitForTorrent(ctx context.Context, client *torrent.Client, ih metainfo.Hash) (*torrent.Torrent, error) {
	if t, ok := client.Torrent(ih); ok {
		return t, nil
	}

	timer := time.NewTimer(s.config.Stream.HandleTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(s.config.Stream.HandlePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrHandleTimeout, ih.HexString(), s.config.Stream.HandleTimeout)
		case <-ticker.C:
			if t, ok := client.Torrent(ih); ok {
				return t, nil
			}
		}
	}
}

// waitForMetadata blocks until the torrent info has been fetched from peers.
func (s *Session) waitForMetadata(ctx context.Context, t *torrent.Torrent) error {
	timer := time.NewTimer(s.config.Stream.MetadataTimeout)
	defer timer.Stop()

	select {
	case <-t.GotInfo():
		return nil
	case <-t.Closed():
		return fmt.Errorf("%w: torrent closed before metadata arrived", ErrTorrentNotFound)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrMetadataTimeout, t.InfoHash().HexString(), s.config.Stream.MetadataTimeout)
	}
}

func (s *Session) dropByHash(client *torrent.Client, ih metainfo.Hash) {
	if t, ok := client.Torrent(ih); ok {
		t.Drop()
	}
}

// Remove drops a torrent from the engine. Its files stay on disk.
func (s *Session) Remove(infoHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionStateRunning {
		return ErrEngineNotStarted
	}

	infoHash = strings.ToLower(infoHash)
	h, ok := s.torrents[infoHash]
	if !ok {
		return ErrTorrentNotFound
	}

	h.t.Drop()
	delete(s.torrents, infoHash)

	s.logger.Info("removed torrent", zap.String("info_hash", infoHash))
	return nil
}

// DHTNodes returns the number of nodes in the routing tables of the
// client's DHT servers.
func (s *Session) DHTNodes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.client == nil {
		return 0
	}

	n := 0
	for _, srv := range s.client.DhtServers() {
		if w, ok := srv.(torrent.AnacrolixDhtServerWrapper); ok {
			n += w.Server.NumNodes()
		}
	}
	return n
}

// Status returns the session state, torrent count and DHT size.
func (s *Session) Status() SessionStatus {
	nodes := s.DHTNodes()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionStatus{
		State:     s.state.String(),
		StartedAt: s.startedAt,
		Torrents:  len(s.torrents),
		DHTNodes:  nodes,
	}
}
