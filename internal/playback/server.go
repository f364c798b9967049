// Package playback serves prepared streams over loopback HTTP so any
// range-aware media player can consume a partially downloaded file. It also
// hosts the JSON control API and the metrics endpoint.
package playback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fulgidus/seedstream/internal/config"
	"github.com/fulgidus/seedstream/internal/logging"
	"github.com/fulgidus/seedstream/internal/stream"
)

// Common errors returned by the Server.
var (
	ErrServerRunning    = errors.New("playback server already running")
	ErrServerNotStarted = errors.New("playback server not started")
)

// PieceGate is the part of a stream coordinator the read path drives.
type PieceGate interface {
	Geometry() stream.Geometry
	WaitForPiece(ctx context.Context, piece int, timeout time.Duration) bool
	BoostForRead(piece int) bool
}

// Source is one servable file.
type Source struct {
	StreamID string
	Path     string
	Size     int64
	MimeType string
	Gate     PieceGate
}

// Status is the body of GET /status.
type Status struct {
	EngineState   string    `json:"engine_state"`
	EngineStarted time.Time `json:"engine_started_at,omitempty"`
	DHTNodes      int       `json:"dht_nodes"`
	Torrents      int       `json:"torrents"`
	ActiveStreams int       `json:"active_streams"`
	Uptime        string    `json:"uptime"`
}

// Backend resolves stream ids for the playback path and carries out the
// control API calls.
type Backend interface {
	Resolve(streamID string) (Source, bool)
	PrepareStream(ctx context.Context, req stream.Request) (*stream.Info, error)
	StopStream(ctx context.Context, streamID string) bool
	StopAllStreams(ctx context.Context) bool
	Snapshots() []stream.Snapshot
	Status() Status
}

// Server is the loopback HTTP server.
type Server struct {
	cfg      config.PlaybackConfig
	readWait time.Duration
	chunk    int
	logger   *zap.Logger
	metrics  *Metrics

	mu         sync.RWMutex
	backend    Backend
	httpServer *http.Server
	listener   net.Listener
	baseURL    string
	startedAt  time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewServer creates a stopped server from the playback and stream settings.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	chunk, err := cfg.Playback.ChunkBytes()
	if err != nil {
		return nil, fmt.Errorf("invalid playback config: %w", err)
	}

	s := &Server{
		cfg:      cfg.Playback,
		readWait: cfg.Stream.ReadPieceWait,
		chunk:    chunk,
		logger:   logging.Component(logger, "playback"),
	}
	if cfg.Playback.EnableMetrics {
		s.metrics = NewMetrics()
	}
	return s, nil
}

// Metrics returns the server's collectors, or nil when metrics are off.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start binds the listener and serves in the background. Port 0 picks a
// free port; the bound address is available from BaseURL.
func (s *Server) Start(backend Backend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return ErrServerRunning
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: failed to listen on %s: %v", stream.ErrServerFailure, addr, err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s.backend = backend
	s.listener = listener
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startedAt = time.Now()
	s.baseURL = "http://" + listener.Addr().String()

	s.httpServer = &http.Server{
		Handler: s.Handler(),
		// No write timeout: a playback response lives as long as the player reads.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("playback server stopped", zap.Error(err))
		}
	}(s.httpServer, s.done)

	s.logger.Info("playback server listening", zap.String("url", s.baseURL))
	return nil
}

// Handler builds the routed handler with its middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	mws := []Middleware{
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		RecoveryMiddleware(s.logger),
	}
	if len(s.cfg.CORSOrigins) > 0 {
		mws = append(mws, CORSMiddleware(PlayerCORSConfig(s.cfg.CORSOrigins)))
	}
	return chain(mux, mws...)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/torrent/{streamId}", s.handleTorrent)

	mux.HandleFunc("POST /streams", s.handleStreamCreate)
	mux.HandleFunc("GET /streams", s.handleStreamList)
	mux.HandleFunc("DELETE /streams", s.handleStreamStopAll)
	mux.HandleFunc("DELETE /streams/{streamId}", s.handleStreamStop)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// BaseURL returns the scheme and bound address, e.g. http://127.0.0.1:41234.
func (s *Server) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

// URL returns the playback URL of a stream.
func (s *Server) URL(streamID string) string {
	return s.BaseURL() + "/torrent/" + streamID
}

// Running reports whether the server is serving.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpServer != nil
}

// Shutdown cancels in-flight responses and stops the server. Shutting
// down a stopped server is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel, done := s.httpServer, s.cancel, s.done
	s.httpServer, s.listener, s.cancel, s.done = nil, nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	// Unblock piece waits of responses still streaming.
	cancel()

	err := srv.Shutdown(ctx)
	if err != nil {
		err = fmt.Errorf("failed to shutdown playback server: %w", err)
		srv.Close()
	}
	<-done

	s.logger.Info("playback server stopped")
	return err
}

func (s *Server) resolve(streamID string) (Source, bool) {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()

	if backend == nil {
		return Source{}, false
	}
	return backend.Resolve(streamID)
}

func (s *Server) getBackend() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}
