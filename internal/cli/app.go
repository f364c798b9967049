package cli

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fulgidus/seedstream/internal/config"
	"github.com/fulgidus/seedstream/internal/playback"
	"github.com/fulgidus/seedstream/internal/registry"
	"github.com/fulgidus/seedstream/internal/torrent"
)

// shutdownTimeout bounds the graceful teardown after a signal.
const shutdownTimeout = 30 * time.Second

// app is the wired set of components a command drives.
type app struct {
	server   *playback.Server
	registry *registry.Registry
}

// newApp wires the engine session, the playback server and the
// registry. Nothing is started yet.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	session := torrent.NewSession(cfg, logger)

	server, err := playback.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		server:   server,
		registry: registry.New(cfg, registry.EngineSession(session), server, logger),
	}, nil
}

// shutdown tears everything down within shutdownTimeout.
func (a *app) shutdown(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.registry.Close(ctx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
}
