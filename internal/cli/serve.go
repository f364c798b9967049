package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming service",
	Long: `Run seedstream as a local service.

The service will:
  1. Load configuration from file and environment
  2. Start the loopback playback server and control API
  3. Start the torrent engine on the first stream request
  4. Tear everything down on SIGINT or SIGTERM`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// No defaults here: the config defaults apply unless a flag is given.
	serveCmd.Flags().String("host", "", "playback server host")
	serveCmd.Flags().Int("port", 0, "playback server port (0 picks a free port)")

	_ = viper.BindPFlag("playback.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("playback.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("Starting seedstream",
		zap.String("version", Version),
		zap.String("cache_dir", cfg.Storage.CacheDir),
		zap.Bool("keep_files", cfg.Storage.KeepFiles),
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.server.Start(a.registry); err != nil {
		return fmt.Errorf("failed to start playback server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Control API listening", zap.String("url", a.server.BaseURL()))
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\nPress Ctrl+C to stop\n", a.server.BaseURL())

	<-ctx.Done()
	logger.Info("Shutting down seedstream...")

	a.shutdown(logger)
	logger.Info("Seedstream stopped")
	return nil
}
