package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulgidus/seedstream/internal/stream"
)

var (
	playFileIndex   int
	playTrackers    []string
	playNetworkMbps float64
	playTitle       string
)

// playCmd represents the play command
var playCmd = &cobra.Command{
	Use:   "play <magnet>",
	Short: "Prepare a stream and print its playback URL",
	Long: `Resolve a magnet link, select the playable file and serve it on the
loopback playback server. Point any player at the printed URL. The stream
is torn down on SIGINT or SIGTERM.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().IntVar(&playFileIndex, "file-index", -1, "index of the file to play (default picks the main video)")
	playCmd.Flags().StringArrayVar(&playTrackers, "tracker", nil, "extra tracker announce URL (repeatable)")
	playCmd.Flags().Float64Var(&playNetworkMbps, "network-mbps", 0, "current download speed estimate in Mbps (0 uses the configured default)")
	playCmd.Flags().StringVar(&playTitle, "title", "", "display title")
}

// buildRequest assembles a prepare request from the play arguments. A
// negative file index lets the selector choose.
func buildRequest(magnet string, fileIndex int, trackers []string, mbps float64, title string) stream.Request {
	req := stream.Request{
		MagnetURI:   magnet,
		Title:       title,
		Trackers:    trackers,
		NetworkMbps: mbps,
	}
	if fileIndex >= 0 {
		idx := fileIndex
		req.FileIndex = &idx
	}
	return req
}

func runPlay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := buildRequest(args[0], playFileIndex, playTrackers, playNetworkMbps, playTitle)
	fmt.Fprintln(cmd.ErrOrStderr(), "Resolving magnet link...")

	info, err := a.registry.PrepareStream(ctx, req)
	if err != nil {
		return err
	}
	writeStreamInfo(cmd.OutOrStdout(), info, playTitle)

	<-ctx.Done()
	logger.Info("Stopping stream", zap.String("stream_id", info.StreamID))
	return nil
}

// writeStreamInfo prints a prepared stream for humans.
func writeStreamInfo(w io.Writer, info *stream.Info, title string) {
	fmt.Fprintf(w, "Stream ready\n")
	if title != "" {
		fmt.Fprintf(w, "  Title:     %s\n", title)
	}
	fmt.Fprintf(w, "  File:      %s\n", info.FileName)
	fmt.Fprintf(w, "  Size:      %s\n", humanize.IBytes(uint64(max(info.FileSize, 0))))
	fmt.Fprintf(w, "  Type:      %s\n", info.MimeType)
	fmt.Fprintf(w, "  Info hash: %s\n", info.InfoHash)
	fmt.Fprintf(w, "  URL:       %s\n", info.PlaybackURL)
}
