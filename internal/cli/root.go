// Package cli provides the seedstream command-line interface.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fulgidus/seedstream/internal/config"
	"github.com/fulgidus/seedstream/internal/logging"
)

var (
	cfgFile string

	// loadedCfg is read before any command runs so the logger follows the
	// config file.
	loadedCfg *config.Config
	logger    *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "seedstream",
	Short: "Seedstream - progressive media playback from torrents",
	Long: `Seedstream resolves a magnet link, selects the playable file and
serves it over a loopback HTTP endpoint while it downloads.

It supports:
  - Sequential piece scheduling around the play cursor
  - Background prefetch tuned to the measured network speed
  - HTTP byte ranges for seeking
  - A local control API for host applications`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		loadedCfg, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger, err = logging.NewLogger(loadedCfg.Log.Level, loadedCfg.Log.Format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command. It is called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./seedstream.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, console)")
	rootCmd.PersistentFlags().String("cache-dir", "", "directory torrents are downloaded into")
	rootCmd.PersistentFlags().Bool("keep-files", false, "keep downloaded files after a stream stops")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("storage.cache_dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	_ = viper.BindPFlag("storage.keep_files", rootCmd.PersistentFlags().Lookup("keep-files"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.SetConfigName("seedstream")
		viper.SetConfigType("yaml")
	}

	// SEEDSTREAM_PLAYBACK_PORT overrides playback.port, and so on.
	viper.SetEnvPrefix("SEEDSTREAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// loadConfig validates the layered configuration read for this command.
func loadConfig() (*config.Config, error) {
	if loadedCfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	if used := viper.ConfigFileUsed(); used != "" {
		if info, err := os.Stat(used); err == nil && !info.IsDir() {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", used)
		}
	}
	if err := loadedCfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return loadedCfg, nil
}
