package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
)

// Config represents the complete streamer configuration
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Stream   StreamConfig   `mapstructure:"stream" yaml:"stream"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// EngineConfig contains torrent engine settings
type EngineConfig struct {
	BindAddress       string   `mapstructure:"bind_address" yaml:"bind_address"`
	Port              int      `mapstructure:"port" yaml:"port"`
	EnableIPv6        bool     `mapstructure:"enable_ipv6" yaml:"enable_ipv6"`
	EnableDHT         bool     `mapstructure:"enable_dht" yaml:"enable_dht"`
	BootstrapNodes    []string `mapstructure:"bootstrap_nodes" yaml:"bootstrap_nodes"`
	MaxConnections    int      `mapstructure:"max_connections" yaml:"max_connections"`
	MaxActiveTorrents int      `mapstructure:"max_active_torrents" yaml:"max_active_torrents"`
	Debug             bool     `mapstructure:"debug" yaml:"debug"`
}

// StorageConfig contains on-disk cache settings
type StorageConfig struct {
	CacheDir     string `mapstructure:"cache_dir" yaml:"cache_dir"`
	KeepFiles    bool   `mapstructure:"keep_files" yaml:"keep_files"`
	PurgeOnStart bool   `mapstructure:"purge_on_start" yaml:"purge_on_start"`
}

// StreamConfig contains scheduling and timeout settings
type StreamConfig struct {
	DefaultNetworkMbps float64       `mapstructure:"default_network_mbps" yaml:"default_network_mbps"`
	HandleTimeout      time.Duration `mapstructure:"handle_timeout" yaml:"handle_timeout"`
	HandlePoll         time.Duration `mapstructure:"handle_poll" yaml:"handle_poll"`
	MetadataTimeout    time.Duration `mapstructure:"metadata_timeout" yaml:"metadata_timeout"`
	InitialPieceWait   time.Duration `mapstructure:"initial_piece_wait" yaml:"initial_piece_wait"`
	ReadPieceWait      time.Duration `mapstructure:"read_piece_wait" yaml:"read_piece_wait"`
	PiecePoll          time.Duration `mapstructure:"piece_poll" yaml:"piece_poll"`
	PrefetchInterval   time.Duration `mapstructure:"prefetch_interval" yaml:"prefetch_interval"`
	BoostHysteresis    int           `mapstructure:"boost_hysteresis" yaml:"boost_hysteresis"`
}

// PlaybackConfig contains local HTTP server settings
type PlaybackConfig struct {
	Host          string        `mapstructure:"host" yaml:"host"`
	Port          int           `mapstructure:"port" yaml:"port"`
	ChunkSize     string        `mapstructure:"chunk_size" yaml:"chunk_size"`
	OpenAttempts  int           `mapstructure:"open_attempts" yaml:"open_attempts"`
	OpenDelay     time.Duration `mapstructure:"open_delay" yaml:"open_delay"`
	ReadAttempts  int           `mapstructure:"read_attempts" yaml:"read_attempts"`
	ReadDelay     time.Duration `mapstructure:"read_delay" yaml:"read_delay"`
	EnableMetrics bool          `mapstructure:"enable_metrics" yaml:"enable_metrics"`

	// CORSOrigins lists browser origins allowed to call the server; empty disables CORS.
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins,omitempty"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ChunkBytes returns the playback chunk size in bytes.
func (p PlaybackConfig) ChunkBytes() (int, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(p.ChunkSize)); err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", p.ChunkSize, err)
	}
	if v == 0 || v > 16*datasize.MB {
		return 0, fmt.Errorf("chunk size %s out of range (1B..16MB)", v.HumanReadable())
	}
	return int(v.Bytes()), nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			BindAddress: "0.0.0.0",
			Port:        42069,
			EnableIPv6:  false,
			EnableDHT:   true,
			BootstrapNodes: []string{
				"router.bittorrent.com:6881",
				"dht.transmissionbt.com:6881",
				"router.utorrent.com:6881",
			},
			MaxConnections:    80,
			MaxActiveTorrents: 4,
			Debug:             false,
		},
		Storage: StorageConfig{
			CacheDir:     "./cache",
			KeepFiles:    false,
			PurgeOnStart: true,
		},
		Stream: StreamConfig{
			DefaultNetworkMbps: 20,
			HandleTimeout:      30 * time.Second,
			HandlePoll:         200 * time.Millisecond,
			MetadataTimeout:    120 * time.Second,
			InitialPieceWait:   15 * time.Second,
			ReadPieceWait:      45 * time.Second,
			PiecePoll:          100 * time.Millisecond,
			PrefetchInterval:   750 * time.Millisecond,
			BoostHysteresis:    2,
		},
		Playback: PlaybackConfig{
			Host:          "127.0.0.1",
			Port:          0, // 0 = pick a free port
			ChunkSize:     "256KB",
			OpenAttempts:  20,
			OpenDelay:     250 * time.Millisecond,
			ReadAttempts:  8,
			ReadDelay:     150 * time.Millisecond,
			EnableMetrics: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.Port < 0 || c.Engine.Port > 65535 {
		return fmt.Errorf("engine.port must be between 0 and 65535")
	}
	if c.Engine.MaxConnections < 0 || c.Engine.MaxActiveTorrents < 0 {
		return fmt.Errorf("engine limits cannot be negative")
	}

	if c.Playback.Port < 0 || c.Playback.Port > 65535 {
		return fmt.Errorf("playback.port must be between 0 and 65535")
	}
	if c.Playback.Host == "" {
		return fmt.Errorf("playback.host cannot be empty")
	}
	if _, err := c.Playback.ChunkBytes(); err != nil {
		return fmt.Errorf("playback.chunk_size: %w", err)
	}
	if c.Playback.OpenAttempts < 1 || c.Playback.ReadAttempts < 1 {
		return fmt.Errorf("playback retry attempts must be at least 1")
	}

	if c.Stream.DefaultNetworkMbps <= 0 {
		return fmt.Errorf("stream.default_network_mbps must be positive")
	}
	if c.Stream.HandleTimeout <= 0 || c.Stream.MetadataTimeout <= 0 {
		return fmt.Errorf("stream handle and metadata timeouts must be positive")
	}
	if c.Stream.InitialPieceWait <= 0 || c.Stream.ReadPieceWait <= 0 {
		return fmt.Errorf("stream piece waits must be positive")
	}
	if c.Stream.PiecePoll <= 0 || c.Stream.PrefetchInterval <= 0 {
		return fmt.Errorf("stream poll intervals must be positive")
	}
	if c.Stream.BoostHysteresis < 1 {
		return fmt.Errorf("stream.boost_hysteresis must be at least 1")
	}

	// Validate log level
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.Log.Level) {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	// Validate log format
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be 'json' or 'console'")
	}

	if c.Storage.CacheDir == "" {
		return fmt.Errorf("storage.cache_dir cannot be empty")
	}

	// Check if cache directory exists or can be created
	if _, err := os.Stat(c.Storage.CacheDir); os.IsNotExist(err) {
		if err := os.MkdirAll(c.Storage.CacheDir, 0755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return nil
}

// LoadConfig loads configuration from file, environment, and flags
func LoadConfig() (*Config, error) {
	defaults := DefaultConfig()

	// Engine
	viper.SetDefault("engine.bind_address", defaults.Engine.BindAddress)
	viper.SetDefault("engine.port", defaults.Engine.Port)
	viper.SetDefault("engine.enable_ipv6", defaults.Engine.EnableIPv6)
	viper.SetDefault("engine.enable_dht", defaults.Engine.EnableDHT)
	viper.SetDefault("engine.bootstrap_nodes", defaults.Engine.BootstrapNodes)
	viper.SetDefault("engine.max_connections", defaults.Engine.MaxConnections)
	viper.SetDefault("engine.max_active_torrents", defaults.Engine.MaxActiveTorrents)
	viper.SetDefault("engine.debug", defaults.Engine.Debug)

	// Storage
	viper.SetDefault("storage.cache_dir", defaults.Storage.CacheDir)
	viper.SetDefault("storage.keep_files", defaults.Storage.KeepFiles)
	viper.SetDefault("storage.purge_on_start", defaults.Storage.PurgeOnStart)

	// Stream
	viper.SetDefault("stream.default_network_mbps", defaults.Stream.DefaultNetworkMbps)
	viper.SetDefault("stream.handle_timeout", defaults.Stream.HandleTimeout)
	viper.SetDefault("stream.handle_poll", defaults.Stream.HandlePoll)
	viper.SetDefault("stream.metadata_timeout", defaults.Stream.MetadataTimeout)
	viper.SetDefault("stream.initial_piece_wait", defaults.Stream.InitialPieceWait)
	viper.SetDefault("stream.read_piece_wait", defaults.Stream.ReadPieceWait)
	viper.SetDefault("stream.piece_poll", defaults.Stream.PiecePoll)
	viper.SetDefault("stream.prefetch_interval", defaults.Stream.PrefetchInterval)
	viper.SetDefault("stream.boost_hysteresis", defaults.Stream.BoostHysteresis)

	// Playback
	viper.SetDefault("playback.host", defaults.Playback.Host)
	viper.SetDefault("playback.port", defaults.Playback.Port)
	viper.SetDefault("playback.chunk_size", defaults.Playback.ChunkSize)
	viper.SetDefault("playback.open_attempts", defaults.Playback.OpenAttempts)
	viper.SetDefault("playback.open_delay", defaults.Playback.OpenDelay)
	viper.SetDefault("playback.read_attempts", defaults.Playback.ReadAttempts)
	viper.SetDefault("playback.read_delay", defaults.Playback.ReadDelay)
	viper.SetDefault("playback.enable_metrics", defaults.Playback.EnableMetrics)
	viper.SetDefault("playback.cors_origins", defaults.Playback.CORSOrigins)

	// Log
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("log.format", defaults.Log.Format)

	if err := viper.ReadInConfig(); err != nil {
		// Covers both ConfigFileNotFoundError (search paths) and file not exist (SetConfigFile)
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
