// Package logging builds the zap loggers shared by every component.
package logging

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new zap logger with the specified level and format
func NewLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	// Create config based on format (case-insensitive)
	var cfg zap.Config
	switch strings.ToLower(format) {
	case "json":
		cfg = zap.NewProductionConfig()
		// piece-level debug lines arrive in bursts; sampling would hide the tail
		cfg.Sampling = nil
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'json' or 'console'", format)
	}

	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// Component returns a child logger named after a component. A nil parent
// yields a no-op logger so constructors can accept nil.
func Component(parent *zap.Logger, name string) *zap.Logger {
	if parent == nil {
		return zap.NewNop()
	}
	return parent.Named(name)
}

// Bytes renders a byte count as an IEC size field, e.g. "1.5 GiB".
func Bytes(key string, n int64) zap.Field {
	if n < 0 {
		n = 0
	}
	return zap.String(key, humanize.IBytes(uint64(n)))
}
