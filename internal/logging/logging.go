// Package logging builds the zap loggers used by the CLI and the server.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level and encoder.
type Config struct {
	// Level is one of debug, info, warn or error. When empty the
	// LOG_LEVEL environment variable is consulted.
	Level string `koanf:"level"`

	// Development switches to the console encoder with caller and
	// stack traces on warnings.
	Development bool `koanf:"development"`
}

// New returns a logger for cfg. Production loggers write JSON with an
// ISO8601 "timestamp" field.
func New(cfg Config) (*zap.Logger, error) {
	level := ParseLevel(cfg.Level)
	if cfg.Level == "" {
		level = ParseLevel(os.Getenv("LOG_LEVEL"))
	}

	config := zap.NewProductionConfig()
	if cfg.Development {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}

// ParseLevel maps a level name to a zapcore.Level. Unknown names map to
// info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
