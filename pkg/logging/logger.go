// Package logging configures zerolog for the offline worker and hands out
// component loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `yaml:"level" env:"LEVEL"`

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool `yaml:"pretty" env:"PRETTY"`

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ValidateLevel rejects unknown level names. Setup itself falls back to info.
func ValidateLevel(level LogLevel) error {
	switch strings.ToLower(string(level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache hit/miss per request key and store
//   - Classification and fallback decisions
//   - Lifecycle transitions, worker pool progress
//
// Info: Normal operation events
//   - Install, activation, stores dropped
//   - Lesson archived or removed
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Swallowed cache write failures
//   - Lesson assets that could not be cached
//   - Malformed lesson records skipped while listing
//   - Origin unreachable, dropped notifications
//
// Error: Error conditions requiring attention
//   - Lesson metadata write failures
//   - Failed installs
//   - Configuration errors
//
// Context Fields:
//   - component: package emitting the event
//   - key: cache request key
//   - store: cache store name
//   - class: request class (video, offline, primary)
//   - lesson_id: lesson being archived
//   - kind: lesson asset kind (video, document, material)
//   - client_id: connected foreground client
