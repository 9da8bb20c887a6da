// Package log provides the process-wide structured logger used by every
// Thalo component.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

// Level is a normalised log level name accepted on the CLI.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls global logger construction.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)configures the global logger. Safe to call once at process
// startup, before any component constructors run.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	Init(Config{Level: InfoLevel})
}

// WithComponent creates a child logger tagged with the owning component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithStream creates a child logger tagged with a stream name.
func WithStream(component, streamName string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("stream_name", streamName).Logger()
}

// WithCategory creates a child logger tagged with an aggregate category.
func WithCategory(component, category string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("category", category).Logger()
}

// WithSubscription creates a child logger tagged with a subscription name.
func WithSubscription(component, name string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("subscription", name).Logger()
}
