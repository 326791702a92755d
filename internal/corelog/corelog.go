// Package corelog configures the process-wide zerolog logger used by every
// corebus component. Components never construct their own writer; they log
// through github.com/rs/zerolog/log, exactly as the teacher's cmd/*/main.go
// binaries set up logging once at startup and let every package log through
// the global logger.
package corelog

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures the global logger.
type Options struct {
	// Level is one of "debug", "info", "warn", "error" (default "info").
	Level string
	// Pretty enables a human-readable console writer instead of JSON,
	// intended for local development the way the teacher's cmd binaries
	// toggle it off LOG_FORMAT=console.
	Pretty bool
}

// DefaultOptions returns the production default: JSON output at info level.
func DefaultOptions() Options {
	return Options{Level: "info"}
}

// Configure installs the global zerolog logger per opts. It is safe to call
// once at process startup before any component begins logging.
func Configure(opts Options) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if opts.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Component returns a logger pre-tagged with a "component" field, the way
// the teacher tags log lines with the originating subsystem.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
