// Package logging bootstraps SODME's base zerolog logger. Every component
// constructor narrows it with `.With().Str("component", "...").Logger()`
// rather than building its own (spec §9 ambient stack, SPEC_FULL.md §10.1).
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the base logger's verbosity and rendering.
type Config struct {
	Level  string // debug|info|warn|error
	Pretty bool   // console-pretty output for local/dev use; JSON otherwise
}

// New builds the base logger used throughout SODME.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer = os.Stdout
	if cfg.Pretty {
		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(console).With().Timestamp().Logger()
	}
	return zerolog.New(writer).With().Timestamp().Logger()
}
