package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger replaces the bootstrap logger with the configured one. An
// unparseable level falls back to info rather than failing startup.
// Format "console" is for humans at a terminal; anything else means JSON.
func InitLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var out io.Writer = os.Stdout
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	lctx := zerolog.New(out).With().Timestamp()
	// Caller lookups cost an allocation per event; only debug runs pay it.
	if lvl <= zerolog.DebugLevel {
		lctx = lctx.Caller()
	}
	log.Logger = lctx.Logger()

	log.Info().
		Str("level", lvl.String()).
		Str("format", format).
		Msg("Logger configured")
}

// NewLogger returns a child logger tagged with a component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewWorkerLogger returns a logger for a supervised worker. Workers share
// one component value so log queries can select all of them at once.
func NewWorkerLogger(workerName string) zerolog.Logger {
	return log.With().
		Str("component", "worker").
		Str("worker", workerName).
		Logger()
}
