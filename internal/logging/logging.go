// Package logging builds the process zerolog logger from configuration.
package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sonirico/sharedws/internal/config"
)

// New returns a logger writing to out in the configured format. Levels are applied per logger, so
// several loggers can coexist in tests.
func New(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if strings.EqualFold(cfg.Format, "text") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// Setup replaces the global zerolog logger and returns it.
func Setup(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	log.Logger = New(cfg, out)
	return log.Logger
}

// ParseLevel maps a level name to zerolog. Unknown names fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
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
