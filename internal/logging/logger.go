// Package logging builds the gateway's zerolog.Logger, grounded on the
// pack's response-api logger.go: a console writer for local/dev use, a
// plain JSON writer in production, a service field attached once at the
// base logger rather than per call site.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger configured by level and format ("json" or
// "console").
func New(level, format string) zerolog.Logger {
	parsed := parseLevel(level)

	var base zerolog.Logger
	if strings.EqualFold(format, "console") {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		base = zerolog.New(os.Stdout)
	}

	return base.With().
		Timestamp().
		Str("service", "mcp-gateway").
		Logger().
		Level(parsed)
}

func parseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
