// Package logging builds the worker's zerolog logger from configuration.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New constructs a logger at the given level. Format is "json" or "console";
// console output is for local development only.
func New(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "order-worker").
		Logger()
}
