package storage

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the package's structured logger, writing to stderr so
// stdout stays reserved for shell output. quiet suppresses everything
// below warning level, matching the --quiet driver flag.
func NewLogger(quiet bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if quiet {
		level = zerolog.WarnLevel
	}
	return zerolog.New(os.Stderr).
		Level(level).
		With().
		Timestamp().
		Str("component", "stonedb").
		Logger()
}
