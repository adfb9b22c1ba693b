// Package obslog sets up the process-wide structured logger. It is
// initialized once at startup; its configuration is opaque to the
// components that log through it.
package obslog

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LevelEnvVar is the single environment variable controlling log
// verbosity, default "info".
const LevelEnvVar = "FUSIONTRACK_LOG_LEVEL"

var root zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := parseLevel(os.Getenv(LevelEnvVar))
	root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// For returns a child logger tagged with the given component name.
func For(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}
