// Package cli provides shared command line plumbing for the agent binaries.
package cli

import (
	"log/slog"
	"os"
)

// SetSlog configures the default logger from the repeated --verbose count.
// Zero keeps warnings only, one adds info, two or more debug. With jsonLogs
// the logger emits JSON records on stdout.
func SetSlog(verbosity int, jsonLogs bool) {
	level := slog.LevelWarn - slog.Level(4*verbosity)
	if level < slog.LevelDebug {
		level = slog.LevelDebug
	}

	if jsonLogs {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
		return
	}
	slog.SetLogLoggerLevel(level)
}
