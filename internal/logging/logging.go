// Package logging builds the slog logger used by the host and the CLI.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/OpenListTeam/browserstream"
)

// New creates a logger writing to out (stderr when nil).
func New(cfg browserstream.LogConfig, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: Level(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// Level maps a level name to a slog level, defaulting to info.
func Level(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
