// Package logging installs the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NewHandler builds a slog handler writing to w.
// Supported formats: "text" (default), "json", "pretty".
func NewHandler(level, format string, w io.Writer) slog.Handler {
	lvl := ParseLevel(level)
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "pretty":
		return charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(lvl),
			TimeFormat:      time.RFC3339,
			ReportTimestamp: true,
			TimeFunction:    charmlog.NowUTC,
			ReportCaller:    lvl <= slog.LevelDebug,
		})
	default:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
}

// Setup configures the default slog logger with the given level and format.
func Setup(level, format string, w io.Writer) {
	slog.SetDefault(slog.New(NewHandler(level, format, w)))
}
