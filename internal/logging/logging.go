// Package logging configures the process-wide slog default.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

func init() {
	SetLevel(slog.LevelInfo)
}

// SetLevel replaces the default logger with one at the given level.
func SetLevel(level slog.Level) {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02 15:04:05",
	})))
}

// SetLevelFromString maps a config string to a level, defaulting to info.
func SetLevelFromString(levelStr string) {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	SetLevel(level)
}
