package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Init installs the process-wide slog logger. Format "json" writes structured
// lines for log collectors; anything else gets tint's colored console output.
func Init(level, format string, verbose bool) {
	slog.SetDefault(New(os.Stderr, level, format, verbose))
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string, verbose bool) *slog.Logger {
	lvl := ParseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     lvl,
			AddSource: verbose,
		}))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
		AddSource:  verbose,
	}))
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
