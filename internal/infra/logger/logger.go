package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/you-humble/fileflow/internal/infra/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger. Output goes to stdout unless a log file is
// configured, in which case it is rotated by lumberjack.
func New(cfg config.Log, nodeID string) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMb,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	l := slog.New(h)
	if nodeID != "" {
		l = l.With(slog.String("node_id", nodeID))
	}
	return l
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
