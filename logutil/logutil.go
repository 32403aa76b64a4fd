// Package logutil provides the engine's structured logging conventions: a
// Trace level below slog's Debug, a handler that renders source location
// only at trace level, and a constructor wiring both to a single writer.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
)

// LevelTrace sits one step below slog.LevelDebug. It is used for per-step
// pipeline and kernel-dispatch tracing that is too noisy for debug level.
const LevelTrace = slog.Level(-8)

// Trace logs at LevelTrace against the default logger.
func Trace(msg string, args ...any) {
	slog.Log(context.Background(), LevelTrace, msg, args...)
}

// NewLogger builds the engine's default logger. At LevelTrace and below,
// source file/line is attached to every record; at Debug and above it is
// omitted to keep normal logs readable.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(newHandler(w, level))
}

func newHandler(w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= LevelTrace,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				lvl := a.Value.Any().(slog.Level)
				if lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				if src, ok := a.Value.Any().(*slog.Source); ok {
					src.File = filepath.Base(src.File)
				}
			}
			return a
		},
	}
	return slog.NewTextHandler(w, opts)
}
