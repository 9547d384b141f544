package logger

import (
	"context"
	"io"
	"log/slog"
)

// ColorTextHandler wraps slog.TextHandler, prefixing each message with a
// level tag. When colorize is set the tag is wrapped in ANSI color; plain
// tags keep file and pipe output free of escape sequences.
type ColorTextHandler struct {
	*slog.TextHandler
	colorize bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, colorize bool) *ColorTextHandler {
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		colorize:    colorize,
	}
}

// levelColor maps a level to its ANSI code. Custom levels inherit the
// color of the nearest named level below them.
func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	default:
		return "\033[36m"
	}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	tag := r.Level.String()
	if h.colorize {
		tag = levelColor(r.Level) + tag + "\033[0m"
	}
	r.Message = tag + "  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
