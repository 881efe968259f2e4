// internal/logging/logger.go
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/colebrumley/textguard/internal/security"
)

// NewLogger creates a new structured logger. String attributes and
// messages pass through security.ScrubOutput so session tokens never
// reach the log.
func NewLogger(format string, level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: scrubAttr,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
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

// WithComponent returns a logger with the component name attached
func WithComponent(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(security.ScrubOutput(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = slog.StringValue(security.ScrubOutput(err.Error()))
		}
	}
	return a
}
