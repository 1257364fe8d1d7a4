// Package logutil configures the structured logger shared by every
// component of a ring node: the weight store, the transport, the planner,
// and the slot scheduler all log through a *slog.Logger obtained from here
// rather than the package-level default logger, so a per-node "rank" and
// "component" attribute pair can be bound once at startup and propagated
// everywhere.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

// LevelTrace sits below slog.LevelDebug for step-by-step pipeline tracing
// that is too noisy to enable even under -debug.
const LevelTrace slog.Level = -8

// NewLogger builds the text-handler logger used by the daemon. Source file
// names are rendered as basenames; the synthetic TRACE level is rendered by
// name instead of a negative number.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if lvl, ok := attr.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				if source, ok := attr.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
				}
			}
			return attr
		},
	}))
}

// ForNode returns a logger with "rank" and "component" bound, so every log
// line from a given subsystem on a given node is attributable without
// threading those two values through every call site.
func ForNode(base *slog.Logger, rank int, component string) *slog.Logger {
	return base.With(slog.Int("rank", rank), slog.String("component", component))
}

type key string

// Trace logs msg at LevelTrace against the default logger.
func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.TODO(), key("skip"), 1), msg, args...)
}

// TraceContext logs msg at LevelTrace against the default logger, attributing
// the call site through ctx's embedded caller-skip count.
func TraceContext(ctx context.Context, msg string, args ...any) {
	if logger := slog.Default(); logger.Enabled(ctx, LevelTrace) {
		skip, _ := ctx.Value(key("skip")).(int)
		pc, _, _, _ := runtime.Caller(1 + skip)
		record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
		record.Add(args...)
		_ = logger.Handler().Handle(ctx, record)
	}
}
