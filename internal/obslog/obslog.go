// Package obslog is the structured logging wrapper used throughout the
// engine: slog with a tinted console handler in development and plain
// JSON in production, plus contextual helpers for the identifiers that
// show up in nearly every log line here (run, context, operation).
//
// Adapted from the teacher's common/logger/logger.go.
package obslog

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger; all fields are added via With* helpers
// rather than format strings so JSON and tinted console output stay
// structurally identical.
type Logger struct {
	*slog.Logger
}

// New builds a Logger. format is "json" or "console" (default).
func New(level, format string) *Logger {
	var handler slog.Handler
	lvl := parseLevel(level)

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// WithRun scopes a logger to a run_id, the identifier that threads
// through coordinator, dispatch, and journal log lines alike.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{Logger: l.With("run_id", runID)}
}

// WithOp adds the SSA operation id a log line concerns.
func (l *Logger) WithOp(opID int) *Logger {
	return &Logger{Logger: l.With("op_id", opID)}
}

// WithCtx adds the context-tree node id a log line concerns.
func (l *Logger) WithCtx(ctxID int64) *Logger {
	return &Logger{Logger: l.With("ctx_id", ctxID)}
}

// WithContext pulls a request/trace id out of ctx, if present, mirroring
// the teacher's WithContext helper.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if v := ctx.Value(traceIDKey{}); v != nil {
		return &Logger{Logger: l.With("trace_id", v)}
	}
	return l
}

type traceIDKey struct{}

// ContextWithTraceID stashes a trace id for later retrieval by WithContext.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

func parseLevel(level string) slog.Level {
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
