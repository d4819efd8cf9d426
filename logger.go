package cyclops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with cyclops-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// ParseLevel maps debug, info, warn and error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("cyclops: invalid log level %q", s)
	}
	return l, nil
}

// NewLoggerFromConfig creates a text or json logger writing to w.
func NewLoggerFromConfig(level, format string, w io.Writer) (*Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}

	hopts := &slog.HandlerOptions{Level: l}
	switch format {
	case "", "text":
		return NewLogger(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return NewLogger(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("cyclops: invalid log format %q", format)
	}
}

// WithShard adds a shard field to the logger.
func (l *Logger) WithShard(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("shard", name),
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// LogSave logs a save of every shard.
func (l *Logger) LogSave(ctx context.Context, saved []string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "save failed",
			"saved", saved,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "shards saved",
			"saved", saved,
		)
	}
}

// LogPublish logs a batch of URLs handed to the queue.
func (l *Logger) LogPublish(ctx context.Context, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "publish failed",
			"count", count,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "urls published",
			"count", count,
		)
	}
}

// LogOpen logs the startup of an instance.
func (l *Logger) LogOpen(ctx context.Context, shards []string, points int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"shards", shards,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "cyclops ready",
			"shards", shards,
			"points", points,
		)
	}
}

// LogAddHashes logs a batch of precomputed fingerprints added to the shards.
func (l *Logger) LogAddHashes(ctx context.Context, inserted, deduped int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "add hashes failed",
			"inserted", inserted,
			"deduped", deduped,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "hashes added",
			"inserted", inserted,
			"deduped", deduped,
		)
	}
}
