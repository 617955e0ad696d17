// Package logger provides structured logging setup for DataHandover.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/DataHandover/internal/config"
)

const (
	asyncChanSize = 1024
	asyncWorkers  = 1 // single worker keeps record order
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// When async logging is enabled the handler is wrapped in an AsyncHandler
// and the returned Closer flushes it on shutdown; otherwise the Closer is
// a no-op.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	if !cfg.Async {
		return slog.New(handler).With("service", cfg.Service), nopCloser{}
	}

	async := NewAsyncHandler(handler, asyncChanSize, asyncWorkers)
	return slog.New(async).With("service", cfg.Service), async
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
