// Package observability wires structured logging, metrics and tracing for
// the client.
package observability

import (
	"log/slog"
	"os"

	"github.com/tinkerapi/tinker-go/internal/config"
)

// ServiceName labels every log line and span emitted by the client.
const ServiceName = "tinker-go"

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	// In dev, always show debug level regardless of the configured level.
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stderr, opts)
	logger := slog.New(h).With(
		slog.String("service", ServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
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
