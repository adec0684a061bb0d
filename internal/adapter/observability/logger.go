// Package observability provides logging and Prometheus metrics.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/renderflow/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config, service string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", service),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
