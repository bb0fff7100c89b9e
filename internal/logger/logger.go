// Package logger builds the structured logger shared by the survey engine binaries.
// Output is JSON or text depending on configuration; every record carries the
// service identity.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/konote/surveyengine/internal/config"
)

// New returns a logger writing to os.Stdout for the named binary component.
func New(cfg *config.AppConfig, component string) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout).With(slog.String("component", component))
}

// NewWithWriter returns a logger writing to w. Tests pass a buffer here.
func NewWithWriter(cfg *config.AppConfig, w io.Writer) *slog.Logger {
	if cfg == nil {
		panic("logger: config cannot be nil")
	}
	return slog.New(newHandler(cfg, w)).With(
		slog.String("service", cfg.Name),
		slog.String("version", cfg.Version),
		slog.String("env", cfg.Environment),
	)
}

func newHandler(cfg *config.AppConfig, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.LogLevel),
		AddSource: cfg.Environment != config.EnvironmentProduction,
	}
	if cfg.LogFormat == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// parseLevel accepts slog level names in any case, falling back to INFO.
func parseLevel(s string) slog.Level {
	var level slog.Level
	if level.UnmarshalText([]byte(s)) != nil {
		return slog.LevelInfo
	}
	return level
}
