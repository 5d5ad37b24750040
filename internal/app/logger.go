package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a configured slog.Logger based on configuration.
func NewLogger(cfg *Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true, Level: slog.LevelInfo}
	if cfg != nil && cfg.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err == nil {
			opts.Level = level
		}
	}
	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	}
	logger := slog.New(handler)
	if cfg != nil {
		logger = logger.With(slog.String("env", cfg.AppEnv))
	}
	return logger
}
