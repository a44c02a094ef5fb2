// Package app holds the bootstrap shared by the three worker binaries:
// config loading, logger construction, and signal-driven shutdown.
package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-tracker/internal/config"
)

// Bootstrap loads and validates config, then builds the process logger.
// The config path comes from PMT_CONFIG, defaulting to configs/config.yaml.
func Bootstrap() (*config.Config, *slog.Logger, error) {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PMT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return cfg, slog.New(handler), nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func parseLogLevel(level string) slog.Level {
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
