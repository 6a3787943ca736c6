package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/libris.
// It returns an error instead of calling os.Exit so deferred cleanup still runs.
func Run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	if err := ValidateSecurityConfig(cfg); err != nil {
		log.Error("config.invalid", "err", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}

	return a.Run(ctx)
}
