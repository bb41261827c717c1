package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"chatrelay/internal/app"
	"chatrelay/internal/config"
	"chatrelay/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration, starts the relay and blocks until ctx is done
func run(ctx context.Context) error {
	bootstrap := logging.New(logging.Config{Level: "info", Format: logging.FormatJSON})

	cfg, err := config.Load(bootstrap)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}).
		With().Str("environment", cfg.Environment).Logger()
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting chatrelay")

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("failed to start: %w", err)
	}

	<-ctx.Done()
	return shutdown(application, logger)
}

func shutdown(application *app.Application, logger zerolog.Logger) error {
	logger.Info().Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), application.ShutdownTimeout())
	defer cancel()

	if err := application.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
