// Package cli is the start-up and shutdown plumbing shared by the carbook
// server, the worker and carbookctl.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"carbook/internal/config"
	applog "carbook/internal/log"
)

// SetupLogger builds the process logger for component at level and makes
// it the slog default.
func SetupLogger(level, component string) *applog.Logger {
	logger := applog.New(applog.Config{Level: applog.ParseLevel(level), Component: component, Output: os.Stdout})
	applog.SetDefault(logger)
	return logger
}

// LoadEnvFile reads .env (or files) into the environment. Values already
// set win, and missing files are fine.
func LoadEnvFile(files ...string) {
	_ = godotenv.Load(files...)
}

func LoadAndValidateConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// MustLoadConfig exits the process when the configuration is unusable.
func MustLoadConfig(logger *slog.Logger) *config.Config {
	cfg, err := LoadAndValidateConfig()
	if err != nil {
		logger.Error("Configuration validation failed", applog.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// Lifecycle ties a long-running process to SIGINT and SIGTERM.
type Lifecycle struct {
	ctx  context.Context
	done chan struct{}
}

// OnShutdown returns a Lifecycle whose context ends at the first signal.
// cleanup then runs with timeout to finish; Wait returns after it.
func OnShutdown(logger *slog.Logger, timeout time.Duration, cleanup func(context.Context)) *Lifecycle {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	l := &Lifecycle{ctx: ctx, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		<-ctx.Done()
		stop()
		logger.Info("Shutdown signal received")

		cleanupCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if cleanup != nil {
			cleanup(cleanupCtx)
		}
		if cleanupCtx.Err() != nil {
			logger.Warn("Shutdown timed out", "timeout", timeout)
			return
		}
		logger.Info("Shutdown complete")
	}()
	return l
}

// Context ends when a shutdown signal arrives.
func (l *Lifecycle) Context() context.Context { return l.ctx }

// Wait blocks until a signal has arrived and cleanup has returned.
func (l *Lifecycle) Wait() { <-l.done }
