package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"carbook/internal/amqp"
	"carbook/internal/auth"
	"carbook/internal/backend"
	"carbook/internal/cli"
	applog "carbook/internal/log"
	"carbook/internal/services"
	"carbook/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), applog.ComponentWorker)
	logger.Info("Starting carbook-worker")
	cfg := cli.MustLoadConfig(logger.Logger)
	if cfg.LogLevel != "" {
		logger = cli.SetupLogger(cfg.LogLevel, applog.ComponentWorker)
	}

	b, err := backend.NewFactory(logger.Logger).CreateBackend(context.Background(), cfg, backend.Options{
		Exporter:    true,
		RequireAMQP: true,
	})
	if err != nil {
		logger.Error("Failed to initialize backend", applog.FieldError, err)
		os.Exit(1)
	}

	mailer := auth.LogMailer{Logger: logger.WithComponent(applog.ComponentMail).Logger}
	syncWorker := worker.NewSyncWorker(b.Repo, b.Exporter, b.Bucket, mailer, cfg.SyncBatchSize)
	processor := services.NewSyncProcessor(b.Repo, syncWorker, services.SyncProcessorConfig{
		PollInterval: cfg.SyncInterval,
		Logger:       logger,
	})

	lifecycle := cli.OnShutdown(logger.Logger, shutdownTimeout, func(ctx context.Context) {
		if err := processor.Stop(ctx); err != nil {
			logger.Error("Sync processor shutdown error", applog.FieldError, err)
		}
		if err := b.Cleanup(); err != nil {
			logger.Error("Backend cleanup error", applog.FieldError, err)
		}
	})

	ctx := lifecycle.Context()

	// The first sweep at Start picks up records saved while the worker was down.
	if err := processor.Start(ctx); err != nil {
		logger.Error("Failed to start sync processor", applog.FieldError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consume(gctx, b.AMQP, cfg.AMQPRecordsQueue, syncWorker.HandleRecordMessage)
	})
	g.Go(func() error {
		return consume(gctx, b.AMQP, cfg.AMQPMailQueue, syncWorker.HandleMailMessage)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Message consumption failed", applog.FieldError, err)
		_ = processor.Stop(context.Background())
		_ = b.Cleanup()
		os.Exit(1)
	}

	lifecycle.Wait()
	logger.Info("Worker stopped gracefully")
}

func consume(ctx context.Context, client *amqp.Client, queue string, handler amqp.Handler) error {
	err := client.Consume(ctx, queue, handler)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
