package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"carbook/internal/auth"
	"carbook/internal/backend"
	"carbook/internal/blob"
	"carbook/internal/cli"
	"carbook/internal/config"
	apphttp "carbook/internal/http"
	applog "carbook/internal/log"
	"carbook/internal/services"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), applog.ComponentApp)
	cfg := cli.MustLoadConfig(logger.Logger)
	if cfg.LogLevel != "" {
		logger = cli.SetupLogger(cfg.LogLevel, applog.ComponentApp)
	}

	b, err := backend.NewFactory(logger.Logger).CreateBackend(context.Background(), cfg, backend.Options{})
	if err != nil {
		logger.Error("Failed to initialize backend", applog.FieldError, err)
		os.Exit(1)
	}

	// A nil *amqp.Client must not leak into the interfaces below.
	var (
		publisher services.Publisher
		broker    apphttp.HealthChecker
	)
	if b.AMQP != nil {
		publisher = b.AMQP
		broker = b.AMQP
	}

	authSvc := auth.NewService(b.Repo, newMailer(cfg, b, logger), auth.Options{
		BaseURL:      cfg.BaseURL,
		SessionTTL:   cfg.SessionTTL,
		MagicLinkTTL: cfg.MagicLinkTTL,
	})

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Auth:     authSvc,
		Vehicles: services.NewVehicleService(b.Repo, publisher),
		Records:  services.NewRecordService(b.Repo, b.Resolver, publisher),
		Receipts: services.NewReceiptService(b.Repo, b.Resolver),
		DB:       b.Repo,
		Broker:   broker,
		Logger:   logger,
	}, apphttp.Options{
		CookieSecure: cfg.CookieSecure,
		ImageOrigins: imageOrigins(cfg),
	})

	lifecycle := cli.OnShutdown(logger.Logger, shutdownTimeout, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
		if err := b.Cleanup(); err != nil {
			logger.Error("Backend cleanup error", applog.FieldError, err)
		}
	})

	logger.Info("Starting carbook server",
		"port", cfg.Port,
		"database", cfg.DatabaseDriver(),
		"receipts", cfg.ReceiptsBackend,
		"public_receipts", cfg.ReceiptsPublic,
		"events", b.AMQP != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		_ = b.Cleanup()
		os.Exit(1)
	}

	lifecycle.Wait()
	logger.Info("Server stopped gracefully")
}

// newMailer queues links for the worker when asked to and a broker is up,
// and logs them otherwise.
func newMailer(cfg *config.Config, b *backend.Backend, logger *applog.Logger) auth.Mailer {
	if cfg.MailQueued() {
		if b.AMQP != nil {
			return auth.QueueMailer{Publisher: b.AMQP}
		}
		logger.Warn("MAIL_BACKEND=amqp but no broker is connected, logging magic links instead")
	}
	return auth.LogMailer{Logger: logger.WithComponent(applog.ComponentMail).Logger}
}

// imageOrigins lets the browser load receipts straight from a public GCS bucket.
func imageOrigins(cfg *config.Config) []string {
	if cfg.ReceiptsPublic && cfg.ReceiptsBackend == backend.GCSBlob.String() {
		return []string{blob.GCSPublicHost}
	}
	return nil
}
