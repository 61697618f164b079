package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"carbook/internal/amqp"
	"carbook/internal/blob"
	"carbook/internal/config"
	"carbook/internal/gcp"
	"carbook/internal/sheets"
	gsheet "carbook/internal/sheets/google"
	"carbook/internal/sheets/memory"
	"carbook/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, cfg *config.Config, opts Options) (*Backend, error) {
	if cfg == nil {
		return nil, errors.New("app config is nil")
	}

	repo, err := OpenRepository(cfg)
	if err != nil {
		return nil, err
	}
	f.logger.Info("Initialized database", "driver", cfg.DatabaseDriver())

	b := &Backend{Repo: repo}
	closers := []func() error{repo.Close}
	b.Cleanup = func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Backend, error) {
		_ = b.Cleanup()
		return nil, err
	}

	b.Bucket, err = f.createBucket(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	key, err := SigningKey(cfg, f.logger)
	if err != nil {
		return fail(err)
	}
	b.Resolver = blob.NewResolver(b.Bucket, blob.NewSigner(key, cfg.ReceiptsURLTTL, SignedReceiptsPrefix), resolverCacheSize)

	if opts.Exporter {
		b.Exporter, err = f.createExporter(ctx, cfg)
		if err != nil {
			return fail(err)
		}
	}

	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange,
			amqp.RecordsBinding(cfg.AMQPRecordsQueue),
			amqp.MailBinding(cfg.AMQPMailQueue))
		switch {
		case err != nil && opts.RequireAMQP:
			return fail(fmt.Errorf("failed to initialize AMQP client: %w", err))
		case err != nil:
			f.logger.Warn("Failed to initialize AMQP client, continuing without events", "error", err)
		default:
			b.AMQP = client
			closers = append(closers, client.Close)
			f.logger.Info("Initialized AMQP client",
				"exchange", cfg.AMQPExchange,
				"records_queue", cfg.AMQPRecordsQueue,
				"mail_queue", cfg.AMQPMailQueue)
		}
	} else if opts.RequireAMQP {
		return fail(errors.New("AMQP_URL is required"))
	}

	return b, nil
}

// OpenRepository opens the database the configuration selects.
func OpenRepository(cfg *config.Config) (*storage.Repository, error) {
	switch DatabaseType(cfg.DatabaseDriver()) {
	case PostgresDatabase:
		repo, err := storage.NewPostgresRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres repository: %w", err)
		}
		return repo, nil
	default:
		repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		return repo, nil
	}
}

func (f *DefaultFactory) createBucket(ctx context.Context, cfg *config.Config) (blob.Bucket, error) {
	bt := BlobType(cfg.ReceiptsBackend)
	if !bt.IsValid() {
		return nil, fmt.Errorf("unsupported receipts backend %q: must be one of %v", cfg.ReceiptsBackend, GetBlobTypeStrings())
	}
	if bt == GCSBlob {
		opts, err := gcp.ClientOptions(ctx, gcp.CredentialsFromConfig(cfg), blob.GCSScope)
		if err != nil {
			return nil, fmt.Errorf("gcs credentials: %w", err)
		}
		bucket, err := blob.NewGCSBucket(ctx, cfg.ReceiptsBucket, cfg.ReceiptsPublic, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GCS bucket: %w", err)
		}
		f.logger.Info("Initialized GCS receipt bucket", "bucket", cfg.ReceiptsBucket, "public", cfg.ReceiptsPublic)
		return bucket, nil
	}

	bucket, err := blob.NewLocalBucket(cfg.ReceiptsDir, cfg.ReceiptsPublic, PublicReceiptsPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize local receipt bucket: %w", err)
	}
	f.logger.Info("Initialized local receipt bucket", "dir", cfg.ReceiptsDir, "public", cfg.ReceiptsPublic)
	return bucket, nil
}

func (f *DefaultFactory) createExporter(ctx context.Context, cfg *config.Config) (sheets.RecordExporter, error) {
	if !cfg.SheetsEnabled() {
		f.logger.Info("Google Sheets not configured, exporting to memory")
		return memory.New(), nil
	}
	opts, err := gcp.ClientOptions(ctx, gcp.CredentialsFromConfig(cfg), gsheet.Scope)
	if err != nil {
		return nil, fmt.Errorf("sheets credentials: %w", err)
	}
	cli, err := gsheet.New(ctx, cfg.GoogleSpreadsheetID, gsheet.DefaultTabBase, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}
	f.logger.Info("Initialized Google Sheets exporter", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	return cli, nil
}
