package backend

import (
	"context"

	"carbook/internal/amqp"
	"carbook/internal/blob"
	"carbook/internal/config"
	"carbook/internal/sheets"
	"carbook/internal/storage"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// Backend is the set of infrastructure a process runs on. AMQP is nil when
// no broker is configured; Exporter is only built for the worker.
type Backend struct {
	Repo     *storage.Repository
	Bucket   blob.Bucket
	Resolver *blob.Resolver
	Exporter sheets.RecordExporter
	AMQP     *amqp.Client
	Cleanup  CleanupFunc
}

// Options selects the optional parts of a backend.
type Options struct {
	// Exporter builds the sheet exporter (Google when configured, memory otherwise).
	Exporter bool
	// RequireAMQP fails creation instead of degrading when the broker is down.
	RequireAMQP bool
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, cfg *config.Config, opts Options) (*Backend, error)
}

// DatabaseType represents the SQL database in use
type DatabaseType string

const (
	SQLiteDatabase   DatabaseType = "sqlite"
	PostgresDatabase DatabaseType = "postgres"
)

// BlobType represents where receipt images live
type BlobType string

const (
	LocalBlob BlobType = "local"
	GCSBlob   BlobType = "gcs"
)

// String implements fmt.Stringer
func (bt BlobType) String() string {
	return string(bt)
}

// IsValid returns true if the blob type is valid
func (bt BlobType) IsValid() bool {
	switch bt {
	case LocalBlob, GCSBlob:
		return true
	default:
		return false
	}
}
