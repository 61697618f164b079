package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// ErrDirtySchema means an earlier migration failed halfway. It needs manual
// repair followed by `migrate force`.
var ErrDirtySchema = errors.New("database schema is dirty")

func migrationDriver(d Dialect, db *sql.DB) (database.Driver, error) {
	if d == DialectPostgres {
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: "carbook_schema_migrations"})
	}
	return sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: "carbook_schema_migrations"})
}

// RunMigrations brings the schema for d up to date over its own connection
// to dsn and returns the resulting schema version.
func RunMigrations(d Dialect, dsn string) (uint, error) {
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return 0, fmt.Errorf("open %s for migrations: %w", d, err)
	}
	defer db.Close()

	driver, err := migrationDriver(d, db)
	if err != nil {
		return 0, fmt.Errorf("%s migration driver: %w", d, err)
	}
	src, err := iofs.New(migrationsFS, "migrations/"+string(d))
	if err != nil {
		return 0, fmt.Errorf("load %s migrations: %w", d, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(d), driver)
	if err != nil {
		return 0, fmt.Errorf("prepare migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read schema version: %w", err)
	case dirty:
		return version, fmt.Errorf("%w at version %d", ErrDirtySchema, version)
	}
	return version, nil
}
