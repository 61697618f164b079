package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"carbook/internal/core"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DefaultRecentLimit caps the recent-records listing.
const DefaultRecentLimit = 200

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Repository persists users, sessions, vehicles and records.
type Repository struct {
	db      *sql.DB
	queries *Queries
	dialect Dialect
	schema  uint
	now     func() time.Time
}

// NewSQLiteRepository opens (and migrates) a SQLite database file.
func NewSQLiteRepository(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	return open(DialectSQLite, SQLiteDSN(dbPath))
}

// NewPostgresRepository opens (and migrates) a Postgres database.
func NewPostgresRepository(databaseURL string) (*Repository, error) {
	return open(DialectPostgres, databaseURL)
}

func open(d Dialect, dsn string) (*Repository, error) {
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d, err)
	}
	if d == DialectSQLite {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := RunMigrations(d, dsn)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{
		db:      db,
		queries: New(db, d),
		dialect: d,
		schema:  version,
		now:     time.Now,
	}, nil
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks database connectivity for readiness probes.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SchemaVersion is the migration version the database was left at on open.
func (r *Repository) SchemaVersion() uint {
	return r.schema
}

// Dialect reports which database the repository talks to.
func (r *Repository) Dialect() Dialect {
	return r.dialect
}

func (r *Repository) inTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(r.queries.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func affected(n int64, err error, what string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// ---- users ----

func (r *Repository) CreateUser(ctx context.Context, u core.User) error {
	err := r.queries.CreateUser(ctx, userRow{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: nullString(u.PasswordHash),
		CreatedAt:    formatTime(u.CreatedAt),
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("create user %s: %w", u.Email, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (core.User, error) {
	row, err := r.queries.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return core.User{}, notFound(err, "user")
	}
	return toUser(row), nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (core.User, error) {
	row, err := r.queries.GetUserByID(ctx, id)
	if err != nil {
		return core.User{}, notFound(err, "user")
	}
	return toUser(row), nil
}

func (r *Repository) SetPassword(ctx context.Context, userID, hash string) error {
	n, err := r.queries.SetPassword(ctx, userID, hash)
	return affected(n, err, "set password")
}

// ---- sessions ----

func (r *Repository) CreateSession(ctx context.Context, s Session) error {
	if err := r.queries.CreateSession(ctx, s); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, tokenHash string) (Session, error) {
	s, err := r.queries.GetSession(ctx, tokenHash)
	if err != nil {
		return Session{}, notFound(err, "session")
	}
	return s, nil
}

func (r *Repository) DeleteSession(ctx context.Context, tokenHash string) error {
	if _, err := r.queries.DeleteSession(ctx, tokenHash); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes expired sessions and magic links.
func (r *Repository) DeleteExpired(ctx context.Context) (int64, error) {
	now := formatTime(r.now())
	sessions, err := r.queries.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	links, err := r.queries.DeleteStaleMagicLinks(ctx, now)
	if err != nil {
		return sessions, fmt.Errorf("delete stale magic links: %w", err)
	}
	return sessions + links, nil
}

// ---- magic links ----

func (r *Repository) CreateMagicLink(ctx context.Context, m MagicLink) error {
	if err := r.queries.CreateMagicLink(ctx, m); err != nil {
		return fmt.Errorf("create magic link: %w", err)
	}
	return nil
}

// ConsumeMagicLink atomically marks a link used and returns it. Unknown,
// expired or already used links yield ErrNotFound.
func (r *Repository) ConsumeMagicLink(ctx context.Context, tokenHash string) (MagicLink, error) {
	var link MagicLink
	err := r.inTx(ctx, func(q *Queries) error {
		n, err := q.MarkMagicLinkUsed(ctx, tokenHash, formatTime(r.now()))
		if err := affected(n, err, "consume magic link"); err != nil {
			return err
		}
		link, err = q.GetMagicLink(ctx, tokenHash)
		if err != nil {
			return notFound(err, "magic link")
		}
		return nil
	})
	return link, err
}

// ---- vehicles ----

func (r *Repository) CreateVehicle(ctx context.Context, v core.Vehicle) error {
	err := r.queries.CreateVehicle(ctx, vehicleRow{
		ID:        v.ID,
		UserID:    v.UserID,
		Name:      v.Name,
		CreatedAt: formatTime(v.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("create vehicle: %w", err)
	}
	return nil
}

// ListVehicles returns the user's vehicles, newest first.
func (r *Repository) ListVehicles(ctx context.Context, userID string) ([]core.Vehicle, error) {
	rows, err := r.queries.ListVehicles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	out := make([]core.Vehicle, 0, len(rows))
	for _, row := range rows {
		out = append(out, toVehicle(row))
	}
	return out, nil
}

func (r *Repository) GetVehicle(ctx context.Context, userID, id string) (core.Vehicle, error) {
	row, err := r.queries.GetVehicle(ctx, userID, id)
	if err != nil {
		return core.Vehicle{}, notFound(err, "vehicle")
	}
	return toVehicle(row), nil
}

func (r *Repository) RenameVehicle(ctx context.Context, userID, id, name string) error {
	n, err := r.queries.RenameVehicle(ctx, userID, id, name)
	return affected(n, err, "rename vehicle")
}

// DeleteVehicle removes a vehicle with its records and returns the receipt
// paths that were attached to them.
func (r *Repository) DeleteVehicle(ctx context.Context, userID, id string) ([]string, error) {
	var paths []string
	err := r.inTx(ctx, func(q *Queries) error {
		var err error
		paths, err = q.VehicleReceiptPaths(ctx, userID, id)
		if err != nil {
			return fmt.Errorf("collect receipts: %w", err)
		}
		n, err := q.DeleteVehicle(ctx, userID, id)
		return affected(n, err, "delete vehicle")
	})
	return paths, err
}

// ---- records ----

// CreateRecord inserts a record together with any receipt paths it carries.
func (r *Repository) CreateRecord(ctx context.Context, rec core.Record) error {
	row := fromRecord(rec)
	return r.inTx(ctx, func(q *Queries) error {
		if err := q.CreateRecord(ctx, row); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("create record %s: %w", rec.ID, ErrConflict)
			}
			return fmt.Errorf("create record: %w", err)
		}
		return appendReceipts(ctx, q, rec.ID, rec.ReceiptPaths, row.UpdatedAt)
	})
}

// UpdateRecord rewrites the editable fields of a record owned by the user.
// Receipt paths are left untouched; use AddReceiptPaths to attach more.
func (r *Repository) UpdateRecord(ctx context.Context, rec core.Record) error {
	n, err := r.queries.UpdateRecord(ctx, fromRecord(rec))
	return affected(n, err, "update record")
}

func (r *Repository) GetRecord(ctx context.Context, userID, id string) (core.Record, error) {
	row, err := r.queries.GetRecord(ctx, userID, id)
	if err != nil {
		return core.Record{}, notFound(err, "record")
	}
	paths, err := r.queries.ReceiptPaths(ctx, id)
	if err != nil {
		return core.Record{}, fmt.Errorf("load receipts: %w", err)
	}
	rec, err := toRecord(row)
	if err != nil {
		return core.Record{}, err
	}
	rec.ReceiptPaths = paths
	return rec, nil
}

// SyncState returns the export status of a record.
func (r *Repository) SyncState(ctx context.Context, userID, id string) (SyncState, error) {
	row, err := r.queries.GetRecord(ctx, userID, id)
	if err != nil {
		return SyncState{}, notFound(err, "record")
	}
	year, err := r.queries.ExportedYear(ctx, id)
	if err != nil {
		return SyncState{}, fmt.Errorf("exported year: %w", err)
	}
	return SyncState{Status: row.SyncStatus, Error: row.SyncError.String, ExportedYear: int(year.Int64)}, nil
}

// ListRecentRecords returns the latest records of a vehicle ordered by date,
// then creation time, newest first.
func (r *Repository) ListRecentRecords(ctx context.Context, userID, vehicleID string, limit int) ([]core.Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := r.queries.ListRecentRecords(ctx, userID, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return r.hydrate(ctx, rows)
}

// ListRecordsBetween returns records dated within [from, to].
func (r *Repository) ListRecordsBetween(ctx context.Context, userID, vehicleID string, from, to core.Date) ([]core.Record, error) {
	rows, err := r.queries.ListRecordsBetween(ctx, userID, vehicleID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("list records between: %w", err)
	}
	return r.hydrate(ctx, rows)
}

// ListPendingSync returns records whose export is pending, oldest change
// first, followed by failed ones, least recently attempted first.
func (r *Repository) ListPendingSync(ctx context.Context, limit int) ([]core.Record, error) {
	rows, err := r.queries.ListPendingSync(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending sync: %w", err)
	}
	return r.hydrate(ctx, rows)
}

// DeleteRecord removes a record and returns its receipt paths.
func (r *Repository) DeleteRecord(ctx context.Context, userID, id string) ([]string, error) {
	var paths []string
	err := r.inTx(ctx, func(q *Queries) error {
		if _, err := q.GetRecord(ctx, userID, id); err != nil {
			return notFound(err, "record")
		}
		var err error
		paths, err = q.ReceiptPaths(ctx, id)
		if err != nil {
			return fmt.Errorf("collect receipts: %w", err)
		}
		n, err := q.DeleteRecord(ctx, userID, id)
		return affected(n, err, "delete record")
	})
	return paths, err
}

// AddReceiptPaths attaches paths to a record owned by the user, skipping ones
// already attached, and returns the full ordered list.
func (r *Repository) AddReceiptPaths(ctx context.Context, userID, recordID string, paths []string) ([]string, error) {
	var merged []string
	err := r.inTx(ctx, func(q *Queries) error {
		now := formatTime(r.now())
		n, err := q.TouchRecord(ctx, userID, recordID, now)
		if err := affected(n, err, "attach receipts"); err != nil {
			return err
		}
		if err := appendReceipts(ctx, q, recordID, paths, now); err != nil {
			return err
		}
		merged, err = q.ReceiptPaths(ctx, recordID)
		if err != nil {
			return fmt.Errorf("load receipts: %w", err)
		}
		return nil
	})
	return merged, err
}

// RemoveReceiptPath detaches one receipt from a record owned by the user.
func (r *Repository) RemoveReceiptPath(ctx context.Context, userID, recordID, path string) error {
	return r.inTx(ctx, func(q *Queries) error {
		n, err := q.TouchRecord(ctx, userID, recordID, formatTime(r.now()))
		if err := affected(n, err, "detach receipt"); err != nil {
			return err
		}
		n, err = q.DeleteReceipt(ctx, recordID, path)
		return affected(n, err, "detach receipt")
	})
}

func appendReceipts(ctx context.Context, q *Queries, recordID string, paths []string, now string) error {
	paths = core.MergeReceiptPaths(nil, paths)
	if len(paths) == 0 {
		return nil
	}
	pos, err := q.MaxReceiptPosition(ctx, recordID)
	if err != nil {
		return fmt.Errorf("receipt position: %w", err)
	}
	for _, p := range paths {
		pos++
		if _, err := q.InsertReceipt(ctx, recordID, p, pos, now); err != nil {
			return fmt.Errorf("attach receipt %s: %w", p, err)
		}
	}
	return nil
}

// ---- sync ----

// CountPendingSync reports how many records have never been attempted since
// their last change.
func (r *Repository) CountPendingSync(ctx context.Context) (int64, error) {
	n, err := r.queries.CountPendingSync(ctx)
	if err != nil {
		return 0, fmt.Errorf("count pending sync: %w", err)
	}
	return n, nil
}

// MarkSynced records that the record's row now lives in the tab of year.
func (r *Repository) MarkSynced(ctx context.Context, id string, year int) error {
	n, err := r.queries.SetSyncState(ctx, id, SyncSynced, sql.NullString{},
		sql.NullInt64{Int64: int64(year), Valid: true}, formatTime(r.now()))
	return affected(n, err, "mark synced")
}

func (r *Repository) MarkSyncError(ctx context.Context, id string, syncErr error) error {
	msg := "unknown error"
	if syncErr != nil {
		msg = syncErr.Error()
	}
	n, err := r.queries.SetSyncState(ctx, id, SyncError, nullString(msg), sql.NullInt64{}, formatTime(r.now()))
	return affected(n, err, "mark sync error")
}

// ResetSync re-queues every record of a user for export.
func (r *Repository) ResetSync(ctx context.Context, userID string) (int64, error) {
	n, err := r.queries.ResetSync(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("reset sync: %w", err)
	}
	return n, nil
}

func (r *Repository) hydrate(ctx context.Context, rows []recordRow) ([]core.Record, error) {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	receipts, err := r.queries.ReceiptPathsFor(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load receipts: %w", err)
	}
	out := make([]core.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := toRecord(row)
		if err != nil {
			slog.WarnContext(ctx, "Skipping unreadable record", "record_id", row.ID, "error", err)
			continue
		}
		rec.ReceiptPaths = receipts[row.ID]
		out = append(out, rec)
	}
	return out, nil
}

func toUser(row userRow) core.User {
	return core.User{
		ID:           row.ID,
		Email:        row.Email,
		PasswordHash: row.PasswordHash.String,
		CreatedAt:    parseTime(row.CreatedAt),
	}
}

func toVehicle(row vehicleRow) core.Vehicle {
	return core.Vehicle{
		ID:        row.ID,
		UserID:    row.UserID,
		Name:      row.Name,
		CreatedAt: parseTime(row.CreatedAt),
	}
}

func toRecord(row recordRow) (core.Record, error) {
	d, err := core.ParseDate(row.Date)
	if err != nil {
		return core.Record{}, err
	}
	rec := core.Record{
		ID:        row.ID,
		UserID:    row.UserID,
		VehicleID: row.VehicleID,
		Date:      d,
		Category:  core.Category(row.Category),
		Cost:      core.Money{Cents: row.CostCents},
		Vendor:    row.Vendor.String,
		Notes:     row.Notes.String,
		CreatedAt: parseTime(row.CreatedAt),
		UpdatedAt: parseTime(row.UpdatedAt),
	}
	if row.Odometer.Valid {
		v := row.Odometer.Int64
		rec.Odometer = &v
	}
	return rec, nil
}

func fromRecord(rec core.Record) recordRow {
	return recordRow{
		ID:        rec.ID,
		UserID:    rec.UserID,
		VehicleID: rec.VehicleID,
		Date:      rec.Date.String(),
		Category:  string(rec.Category),
		Odometer:  nullInt(rec.Odometer),
		CostCents: rec.Cost.Cents,
		Vendor:    nullString(rec.Vendor),
		Notes:     nullString(rec.Notes),
		CreatedAt: formatTime(rec.CreatedAt),
		UpdatedAt: formatTime(rec.UpdatedAt),
	}
}
