package storage

import (
	"database/sql"
	"time"
)

// Sync states of a record's export.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncError   = "error"
)

// Session is a persisted login. Only the token hash is stored.
type Session struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// MagicLink is a pending passwordless sign-in.
type MagicLink struct {
	TokenHash  string
	Email      string
	RedirectTo string
	ExpiresAt  time.Time
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// SyncState is the export status stored alongside a record.
type SyncState struct {
	Status string
	Error  string
	// ExportedYear is the tab year of the last successful export, 0 if none.
	ExportedYear int
}

type userRow struct {
	ID           string
	Email        string
	PasswordHash sql.NullString
	CreatedAt    string
}

type vehicleRow struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt string
}

type recordRow struct {
	ID         string
	UserID     string
	VehicleID  string
	Date       string
	Category   string
	Odometer   sql.NullInt64
	CostCents  int64
	Vendor     sql.NullString
	Notes      sql.NullString
	SyncStatus string
	SyncError  sql.NullString
	CreatedAt  string
	UpdatedAt  string
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
