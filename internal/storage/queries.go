package storage

import (
	"context"
	"database/sql"
	"strings"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries holds the SQL of the repository, written once with ? placeholders.
type Queries struct {
	db      DBTX
	dialect Dialect
}

func New(db DBTX, dialect Dialect) *Queries {
	return &Queries{db: db, dialect: dialect}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx, dialect: q.dialect}
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.dialect.Rebind(query), args...)
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.dialect.Rebind(query), args...)
}

// ---- users ----

const createUser = `INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`

func (q *Queries) CreateUser(ctx context.Context, u userRow) error {
	_, err := q.exec(ctx, createUser, u.ID, u.Email, u.PasswordHash, u.CreatedAt)
	return err
}

const selectUser = `SELECT id, email, password_hash, created_at FROM users `

func (q *Queries) GetUserByEmail(ctx context.Context, email string) (userRow, error) {
	var u userRow
	err := q.queryRow(ctx, selectUser+`WHERE email = ?`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

func (q *Queries) GetUserByID(ctx context.Context, id string) (userRow, error) {
	var u userRow
	err := q.queryRow(ctx, selectUser+`WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

func (q *Queries) SetPassword(ctx context.Context, userID, hash string) (int64, error) {
	return q.exec(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, hash, userID)
}

// ---- sessions ----

func (q *Queries) CreateSession(ctx context.Context, s Session) error {
	_, err := q.exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		s.TokenHash, s.UserID, formatTime(s.ExpiresAt), formatTime(s.CreatedAt))
	return err
}

func (q *Queries) GetSession(ctx context.Context, tokenHash string) (Session, error) {
	var s Session
	var expires, created string
	err := q.queryRow(ctx,
		`SELECT token_hash, user_id, expires_at, created_at FROM sessions WHERE token_hash = ?`, tokenHash).
		Scan(&s.TokenHash, &s.UserID, &expires, &created)
	s.ExpiresAt, s.CreatedAt = parseTime(expires), parseTime(created)
	return s, err
}

func (q *Queries) DeleteSession(ctx context.Context, tokenHash string) (int64, error) {
	return q.exec(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
}

func (q *Queries) DeleteExpiredSessions(ctx context.Context, now string) (int64, error) {
	return q.exec(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
}

// ---- magic links ----

func (q *Queries) CreateMagicLink(ctx context.Context, m MagicLink) error {
	_, err := q.exec(ctx,
		`INSERT INTO magic_links (token_hash, email, redirect_to, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.TokenHash, m.Email, m.RedirectTo, formatTime(m.ExpiresAt), formatTime(m.CreatedAt))
	return err
}

// MarkMagicLinkUsed claims an unused, unexpired link. Zero rows means the
// link is unknown, spent or expired.
func (q *Queries) MarkMagicLinkUsed(ctx context.Context, tokenHash, now string) (int64, error) {
	return q.exec(ctx,
		`UPDATE magic_links SET used_at = ? WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?`,
		now, tokenHash, now)
}

func (q *Queries) GetMagicLink(ctx context.Context, tokenHash string) (MagicLink, error) {
	var m MagicLink
	var expires, created string
	var used sql.NullString
	err := q.queryRow(ctx,
		`SELECT token_hash, email, redirect_to, expires_at, used_at, created_at FROM magic_links WHERE token_hash = ?`, tokenHash).
		Scan(&m.TokenHash, &m.Email, &m.RedirectTo, &expires, &used, &created)
	m.ExpiresAt, m.CreatedAt = parseTime(expires), parseTime(created)
	if used.Valid {
		t := parseTime(used.String)
		m.UsedAt = &t
	}
	return m, err
}

func (q *Queries) DeleteStaleMagicLinks(ctx context.Context, before string) (int64, error) {
	return q.exec(ctx, `DELETE FROM magic_links WHERE expires_at <= ?`, before)
}

// ---- vehicles ----

func (q *Queries) CreateVehicle(ctx context.Context, v vehicleRow) error {
	_, err := q.exec(ctx,
		`INSERT INTO vehicles (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		v.ID, v.UserID, v.Name, v.CreatedAt)
	return err
}

const selectVehicle = `SELECT id, user_id, name, created_at FROM vehicles `

func (q *Queries) ListVehicles(ctx context.Context, userID string) ([]vehicleRow, error) {
	rows, err := q.query(ctx, selectVehicle+`WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []vehicleRow
	for rows.Next() {
		var v vehicleRow
		if err := rows.Scan(&v.ID, &v.UserID, &v.Name, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (q *Queries) GetVehicle(ctx context.Context, userID, id string) (vehicleRow, error) {
	var v vehicleRow
	err := q.queryRow(ctx, selectVehicle+`WHERE id = ? AND user_id = ?`, id, userID).
		Scan(&v.ID, &v.UserID, &v.Name, &v.CreatedAt)
	return v, err
}

func (q *Queries) RenameVehicle(ctx context.Context, userID, id, name string) (int64, error) {
	return q.exec(ctx, `UPDATE vehicles SET name = ? WHERE id = ? AND user_id = ?`, name, id, userID)
}

func (q *Queries) DeleteVehicle(ctx context.Context, userID, id string) (int64, error) {
	return q.exec(ctx, `DELETE FROM vehicles WHERE id = ? AND user_id = ?`, id, userID)
}

func (q *Queries) VehicleReceiptPaths(ctx context.Context, userID, vehicleID string) ([]string, error) {
	rows, err := q.query(ctx, `
		SELECT rr.path FROM record_receipts rr
		JOIN records r ON r.id = rr.record_id
		WHERE r.user_id = ? AND r.vehicle_id = ?
		ORDER BY r.id, rr.position`, userID, vehicleID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// ---- records ----

const insertRecord = `
INSERT INTO records (id, user_id, vehicle_id, date, category, odometer, cost_cents, vendor, notes, sync_status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`

func (q *Queries) CreateRecord(ctx context.Context, r recordRow) error {
	_, err := q.exec(ctx, insertRecord,
		r.ID, r.UserID, r.VehicleID, r.Date, r.Category, r.Odometer, r.CostCents,
		r.Vendor, r.Notes, r.CreatedAt, r.UpdatedAt)
	return err
}

const updateRecord = `
UPDATE records
SET vehicle_id = ?, date = ?, category = ?, odometer = ?, cost_cents = ?, vendor = ?, notes = ?,
    sync_status = 'pending', sync_error = NULL, updated_at = ?
WHERE id = ? AND user_id = ?`

func (q *Queries) UpdateRecord(ctx context.Context, r recordRow) (int64, error) {
	return q.exec(ctx, updateRecord,
		r.VehicleID, r.Date, r.Category, r.Odometer, r.CostCents, r.Vendor, r.Notes,
		r.UpdatedAt, r.ID, r.UserID)
}

// TouchRecord bumps updated_at and re-queues the export, scoped by owner.
func (q *Queries) TouchRecord(ctx context.Context, userID, id, now string) (int64, error) {
	return q.exec(ctx,
		`UPDATE records SET updated_at = ?, sync_status = 'pending', sync_error = NULL WHERE id = ? AND user_id = ?`,
		now, id, userID)
}

const selectRecord = `
SELECT id, user_id, vehicle_id, date, category, odometer, cost_cents, vendor, notes,
       sync_status, sync_error, created_at, updated_at
FROM records `

func (q *Queries) GetRecord(ctx context.Context, userID, id string) (recordRow, error) {
	row := q.queryRow(ctx, selectRecord+`WHERE id = ? AND user_id = ?`, id, userID)
	return scanRecord(row)
}

func (q *Queries) ListRecentRecords(ctx context.Context, userID, vehicleID string, limit int) ([]recordRow, error) {
	rows, err := q.query(ctx, selectRecord+`
		WHERE user_id = ? AND vehicle_id = ?
		ORDER BY date DESC, created_at DESC
		LIMIT ?`, userID, vehicleID, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (q *Queries) ListRecordsBetween(ctx context.Context, userID, vehicleID, from, to string) ([]recordRow, error) {
	rows, err := q.query(ctx, selectRecord+`
		WHERE user_id = ? AND vehicle_id = ? AND date >= ? AND date <= ?
		ORDER BY date DESC, created_at DESC`, userID, vehicleID, from, to)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (q *Queries) ListPendingSync(ctx context.Context, limit int) ([]recordRow, error) {
	rows, err := q.query(ctx, selectRecord+`
		WHERE sync_status IN ('pending', 'error')
		ORDER BY CASE sync_status WHEN 'pending' THEN 0 ELSE 1 END,
		         CASE sync_status WHEN 'pending' THEN updated_at ELSE COALESCE(sync_attempted_at, updated_at) END ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (q *Queries) DeleteRecord(ctx context.Context, userID, id string) (int64, error) {
	return q.exec(ctx, `DELETE FROM records WHERE id = ? AND user_id = ?`, id, userID)
}

// SetSyncState records the outcome of an export attempt. A null exportedYear
// keeps the stored one.
func (q *Queries) SetSyncState(ctx context.Context, id, status string, syncErr sql.NullString, exportedYear sql.NullInt64, now string) (int64, error) {
	return q.exec(ctx, `
		UPDATE records SET sync_status = ?, sync_error = ?, exported_year = COALESCE(?, exported_year), sync_attempted_at = ?
		WHERE id = ?`, status, syncErr, exportedYear, now, id)
}

func (q *Queries) ExportedYear(ctx context.Context, id string) (sql.NullInt64, error) {
	var year sql.NullInt64
	err := q.queryRow(ctx, `SELECT exported_year FROM records WHERE id = ?`, id).Scan(&year)
	return year, err
}

func (q *Queries) CountPendingSync(ctx context.Context) (int64, error) {
	var n int64
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM records WHERE sync_status = 'pending'`).Scan(&n)
	return n, err
}

func (q *Queries) ResetSync(ctx context.Context, userID string) (int64, error) {
	return q.exec(ctx, `UPDATE records SET sync_status = 'pending', sync_error = NULL WHERE user_id = ?`, userID)
}

// ---- receipts ----

func (q *Queries) MaxReceiptPosition(ctx context.Context, recordID string) (int64, error) {
	var pos int64
	err := q.queryRow(ctx, `SELECT COALESCE(MAX(position), -1) FROM record_receipts WHERE record_id = ?`, recordID).Scan(&pos)
	return pos, err
}

func (q *Queries) InsertReceipt(ctx context.Context, recordID, path string, position int64, now string) (int64, error) {
	return q.exec(ctx, `
		INSERT INTO record_receipts (record_id, path, position, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (record_id, path) DO NOTHING`, recordID, path, position, now)
}

func (q *Queries) DeleteReceipt(ctx context.Context, recordID, path string) (int64, error) {
	return q.exec(ctx, `DELETE FROM record_receipts WHERE record_id = ? AND path = ?`, recordID, path)
}

func (q *Queries) ReceiptPaths(ctx context.Context, recordID string) ([]string, error) {
	rows, err := q.query(ctx, `SELECT path FROM record_receipts WHERE record_id = ? ORDER BY position`, recordID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// ReceiptPathsFor loads the receipts of several records at once.
func (q *Queries) ReceiptPathsFor(ctx context.Context, recordIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(recordIDs))
	if len(recordIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(recordIDs))
	for i, id := range recordIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(recordIDs)), ",")
	rows, err := q.query(ctx, `SELECT record_id, path FROM record_receipts WHERE record_id IN (`+placeholders+`) ORDER BY record_id, position`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, err
		}
		out[id] = append(out[id], path)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (recordRow, error) {
	var r recordRow
	err := s.Scan(&r.ID, &r.UserID, &r.VehicleID, &r.Date, &r.Category, &r.Odometer, &r.CostCents,
		&r.Vendor, &r.Notes, &r.SyncStatus, &r.SyncError, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func scanRecords(rows *sql.Rows) ([]recordRow, error) {
	defer rows.Close()
	var out []recordRow
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
