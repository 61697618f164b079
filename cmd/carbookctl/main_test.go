package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbook/internal/auth"
	"carbook/internal/core"
	"carbook/internal/storage"
)

type ctlEnv struct {
	dbPath string
}

func newCtlEnv(t *testing.T) *ctlEnv {
	t.Helper()
	dir := t.TempDir()
	e := &ctlEnv{dbPath: filepath.Join(dir, "carbook.db")}
	t.Setenv("SQLITE_DB_PATH", e.dbPath)
	t.Setenv("RECEIPTS_DIR", filepath.Join(dir, "receipts"))
	t.Setenv("RECEIPTS_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AMQP_URL", "")
	t.Setenv("GOOGLE_SPREADSHEET_ID", "")
	t.Setenv("CARBOOK_CONFIG", "")
	return e
}

func (e *ctlEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(strings.NewReader(stdin), &out, &errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// seed adds a vehicle with two May records and one from June for the user.
func (e *ctlEnv) seed(t *testing.T, email string) string {
	t.Helper()
	ctx := context.Background()
	repo, err := storage.NewSQLiteRepository(e.dbPath)
	require.NoError(t, err)
	defer repo.Close()

	u, err := repo.GetUserByEmail(ctx, email)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, repo.CreateVehicle(ctx, core.Vehicle{ID: "veh-1", UserID: u.ID, Name: "Civic", CreatedAt: now}))

	odo := int64(42100)
	recs := []core.Record{
		{ID: "r1", Date: core.NewDate(2024, 5, 3), Category: core.CategoryFuel, Cost: core.Money{Cents: 4520}, Vendor: "Shell", Odometer: &odo},
		{ID: "r2", Date: core.NewDate(2024, 5, 20), Category: core.CategoryOil, Cost: core.Money{Cents: 2000}, Vendor: "Jiffy", ReceiptPaths: []string{"u/veh-1/r2/a.jpg"}},
		{ID: "r3", Date: core.NewDate(2024, 6, 1), Category: core.CategoryFuel, Cost: core.Money{Cents: 3900}},
	}
	for _, rec := range recs {
		rec.UserID, rec.VehicleID = u.ID, "veh-1"
		rec.CreatedAt, rec.UpdatedAt = now, now
		require.NoError(t, repo.CreateRecord(ctx, rec))
	}
	return "veh-1"
}

func TestMigrate(t *testing.T) {
	e := newCtlEnv(t)
	out, err := e.run(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite database is up to date at schema version 2")
}

func TestUserCommands(t *testing.T) {
	e := newCtlEnv(t)

	out, err := e.run(t, "", "user", "add", "Driver@Example.com", "--password", "correct horse")
	require.NoError(t, err)
	assert.Contains(t, out, "created user driver@example.com")

	_, err = e.run(t, "another password\n", "user", "add", "driver@example.com")
	assert.ErrorIs(t, err, auth.ErrEmailTaken)

	_, err = e.run(t, "", "user", "add", "short@example.com", "--password", "short")
	assert.ErrorIs(t, err, auth.ErrWeakPassword)

	_, err = e.run(t, "", "user", "add", "not-an-email", "--password", "correct horse")
	assert.ErrorIs(t, err, auth.ErrInvalidEmail)

	out, err = e.run(t, "battery staple\n", "user", "passwd", "driver@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "password updated for driver@example.com")

	_, err = e.run(t, "battery staple\n", "user", "passwd", "nobody@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVehiclesAndRecords(t *testing.T) {
	e := newCtlEnv(t)
	_, err := e.run(t, "", "user", "add", "driver@example.com", "--password", "correct horse")
	require.NoError(t, err)

	out, err := e.run(t, "", "vehicles", "list", "--user", "driver@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "has no vehicles")

	_, err = e.run(t, "", "vehicles", "list")
	assert.Error(t, err)

	vid := e.seed(t, "driver@example.com")

	out, err = e.run(t, "", "vehicles", "list", "-u", "driver@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "Civic")
	assert.Contains(t, out, vid)

	out, err = e.run(t, "", "records", "-u", "driver@example.com", "--vehicle", vid, "--month", "2024-05")
	require.NoError(t, err)
	assert.Contains(t, out, "Civic, 2024-05")
	assert.Contains(t, out, "42,100")
	assert.Contains(t, out, "Month total: $65.20 (2 records)")
	assert.NotContains(t, out, "2024-06-01")

	_, err = e.run(t, "", "records", "-u", "driver@example.com", "--vehicle", vid, "--month", "May")
	assert.ErrorIs(t, err, core.ErrInvalidMonth)

	_, err = e.run(t, "", "records", "-u", "driver@example.com", "--vehicle", "nope", "--month", "2024-05")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExportCSV(t *testing.T) {
	e := newCtlEnv(t)
	_, err := e.run(t, "", "user", "add", "driver@example.com", "--password", "correct horse")
	require.NoError(t, err)
	e.seed(t, "driver@example.com")

	out, err := e.run(t, "", "export", "csv", "-u", "driver@example.com", "--year", "2024")
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, []string{"r1", "r2", "r3"}, []string{rows[1][0], rows[2][0], rows[3][0]})
	assert.Equal(t, "45.20", rows[1][5])
	assert.Equal(t, "42100", rows[1][4])
	assert.Equal(t, "Civic", rows[2][2])

	path := filepath.Join(t.TempDir(), "out.csv")
	out, err = e.run(t, "", "export", "csv", "-u", "driver@example.com", "--year", "2023", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 0 records")
}

func TestResync(t *testing.T) {
	e := newCtlEnv(t)
	_, err := e.run(t, "", "user", "add", "driver@example.com", "--password", "correct horse")
	require.NoError(t, err)
	e.seed(t, "driver@example.com")

	out, err := e.run(t, "", "resync")
	require.NoError(t, err)
	assert.Contains(t, out, "exported 3 records")

	out, err = e.run(t, "", "resync")
	require.NoError(t, err)
	assert.Contains(t, out, "exported 0 records")

	out, err = e.run(t, "", "resync", "--user", "driver@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "marked 3 records of driver@example.com pending")
	assert.Contains(t, out, "exported 3 records")
}
