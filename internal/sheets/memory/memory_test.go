package memory

import (
	"context"
	"errors"
	"testing"

	"carbook/internal/core"
	"carbook/internal/sheets"
)

func record(id, date string, cents int64) core.Record {
	d, _ := core.ParseDate(date)
	return core.Record{
		ID: id, UserID: "u1", VehicleID: "v1",
		Date: d, Category: core.CategoryFuel, Cost: core.Money{Cents: cents},
	}
}

func TestExporterUpsertReplacesRow(t *testing.T) {
	e := New()
	ctx := context.Background()

	if err := e.Upsert(ctx, sheets.Row{Record: record("r1", "2024-03-01", 1000), VehicleName: "Civic"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := e.Upsert(ctx, sheets.Row{Record: record("r1", "2024-03-01", 2500), VehicleName: "Civic"}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	rows := e.Rows("2024 Records")
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0][5] != "25.00" {
		t.Errorf("cost column = %q, want 25.00", rows[0][5])
	}
}

func TestExporterTabsPerYear(t *testing.T) {
	e := New()
	ctx := context.Background()

	_ = e.Upsert(ctx, sheets.Row{Record: record("r1", "2023-12-31", 100)})
	_ = e.Upsert(ctx, sheets.Row{Record: record("r2", "2024-01-01", 100)})

	if got := len(e.Rows("2023 Records")); got != 1 {
		t.Errorf("2023 rows = %d, want 1", got)
	}
	if got := len(e.Rows("2024 Records")); got != 1 {
		t.Errorf("2024 rows = %d, want 1", got)
	}

	if err := e.Delete(ctx, "r1", 2023); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := e.Delete(ctx, "missing", 2030); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
	if e.Len() != 1 {
		t.Errorf("Len() = %d, want 1", e.Len())
	}
}

func TestExporterRejectsInvalidRecord(t *testing.T) {
	e := New()
	rec := record("r1", "2024-03-01", 100)
	rec.Category = "bogus"

	err := e.Upsert(context.Background(), sheets.Row{Record: rec})
	if !errors.Is(err, core.ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
}
