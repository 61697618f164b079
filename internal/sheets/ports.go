package sheets

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"carbook/internal/core"
)

// Header is the column layout of an export tab.
var Header = []string{"ID", "Date", "Vehicle", "Category", "Odometer", "Cost", "Vendor", "Notes", "Receipts"}

// Row is one exported record.
type Row struct {
	Record      core.Record
	VehicleName string
}

// Values renders the row in Header order. Cost is a plain decimal and the
// odometer a bare integer so spreadsheets parse them as numbers.
func (r Row) Values() []string {
	rec := r.Record
	odo := ""
	if rec.Odometer != nil {
		odo = strconv.FormatInt(*rec.Odometer, 10)
	}
	return []string{
		rec.ID,
		rec.Date.String(),
		r.VehicleName,
		rec.Category.Label(),
		odo,
		rec.Cost.String(),
		rec.Vendor,
		rec.Notes,
		strings.Join(rec.ReceiptPaths, "\n"),
	}
}

// TabName is the per-year tab records are exported to.
func TabName(year int) string {
	return fmt.Sprintf("%d Records", year)
}

// RecordExporter mirrors records into an external sheet. Upsert replaces the
// row with the same record ID; Delete is a no-op for unknown IDs.
type RecordExporter interface {
	Upsert(ctx context.Context, row Row) error
	Delete(ctx context.Context, recordID string, year int) error
}
