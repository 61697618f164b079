package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"carbook/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

// DefaultTabBase is prefixed with the record's year to name export tabs.
const DefaultTabBase = "Records"

// Scope is the OAuth scope the exporter needs.
const Scope = gsheet.SpreadsheetsScope

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	tabBase       string

	mu    sync.Mutex
	known map[string]bool
}

// Ensure interface conformance
var _ sheets.RecordExporter = (*Client)(nil)

// New creates a Sheets exporter for one spreadsheet. Credentials and endpoint
// come from opts.
func New(ctx context.Context, spreadsheetID, tabBase string, opts ...goption.ClientOption) (*Client, error) {
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if strings.TrimSpace(tabBase) == "" {
		tabBase = DefaultTabBase
	}
	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	slog.InfoContext(ctx, "Google Sheets service created", "component", "sheets", "spreadsheet_id", spreadsheetID)
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		tabBase:       tabBase,
		known:         make(map[string]bool),
	}, nil
}

// Upsert writes the record's row, replacing the existing one with the same ID.
func (c *Client) Upsert(ctx context.Context, row sheets.Row) error {
	if err := row.Record.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	tab := yearPrefixedName(c.tabBase, row.Record.Date.Year())
	if err := c.ensureTab(ctx, tab); err != nil {
		return err
	}

	values := toCells(row.Values())
	n, err := c.findRow(ctx, tab, row.Record.ID)
	if err != nil {
		return err
	}
	vr := &gsheet.ValueRange{Values: [][]any{values}}

	if n > 0 {
		rng := rowRange(tab, n)
		_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rng, vr).
			ValueInputOption("USER_ENTERED").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", rng, err)
		}
		return nil
	}

	rng := fmt.Sprintf("%s!A:%s", quote(tab), lastColumn())
	_, err = c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, vr).
		ValueInputOption("USER_ENTERED").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", tab, err)
	}
	return nil
}

// Delete clears the record's row. Rows are cleared rather than removed so
// row numbers held by concurrent writers stay valid.
func (c *Client) Delete(ctx context.Context, recordID string, year int) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	tab := yearPrefixedName(c.tabBase, year)
	n, err := c.findRow(ctx, tab, recordID)
	if err != nil || n == 0 {
		return err
	}
	rng := rowRange(tab, n)
	_, err = c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, rng, &gsheet.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", rng, err)
	}
	return nil
}

// findRow returns the 1-based row holding id in column A, or 0.
func (c *Client) findRow(ctx context.Context, tab, id string) (int, error) {
	rng := fmt.Sprintf("%s!A:A", quote(tab))
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		if isMissingTab(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", rng, err)
	}
	for i, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		if strings.TrimSpace(fmt.Sprint(row[0])) == id {
			return i + 1, nil
		}
	}
	return 0, nil
}

// ensureTab creates the year tab with a header row the first time it is used.
func (c *Client) ensureTab(ctx context.Context, tab string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.known[tab] {
		return nil
	}

	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read spreadsheet: %w", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			c.known[sh.Properties.Title] = true
		}
	}
	if c.known[tab] {
		return nil
	}

	req := &gsheet.BatchUpdateSpreadsheetRequest{Requests: []*gsheet.Request{{
		AddSheet: &gsheet.AddSheetRequest{Properties: &gsheet.SheetProperties{Title: tab}},
	}}}
	if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("create tab %s: %w", tab, err)
	}
	header := &gsheet.ValueRange{Values: [][]any{toCells(sheets.Header)}}
	if _, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rowRange(tab, 1), header).
		ValueInputOption("RAW").Context(ctx).Do(); err != nil {
		return fmt.Errorf("write header of %s: %w", tab, err)
	}
	slog.InfoContext(ctx, "Created export tab", "component", "sheets", "tab", tab)
	c.known[tab] = true
	return nil
}

func rowRange(tab string, n int) string {
	return fmt.Sprintf("%s!A%d:%s%d", quote(tab), n, lastColumn(), n)
}

func lastColumn() string {
	return string(rune('A' + len(sheets.Header) - 1))
}

// quote wraps a tab name for A1 notation.
func quote(tab string) string {
	return "'" + strings.ReplaceAll(tab, "'", "''") + "'"
}

func toCells(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func isMissingTab(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unable to parse range")
}

// yearPrefixedName returns "<year> <base>" unless base already starts with a 4-digit year.
func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}
