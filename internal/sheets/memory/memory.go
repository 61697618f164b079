package memory

import (
	"context"
	"sort"
	"sync"

	"carbook/internal/sheets"
)

// Exporter keeps exported rows in memory, keyed by tab and record ID.
type Exporter struct {
	mu   sync.Mutex
	tabs map[string]map[string][]string
}

var _ sheets.RecordExporter = (*Exporter)(nil)

func New() *Exporter {
	return &Exporter{tabs: make(map[string]map[string][]string)}
}

func (e *Exporter) Upsert(_ context.Context, row sheets.Row) error {
	if err := row.Record.Validate(); err != nil {
		return err
	}
	tab := sheets.TabName(row.Record.Date.Year())
	e.mu.Lock()
	defer e.mu.Unlock()
	rows, ok := e.tabs[tab]
	if !ok {
		rows = make(map[string][]string)
		e.tabs[tab] = rows
	}
	rows[row.Record.ID] = row.Values()
	return nil
}

func (e *Exporter) Delete(_ context.Context, recordID string, year int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tabs[sheets.TabName(year)], recordID)
	return nil
}

// Rows returns the rows of a tab ordered by record ID.
func (e *Exporter) Rows(tab string) [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.tabs[tab]))
	for id := range e.tabs[tab] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([][]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, append([]string(nil), e.tabs[tab][id]...))
	}
	return out
}

// Len reports how many rows are exported across all tabs.
func (e *Exporter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, rows := range e.tabs {
		n += len(rows)
	}
	return n
}
