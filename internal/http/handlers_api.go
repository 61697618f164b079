package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"carbook/internal/core"
	applog "carbook/internal/log"
	"carbook/internal/services"
)

type vehicleJSON struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type receiptJSON struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

type recordJSON struct {
	ID            string        `json:"id"`
	VehicleID     string        `json:"vehicle_id"`
	Date          string        `json:"date"`
	Category      string        `json:"category"`
	CategoryLabel string        `json:"category_label"`
	Odometer      *int64        `json:"odometer,omitempty"`
	Cost          string        `json:"cost"`
	CostCents     int64         `json:"cost_cents"`
	Vendor        string        `json:"vendor,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	ReceiptCount  int           `json:"receipt_count"`
	Receipts      []receiptJSON `json:"receipts,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type categoryJSON struct {
	Category string `json:"category"`
	Label    string `json:"label"`
	Amount   string `json:"amount"`
	Count    int    `json:"count"`
}

type summaryJSON struct {
	Month      string         `json:"month"`
	Total      string         `json:"total"`
	TotalCents int64          `json:"total_cents"`
	Count      int            `json:"count"`
	ByCategory []categoryJSON `json:"by_category"`
}

// recordInput is the JSON body for creating a record. Cost and odometer
// accept either numbers or strings.
type recordInput struct {
	Date     string      `json:"date"`
	Category string      `json:"category"`
	Odometer looseNumber `json:"odometer"`
	Cost     looseNumber `json:"cost"`
	Vendor   string      `json:"vendor"`
	Notes    string      `json:"notes"`
}

// form maps the body onto the record form. Typed numbers are not
// keystroke-normalized: a sign or an exponent is rejected, not stripped.
func (in recordInput) form() (RecordForm, error) {
	odometer, err := plainNumber(in.Odometer, core.ErrInvalidOdometer)
	if err != nil {
		return RecordForm{}, err
	}
	cost, err := plainNumber(in.Cost, core.ErrInvalidAmount)
	if err != nil {
		return RecordForm{}, err
	}
	return RecordForm{
		Date:     sanitizeInput(in.Date),
		Category: sanitizeInput(in.Category),
		Odometer: sanitizeInput(odometer),
		Cost:     sanitizeInput(cost),
		Vendor:   sanitizeInput(in.Vendor),
		Notes:    sanitizeInput(in.Notes),
	}, nil
}

// looseNumber holds a JSON number literal or the text of a JSON string.
type looseNumber string

func (n *looseNumber) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = looseNumber(s)
		return nil
	}
	if len(b) == 0 || (b[0] != '-' && (b[0] < '0' || b[0] > '9')) {
		return fmt.Errorf("expected a number or a string, got %s", b)
	}
	*n = looseNumber(b)
	return nil
}

func plainNumber(n looseNumber, invalid error) (string, error) {
	v := strings.TrimSpace(string(n))
	if strings.HasPrefix(v, "-") || strings.ContainsAny(v, "eE") {
		return "", fmt.Errorf("%w: %s", invalid, v)
	}
	return v, nil
}

func toVehicleJSON(v core.Vehicle) vehicleJSON {
	return vehicleJSON{ID: v.ID, Name: v.Name, CreatedAt: v.CreatedAt}
}

func toRecordJSON(rec core.Record) recordJSON {
	return recordJSON{
		ID:            rec.ID,
		VehicleID:     rec.VehicleID,
		Date:          rec.Date.String(),
		Category:      string(rec.Category),
		CategoryLabel: rec.Category.Label(),
		Odometer:      rec.Odometer,
		Cost:          rec.Cost.String(),
		CostCents:     rec.Cost.Cents,
		Vendor:        rec.Vendor,
		Notes:         rec.Notes,
		ReceiptCount:  len(rec.ReceiptPaths),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

// apiError logs err and writes it as JSON.
func (s *Server) apiError(w http.ResponseWriter, r *http.Request, msg string, err error, fields applog.LogFields) {
	status := s.logError(r, msg, err, fields)
	writeJSONError(w, status, userMessage(err))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidForm, err)
	}
	return nil
}

func (s *Server) apiListVehicles(w http.ResponseWriter, r *http.Request, user core.User) {
	vehicles, err := s.vehicles.List(r.Context(), user.ID)
	if err != nil {
		s.apiError(w, r, "Failed to list vehicles", err, applog.NewFields().WithUser(user.ID).WithOperation(applog.OpList))
		return
	}
	out := make([]vehicleJSON, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, toVehicleJSON(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": out})
}

func (s *Server) apiCreateVehicle(w http.ResponseWriter, r *http.Request, user core.User) {
	var in struct {
		Name string `json:"name"`
	}
	err := decodeJSON(r, &in)
	var v core.Vehicle
	if err == nil {
		v, err = s.vehicles.Add(r.Context(), user.ID, sanitizeInput(in.Name))
	}
	if err != nil {
		s.apiError(w, r, "Failed to add vehicle", err, applog.NewFields().WithUser(user.ID).WithOperation(applog.OpCreate))
		return
	}
	writeJSON(w, http.StatusCreated, toVehicleJSON(v))
}

func (s *Server) apiListRecords(w http.ResponseWriter, r *http.Request, user core.User) {
	id := r.PathValue("id")
	fields := applog.NewFields().WithUser(user.ID).WithOperation(applog.OpList)
	fields[applog.FieldVehicleID] = id

	if _, err := s.vehicles.Get(r.Context(), user.ID, id); err != nil {
		s.apiError(w, r, "Failed to load vehicle", err, fields)
		return
	}
	recs, err := s.records.Recent(r.Context(), user.ID, id)
	if err != nil {
		s.apiError(w, r, "Failed to list records", err, fields)
		return
	}
	month := ParseMonthParam(r.URL.Query(), s.today())
	out := make([]recordJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecordJSON(rec))
	}
	total := core.MonthTotal(recs, month)
	writeJSON(w, http.StatusOK, map[string]any{
		"records":           out,
		"month":             month,
		"month_total":       total.String(),
		"month_total_cents": total.Cents,
	})
}

func (s *Server) apiCreateRecord(w http.ResponseWriter, r *http.Request, user core.User) {
	vehicleID := r.PathValue("id")
	fields := applog.NewFields().WithUser(user.ID).WithOperation(applog.OpCreate)
	fields[applog.FieldVehicleID] = vehicleID

	var (
		form    RecordForm
		uploads []services.Upload
		err     error
		closeFn = func() {}
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var in recordInput
		if err = decodeJSON(r, &in); err == nil {
			form, err = in.form()
		}
	} else {
		form, uploads, closeFn, err = parseRecordRequest(r)
	}
	defer closeFn()

	var saved core.Record
	if err == nil {
		var rec core.Record
		rec, err = form.Record(vehicleID, s.today())
		if err == nil {
			saved, err = s.records.Save(r.Context(), user.ID, rec, uploads)
		}
	}
	if err != nil && !saveOutcome(saved, err) {
		s.apiError(w, r, "Failed to save record", err, fields)
		return
	}

	atomic.AddInt64(&s.appMetrics.recordsSaved, 1)
	body := map[string]any{"record": toRecordJSON(saved)}
	if err != nil {
		atomic.AddInt64(&s.appMetrics.uploadFailures, 1)
		s.logError(r, "Record saved without all receipts", err,
			applog.NewFields().WithRecord(saved).WithOperation(applog.OpUpload))
		body["warning"] = "some receipts failed to upload"
	}
	w.Header().Set("Location", "/api/v1/records/"+saved.ID)
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) apiMonthSummary(w http.ResponseWriter, r *http.Request, user core.User) {
	id := r.PathValue("id")
	fields := applog.NewFields().WithUser(user.ID).WithOperation(applog.OpRead)
	fields[applog.FieldVehicleID] = id

	month := r.URL.Query().Get("month")
	if month == "" {
		month = s.today().YearMonth()
	}
	if _, err := s.vehicles.Get(r.Context(), user.ID, id); err != nil {
		s.apiError(w, r, "Failed to load vehicle", err, fields)
		return
	}
	sum, err := s.records.MonthSummary(r.Context(), user.ID, id, month)
	if err != nil {
		s.apiError(w, r, "Failed to summarize month", err, fields)
		return
	}
	out := summaryJSON{
		Month:      sum.YearMonth(),
		Total:      sum.Total.String(),
		TotalCents: sum.Total.Cents,
		Count:      sum.Count,
		ByCategory: make([]categoryJSON, 0, len(sum.ByCategory)),
	}
	for _, ca := range sum.ByCategory {
		out.ByCategory = append(out.ByCategory, categoryJSON{
			Category: string(ca.Category),
			Label:    ca.Category.Label(),
			Amount:   ca.Amount.String(),
			Count:    ca.Count,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiGetRecord(w http.ResponseWriter, r *http.Request, user core.User) {
	id := r.PathValue("id")
	rec, err := s.records.Get(r.Context(), user.ID, id)
	if err != nil {
		s.apiError(w, r, "Failed to load record", err, recordFields(user.ID, id))
		return
	}
	receipts, err := s.receipts.Resolve(r.Context(), user.ID, id)
	if err != nil {
		s.apiError(w, r, "Failed to resolve receipts", err, recordFields(user.ID, id))
		return
	}
	out := toRecordJSON(rec)
	for _, rc := range receipts {
		out.Receipts = append(out.Receipts, receiptJSON{Path: rc.Path, URL: rc.URL})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiDeleteRecord(w http.ResponseWriter, r *http.Request, user core.User) {
	id := r.PathValue("id")
	if err := s.records.Delete(r.Context(), user.ID, id); err != nil {
		s.apiError(w, r, "Failed to delete record", err, recordFields(user.ID, id).WithOperation(applog.OpDelete))
		return
	}
	atomic.AddInt64(&s.appMetrics.recordsDeleted, 1)
	w.WriteHeader(http.StatusNoContent)
}
