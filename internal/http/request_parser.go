// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request data:
// the record form, the month selector, receipt uploads and bodies that may
// arrive either as JSON or form encoded.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"carbook/internal/core"
	"carbook/internal/services"
)

// errInvalidForm marks malformed request bodies.
var errInvalidForm = errors.New("invalid request")

// maxJSONBody bounds JSON and url-encoded bodies.
const maxJSONBody = 1 << 20

// ParseMonthParam returns the month query value as YYYY-MM. A missing or
// malformed value falls back to the month of today.
func ParseMonthParam(query url.Values, today core.Date) string {
	if v := strings.TrimSpace(query.Get("month")); v != "" {
		if y, m, err := core.ParseYearMonth(v); err == nil {
			return core.FormatYearMonth(y, m)
		}
	}
	return today.YearMonth()
}

// RecordForm holds the raw record fields as typed by the user, so a failed
// submission can be re-rendered unchanged.
type RecordForm struct {
	Date     string
	Category string
	Odometer string
	Cost     string
	Vendor   string
	Notes    string
}

// ParseRecordForm reads the record fields from form values.
func ParseRecordForm(form url.Values) RecordForm {
	return RecordForm{
		Date:     sanitizeInput(form.Get("date")),
		Category: sanitizeInput(form.Get("category")),
		Odometer: sanitizeInput(form.Get("odometer")),
		Cost:     sanitizeInput(form.Get("cost")),
		Vendor:   sanitizeInput(form.Get("vendor")),
		Notes:    sanitizeInput(form.Get("notes")),
	}
}

// RecordFormFrom prefills the form with an existing record.
func RecordFormFrom(rec core.Record) RecordForm {
	f := RecordForm{
		Date:     rec.Date.String(),
		Category: string(rec.Category),
		Cost:     rec.Cost.String(),
		Vendor:   rec.Vendor,
		Notes:    rec.Notes,
	}
	if rec.Odometer != nil {
		f.Odometer = strconv.FormatInt(*rec.Odometer, 10)
	}
	return f
}

// NewRecordForm is the blank form: today, default category.
func NewRecordForm(today core.Date) RecordForm {
	return RecordForm{Date: today.String(), Category: string(core.DefaultCategory)}
}

// Record converts the form into a record for vehicleID. An empty date means
// today.
func (f RecordForm) Record(vehicleID string, today core.Date) (core.Record, error) {
	date := today
	if f.Date != "" {
		d, err := core.ParseDate(f.Date)
		if err != nil {
			return core.Record{}, fmt.Errorf("%w: invalid date %q", errInvalidForm, f.Date)
		}
		date = d
	}
	cat, err := core.ParseCategory(f.Category)
	if err != nil {
		return core.Record{}, err
	}
	odo, err := core.ParseOdometer(f.Odometer)
	if err != nil {
		return core.Record{}, err
	}
	cost, err := core.ParseCost(f.Cost)
	if err != nil {
		return core.Record{}, fmt.Errorf("%w: %q", core.ErrInvalidAmount, f.Cost)
	}
	return core.Record{
		VehicleID: vehicleID,
		Date:      date,
		Category:  cat,
		Odometer:  odo,
		Cost:      cost,
		Vendor:    f.Vendor,
		Notes:     f.Notes,
	}, nil
}

// receiptUploads opens the receipt files of a parsed multipart form. Empty
// file inputs are skipped. The returned close func releases the files.
func receiptUploads(mf *multipart.Form) ([]services.Upload, func(), error) {
	if mf == nil {
		return nil, func() {}, nil
	}
	var (
		uploads []services.Upload
		files   []multipart.File
	)
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	for _, fh := range mf.File["receipts"] {
		if fh.Filename == "" || fh.Size == 0 {
			continue
		}
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		files = append(files, f)
		uploads = append(uploads, services.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Body:        f,
		})
	}
	return uploads, closeAll, nil
}

// parseRecordRequest parses a record form that may be multipart (with
// receipts) or url-encoded.
func parseRecordRequest(r *http.Request) (RecordForm, []services.Upload, func(), error) {
	noop := func() {}
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return RecordForm{}, nil, noop, fmt.Errorf("%w: %v", errInvalidForm, err)
		}
		uploads, closeAll, err := receiptUploads(r.MultipartForm)
		if err != nil {
			return RecordForm{}, nil, noop, err
		}
		return ParseRecordForm(r.MultipartForm.Value), uploads, closeAll, nil
	}
	if err := r.ParseForm(); err != nil {
		return RecordForm{}, nil, noop, fmt.Errorf("%w: %v", errInvalidForm, err)
	}
	return ParseRecordForm(r.PostForm), nil, noop, nil
}

// RequestBodyParser reads a body that is either JSON or form encoded. The
// auth endpoints accept both so that scripts and htmx forms share them.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]any
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser reads the body once, up to maxJSONBody bytes.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}
	p.body, p.err = io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}
	if len(p.body) == 0 {
		p.formData = url.Values{}
		return nil
	}

	if strings.HasPrefix(p.contentType, "application/json") || p.body[0] == '{' {
		p.jsonData = make(map[string]any)
		if err := json.Unmarshal(p.body, &p.jsonData); err != nil {
			p.err = fmt.Errorf("%w: %v", errInvalidForm, err)
			return p.err
		}
		return nil
	}

	p.formData, p.err = url.ParseQuery(string(p.body))
	if p.err != nil {
		p.err = fmt.Errorf("%w: %v", errInvalidForm, p.err)
	}
	return p.err
}

// Get returns a sanitized string value from the parsed data.
func (p *RequestBodyParser) Get(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return sanitizeInput(stringValue(val))
		}
		return ""
	}
	if p.formData != nil {
		return sanitizeInput(p.formData.Get(key))
	}
	return ""
}

// IsJSON returns true if the parsed content was JSON.
func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
