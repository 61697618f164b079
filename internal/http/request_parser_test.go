package http

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"carbook/internal/core"
)

func TestParseMonthParam(t *testing.T) {
	today := core.NewDate(2024, 6, 15)
	tests := []struct {
		name  string
		query url.Values
		want  string
	}{
		{"explicit month", url.Values{"month": {"2023-11"}}, "2023-11"},
		{"padded whitespace", url.Values{"month": {" 2024-01 "}}, "2024-01"},
		{"missing falls back to today", url.Values{}, "2024-06"},
		{"malformed falls back to today", url.Values{"month": {"11/2023"}}, "2024-06"},
		{"month out of range", url.Values{"month": {"2024-13"}}, "2024-06"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseMonthParam(tt.query, today); got != tt.want {
				t.Errorf("ParseMonthParam() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecordForm_Record(t *testing.T) {
	today := core.NewDate(2024, 6, 15)

	t.Run("full form", func(t *testing.T) {
		f := RecordForm{Date: "2024-05-03", Category: "oil", Odometer: "12,345", Cost: "$45.20", Vendor: "Jiffy", Notes: "5W-30"}
		rec, err := f.Record("veh-1", today)
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if rec.VehicleID != "veh-1" || rec.Date.String() != "2024-05-03" || rec.Category != core.CategoryOil {
			t.Errorf("unexpected record: %+v", rec)
		}
		if rec.Odometer == nil || *rec.Odometer != 12345 {
			t.Errorf("Odometer = %v, want 12345", rec.Odometer)
		}
		if rec.Cost.Cents != 4520 {
			t.Errorf("Cost = %d cents, want 4520", rec.Cost.Cents)
		}
	})

	t.Run("empty date means today", func(t *testing.T) {
		rec, err := RecordForm{Category: "fuel", Cost: "10"}.Record("veh-1", today)
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if rec.Date.String() != "2024-06-15" {
			t.Errorf("Date = %s, want today", rec.Date)
		}
		if rec.Odometer != nil {
			t.Errorf("Odometer = %v, want nil", *rec.Odometer)
		}
	})

	tests := []struct {
		name string
		form RecordForm
		want error
	}{
		{"bad date", RecordForm{Date: "2024-02-30", Category: "fuel"}, errInvalidForm},
		{"unknown category", RecordForm{Date: "2024-02-03", Category: "boat"}, core.ErrInvalidCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.form.Record("veh-1", today)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Record() error = %v, want %v", err, tt.want)
			}
			if statusFor(err) != http.StatusUnprocessableEntity {
				t.Errorf("statusFor() = %d, want 422", statusFor(err))
			}
		})
	}
}

func TestRecordFormFrom(t *testing.T) {
	odo := int64(1200)
	rec := core.Record{
		Date:     core.NewDate(2024, 1, 9),
		Category: core.CategoryTire,
		Odometer: &odo,
		Cost:     core.Money{Cents: 19999},
		Vendor:   "Discount Tire",
	}
	f := RecordFormFrom(rec)
	want := RecordForm{Date: "2024-01-09", Category: "tire", Odometer: "1200", Cost: "199.99", Vendor: "Discount Tire"}
	if f != want {
		t.Errorf("RecordFormFrom() = %+v, want %+v", f, want)
	}
	if NewRecordForm(core.NewDate(2024, 1, 9)).Category != string(core.DefaultCategory) {
		t.Error("NewRecordForm should preselect the default category")
	}
}

func multipartRecordRequest(t *testing.T, fields map[string]string, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("receipts", name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(fw, content)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/vehicles/v/records", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestParseRecordRequest(t *testing.T) {
	t.Run("multipart with receipts", func(t *testing.T) {
		req := multipartRecordRequest(t,
			map[string]string{"date": "2024-05-03", "category": "fuel", "cost": "40"},
			map[string]string{"pump.jpg": "jpeg bytes", "empty.png": ""})
		form, uploads, closeFn, err := parseRecordRequest(req)
		defer closeFn()
		if err != nil {
			t.Fatalf("parseRecordRequest() error = %v", err)
		}
		if form.Cost != "40" || form.Category != "fuel" {
			t.Errorf("form = %+v", form)
		}
		if len(uploads) != 1 {
			t.Fatalf("uploads = %d, want 1 (empty files are skipped)", len(uploads))
		}
		if uploads[0].Filename != "pump.jpg" {
			t.Errorf("Filename = %q", uploads[0].Filename)
		}
		body, _ := io.ReadAll(uploads[0].Body)
		if string(body) != "jpeg bytes" {
			t.Errorf("Body = %q", body)
		}
	})

	t.Run("url encoded", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/records/r", strings.NewReader("date=2024-05-03&vendor=%20Shell%20&notes=a%00b"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		form, uploads, closeFn, err := parseRecordRequest(req)
		defer closeFn()
		if err != nil {
			t.Fatalf("parseRecordRequest() error = %v", err)
		}
		if len(uploads) != 0 {
			t.Errorf("uploads = %d, want 0", len(uploads))
		}
		if form.Vendor != "Shell" {
			t.Errorf("Vendor = %q, want trimmed", form.Vendor)
		}
		if form.Notes != "ab" {
			t.Errorf("Notes = %q, want control characters removed", form.Notes)
		}
	})

	t.Run("broken multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/vehicles/v/records", strings.NewReader("garbage"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=nope")
		_, _, closeFn, err := parseRecordRequest(req)
		defer closeFn()
		if !errors.Is(err, errInvalidForm) {
			t.Errorf("error = %v, want errInvalidForm", err)
		}
	})
}

func TestRequestBodyParser(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantJSON    bool
		wantEmail   string
		wantErr     bool
	}{
		{"json", "application/json", `{"email":" a@b.co ","remember":true}`, true, "a@b.co", false},
		{"json sniffed", "text/plain", `{"email":"c@d.co"}`, true, "c@d.co", false},
		{"form", "application/x-www-form-urlencoded", "email=e%40f.co&password=x", false, "e@f.co", false},
		{"empty", "", "", false, "", false},
		{"broken json", "application/json", `{"email":`, false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			p := NewRequestBodyParser(req)
			err := p.Parse()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if p.IsJSON() != tt.wantJSON {
				t.Errorf("IsJSON() = %v, want %v", p.IsJSON(), tt.wantJSON)
			}
			if got := p.Get("email"); got != tt.wantEmail {
				t.Errorf("Get(email) = %q, want %q", got, tt.wantEmail)
			}
			if p.Get("missing") != "" {
				t.Error("missing key should be empty")
			}
		})
	}
}

func TestStringValue(t *testing.T) {
	if stringValue(12.5) != "12.5" || stringValue(true) != "true" || stringValue(nil) != "" {
		t.Error("stringValue conversions wrong")
	}
}
