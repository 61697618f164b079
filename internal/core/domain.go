package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DateLayout is the wire and storage format of a Date.
const DateLayout = "2006-01-02"

const (
	CategoryFuel         Category = "fuel"
	CategoryOil          Category = "oil"
	CategoryTire         Category = "tire"
	CategoryRepair       Category = "repair"
	CategoryInspection   Category = "inspection"
	CategoryRegistration Category = "registration"
	CategoryOther        Category = "other"

	// DefaultCategory preselects the record form.
	DefaultCategory = CategoryFuel
)

const (
	MaxVendorLength      = 200
	MaxNotesLength       = 2000
	MaxVehicleNameLength = 100
)

type (
	Category string

	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	User struct {
		ID           string
		Email        string
		PasswordHash string // empty for passwordless (magic link) accounts
		CreatedAt    time.Time
	}

	Vehicle struct {
		ID        string
		UserID    string
		Name      string
		CreatedAt time.Time
	}

	Record struct {
		ID           string
		UserID       string
		VehicleID    string
		Date         Date
		Category     Category
		Odometer     *int64 // nil when not recorded
		Cost         Money
		Vendor       string // empty is stored as NULL
		Notes        string // empty is stored as NULL
		ReceiptPaths []string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}
)

var (
	ErrInvalidDay      = errors.New("invalid day")
	ErrInvalidMonth    = errors.New("invalid month")
	ErrEmptyDate       = errors.New("date is required")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidOdometer = errors.New("invalid odometer")
	ErrInvalidCategory = errors.New("invalid category")
	ErrEmptyName       = errors.New("name is required")
	ErrMissingUser     = errors.New("user id is required")
	ErrMissingVehicle  = errors.New("vehicle id is required")
	ErrTooLong         = errors.New("too long")
)

var categoryLabels = []struct {
	Value Category
	Label string
}{
	{CategoryFuel, "Fuel"},
	{CategoryOil, "Oil change"},
	{CategoryTire, "Tires"},
	{CategoryRepair, "Repair"},
	{CategoryInspection, "Inspection"},
	{CategoryRegistration, "Registration / tax"},
	{CategoryOther, "Other"},
}

// Categories returns every known category in display order.
func Categories() []Category {
	out := make([]Category, 0, len(categoryLabels))
	for _, c := range categoryLabels {
		out = append(out, c.Value)
	}
	return out
}

// Label returns the display label, or the raw value for unknown categories.
func (c Category) Label() string {
	for _, cl := range categoryLabels {
		if cl.Value == c {
			return cl.Label
		}
	}
	return string(c)
}

func (c Category) Valid() bool {
	for _, cl := range categoryLabels {
		if cl.Value == c {
			return true
		}
	}
	return false
}

// ParseCategory maps form input to a Category. Empty input yields the default.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultCategory, nil
	}
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}

func (d Date) Validate() error {
	if d.IsZero() {
		return ErrEmptyDate
	}
	_, month, day := d.Date()
	if day < 1 || day > 31 {
		return ErrInvalidDay
	}
	if month < 1 || month > 12 {
		return ErrInvalidMonth
	}
	return nil
}

// Day returns the day of the month
func (d Date) Day() int {
	return d.Time.Day()
}

// Month returns the month
func (d Date) Month() int {
	return int(d.Time.Month())
}

// Year returns the year
func (d Date) Year() int {
	return d.Time.Year()
}

// String formats the date as YYYY-MM-DD, or "" for the zero date.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

// YearMonth returns the YYYY-MM prefix used for month totals.
func (d Date) YearMonth() string {
	if d.IsZero() {
		return ""
	}
	return d.Format("2006-01")
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, ErrEmptyDate
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

// Today returns the current calendar day in loc.
func Today(loc *time.Location) Date {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := time.Now().In(loc).Date()
	return NewDate(y, int(m), d)
}

func (m Money) Validate() error {
	if m.Cents < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (v Vehicle) Validate() error {
	if strings.TrimSpace(v.UserID) == "" {
		return ErrMissingUser
	}
	name := strings.TrimSpace(v.Name)
	if name == "" {
		return ErrEmptyName
	}
	if utf8.RuneCountInString(name) > MaxVehicleNameLength {
		return fmt.Errorf("name %w (max %d characters)", ErrTooLong, MaxVehicleNameLength)
	}
	return nil
}

func (r Record) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return ErrMissingUser
	}
	if strings.TrimSpace(r.VehicleID) == "" {
		return ErrMissingVehicle
	}
	if err := r.Date.Validate(); err != nil {
		return err
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, string(r.Category))
	}
	if err := r.Cost.Validate(); err != nil {
		return err
	}
	if r.Odometer != nil && *r.Odometer < 0 {
		return ErrInvalidOdometer
	}
	if utf8.RuneCountInString(r.Vendor) > MaxVendorLength {
		return fmt.Errorf("vendor %w (max %d characters)", ErrTooLong, MaxVendorLength)
	}
	if utf8.RuneCountInString(r.Notes) > MaxNotesLength {
		return fmt.Errorf("notes %w (max %d characters)", ErrTooLong, MaxNotesLength)
	}
	return nil
}

// Normalize trims free-text fields in place.
func (r *Record) Normalize() {
	r.Vendor = strings.TrimSpace(r.Vendor)
	r.Notes = strings.TrimSpace(r.Notes)
	r.ReceiptPaths = MergeReceiptPaths(nil, r.ReceiptPaths)
}
