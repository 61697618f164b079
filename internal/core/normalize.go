package core

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// NormalizeIntInput keeps only digits and strips leading zeros. An all-zero
// input collapses to "0"; input without digits becomes "".
func NormalizeIntInput(s string) string {
	digits := keep(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if digits == "" {
		return ""
	}
	trimmed := strings.TrimLeft(digits, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// NormalizeMoneyInput keeps digits and a single decimal point, with at most two
// fractional digits. Extra dots are dropped and the fragments after the first
// one are joined, so "1.2.3" becomes "1.23". A trailing dot is preserved so
// partially typed input round-trips.
func NormalizeMoneyInput(s string) string {
	v := keep(s, func(r rune) bool { return (r >= '0' && r <= '9') || r == '.' })
	if v == "" {
		return ""
	}
	intPart, decPart, hasDot := strings.Cut(v, ".")
	decPart = strings.ReplaceAll(decPart, ".", "")

	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	if len(decPart) > 2 {
		decPart = decPart[:2]
	}
	if hasDot {
		return intPart + "." + decPart
	}
	return intPart
}

// ParseOdometer parses odometer input. Empty input means "not recorded".
func ParseOdometer(s string) (*int64, error) {
	v := NormalizeIntInput(s)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, ErrInvalidOdometer
	}
	return &n, nil
}

// FormatOdometer renders a reading as "12,345 mi", or "—" when absent.
func FormatOdometer(miles *int64) string {
	if miles == nil {
		return "—"
	}
	return humanize.Comma(*miles) + " mi"
}

func keep(s string, ok func(rune) bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if ok(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
