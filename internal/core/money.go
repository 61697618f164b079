package core

import (
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// amountPattern is an unsigned amount with an optional fraction. Commas
// are turned into dots before matching.
var amountPattern = regexp.MustCompile(`^([0-9]*)(?:\.([0-9]*))?$`)

// maxDollars keeps cent amounts inside int64.
var maxDollars = decimal.NewFromInt(math.MaxInt64 / 100)

// ParseDecimalToCents reads "12.34", "12,34", "12." or ".5" as cents,
// rounding half up at the cent: "1.005" is 101. Signs, letters and a
// second separator are rejected with ErrInvalidAmount.
func ParseDecimalToCents(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	m := amountPattern.FindStringSubmatch(s)
	if s == "" || m == nil {
		return 0, ErrInvalidAmount
	}
	whole, frac := m[1], m[2]
	if whole == "" {
		whole = "0"
	}
	if frac == "" {
		frac = "0"
	}
	d, err := decimal.NewFromString(whole + "." + frac)
	if err != nil || d.GreaterThanOrEqual(maxDollars) {
		return 0, ErrInvalidAmount
	}
	return d.Round(2).Shift(2).IntPart(), nil
}

// ParseCost turns free-form cost input into Money. Input is normalized the way
// the record form does it, and an empty value costs nothing.
func ParseCost(s string) (Money, error) {
	v := NormalizeMoneyInput(s)
	if v == "" {
		return Money{}, nil
	}
	cents, err := ParseDecimalToCents(v)
	if err != nil {
		return Money{}, err
	}
	return Money{Cents: cents}, nil
}

// Decimal returns the amount in dollars as an exact decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String renders the amount with two decimals and no currency sign.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Add returns m+o.
func (m Money) Add(o Money) Money {
	return Money{Cents: m.Cents + o.Cents}
}

// FormatUSD renders cents as "$N.NN".
func FormatUSD(m Money) string {
	return "$" + m.String()
}
