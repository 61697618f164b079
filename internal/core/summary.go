package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CategoryAmount represents an amount aggregated by category.
type CategoryAmount struct {
	Category Category
	Amount   Money
	Count    int
}

// MonthSummary is a compact summary for a specific year+month.
type MonthSummary struct {
	Year       int
	Month      int // 1-12
	Total      Money
	Count      int
	ByCategory []CategoryAmount
}

// YearMonth formats the summary period as YYYY-MM.
func (s MonthSummary) YearMonth() string {
	return FormatYearMonth(s.Year, s.Month)
}

// FormatYearMonth renders a calendar month as YYYY-MM.
func FormatYearMonth(year, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}

// MonthTotal sums the cost of records whose date falls in ym (YYYY-MM).
// It works on whatever rows the caller already fetched.
func MonthTotal(records []Record, ym string) Money {
	var total Money
	for _, r := range records {
		if strings.HasPrefix(r.Date.String(), ym) {
			total = total.Add(r.Cost)
		}
	}
	return total
}

// SummarizeMonth aggregates records in ym by category, largest first.
func SummarizeMonth(records []Record, ym string) (MonthSummary, error) {
	year, month, err := ParseYearMonth(ym)
	if err != nil {
		return MonthSummary{}, err
	}
	out := MonthSummary{Year: year, Month: month}
	prefix := out.YearMonth()
	byCat := make(map[Category]*CategoryAmount)
	for _, r := range records {
		if !strings.HasPrefix(r.Date.String(), prefix) {
			continue
		}
		out.Total = out.Total.Add(r.Cost)
		out.Count++
		ca, ok := byCat[r.Category]
		if !ok {
			ca = &CategoryAmount{Category: r.Category}
			byCat[r.Category] = ca
		}
		ca.Amount = ca.Amount.Add(r.Cost)
		ca.Count++
	}
	out.ByCategory = make([]CategoryAmount, 0, len(byCat))
	for _, ca := range byCat {
		out.ByCategory = append(out.ByCategory, *ca)
	}
	sort.Slice(out.ByCategory, func(i, j int) bool {
		a, b := out.ByCategory[i], out.ByCategory[j]
		if a.Amount.Cents != b.Amount.Cents {
			return a.Amount.Cents > b.Amount.Cents
		}
		return a.Category < b.Category
	})
	return out, nil
}

// ParseYearMonth parses YYYY-MM.
func ParseYearMonth(ym string) (int, int, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(ym))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid month %q: %w", ym, ErrInvalidMonth)
	}
	return t.Year(), int(t.Month()), nil
}

// MonthRange returns the first and last day of d's calendar month.
func MonthRange(d Date) (Date, Date) {
	first := NewDate(d.Year(), d.Month(), 1)
	last := Date{Time: first.AddDate(0, 1, -1)}
	return first, last
}
