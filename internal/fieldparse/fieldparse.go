// Package fieldparse holds the tolerant cell parsers shared by every rule.
//
// Source sheets are hand-edited, so malformed cells are the norm. None of
// these functions return an error: the Parse* forms fall back to a sentinel
// (zero, or no date) and the Try* forms also report whether the cell parsed,
// for rules that want to warn about it.
package fieldparse

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
)

var currencyNoise = strings.NewReplacer(
	"$", "",
	"€", "",
	"£", "",
	"USD", "",
	",", "",
	" ", "",
	"\u00a0", "",
)

// TryCurrency parses a money cell such as "$1,234.50", "-$20", "(15.00)" or
// "1,000 USD". Parenthesised values are accounting negatives.
func TryCurrency(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	s = currencyNoise.Replace(s)
	d, ok := parseNumber(s)
	if !ok {
		return decimal.Zero, false
	}
	if negative {
		d = d.Neg()
	}
	return d, true
}

// ParseCurrency is TryCurrency with zero as the failure sentinel.
func ParseCurrency(raw string) decimal.Decimal {
	d, _ := TryCurrency(raw)
	return d
}

// TryQuantity parses a quantity cell such as "12", "1,200" or "2.5".
func TryQuantity(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false
	}
	s = strings.ReplaceAll(s, ",", "")
	return parseNumber(s)
}

// ParseQuantity is TryQuantity with zero as the failure sentinel.
func ParseQuantity(raw string) decimal.Decimal {
	d, _ := TryQuantity(raw)
	return d
}

// ParseDate parses a date cell in any common layout ("2025-08-15",
// "08/15/2025", "Aug 15, 2025", RFC 3339 timestamps). The result is the
// calendar day at midnight UTC. ok is false for empty or unreadable cells.
func ParseDate(raw string) (day time.Time, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	// dateparse has panicked on pathological input in the past.
	defer func() {
		if recover() != nil {
			day, ok = time.Time{}, false
		}
	}()

	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
}

// maxExponent bounds scientific notation such as "1.2E+05". Cells like
// "1e999999" would otherwise blow up every later decimal operation.
const maxExponent = 30

func parseNumber(s string) (decimal.Decimal, bool) {
	if s == "" || s == "-" || s == "+" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if e := d.Exponent(); e > maxExponent || e < -maxExponent {
		return decimal.Zero, false
	}
	return d, true
}
