package fieldparse

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseCurrency(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{"$1,234.50", "1234.5", true},
		{"1000000.01", "1000000.01", true},
		{"-$20", "-20", true},
		{"$-20", "-20", true},
		{"(15.00)", "-15", true},
		{"1,000 USD", "1000", true},
		{" $ 7.25 ", "7.25", true},
		{"", "0", false},
		{"   ", "0", false},
		{"N/A", "0", false},
		{"$", "0", false},
		{"12abc", "0", false},
		{"1.2E+05", "120000", true},
		{"1e999999", "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := TryCurrency(tt.raw)
			if ok != tt.wantOK {
				t.Errorf("TryCurrency(%q) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("TryCurrency(%q) = %s, want %s", tt.raw, got, tt.want)
			}
			if !ParseCurrency(tt.raw).Equal(got) {
				t.Errorf("ParseCurrency(%q) disagrees with TryCurrency", tt.raw)
			}
		})
	}
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{"12", "12", true},
		{"1,200", "1200", true},
		{"2.5", "2.5", true},
		{"0", "0", true},
		{"", "0", false},
		{"two", "0", false},
	}

	for _, tt := range tests {
		got, ok := TryQuantity(tt.raw)
		if ok != tt.wantOK || !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("TryQuantity(%q) = %s, %v; want %s, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
		if !ParseQuantity(tt.raw).Equal(got) {
			t.Errorf("ParseQuantity(%q) disagrees with TryQuantity", tt.raw)
		}
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2025, time.August, 15, 0, 0, 0, 0, time.UTC)

	for _, raw := range []string{"2025-08-15", "08/15/2025", "Aug 15, 2025", "2025-08-15T13:45:00Z"} {
		got, ok := ParseDate(raw)
		if !ok {
			t.Errorf("ParseDate(%q) failed", raw)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseDate(%q) = %v, want %v", raw, got, want)
		}
	}

	for _, raw := range []string{"", "  ", "not a date", "99/99/9999"} {
		if got, ok := ParseDate(raw); ok {
			t.Errorf("ParseDate(%q) = %v, expected failure", raw, got)
		}
	}
}
