package marketdata

import (
	"strings"
	"testing"
)

func TestFormatCurrency(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.00"},
		{5, "5.00"},
		{1234.5, "1,234.50"},
		{-1234.5, "-1,234.50"},
		{999.999, "1,000.00"},
		{1000000, "1,000,000.00"},
		{232.14, "232.14"},
	}
	for _, tt := range tests {
		if got := FormatCurrency(tt.in); got != tt.want {
			t.Errorf("FormatCurrency(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatPercent(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{12.3, "+12.30%"},
		{-1.2, "-1.20%"},
		{0, "+0.00%"},
	}
	for _, tt := range tests {
		if got := FormatPercent(tt.in); got != tt.want {
			t.Errorf("FormatPercent(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBillions(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{2.43e12, "2430.00B"},
		{5.1e9, "5.10B"},
		{500e6, "0.50B"},
	}
	for _, tt := range tests {
		if got := FormatBillions(tt.in); got != tt.want {
			t.Errorf("FormatBillions(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncatePayload(t *testing.T) {
	short := "small payload"
	if got := truncatePayload(short, 100); got != short {
		t.Errorf("payload within budget should be untouched, got %q", got)
	}

	long := strings.Repeat("x", 200)
	got := truncatePayload(long, 50)
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("truncated payload missing marker: %q", got)
	}
	if len(got) != 50+len(truncationMarker) {
		t.Errorf("truncated payload length = %d", len(got))
	}
}
