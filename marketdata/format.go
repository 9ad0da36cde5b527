package marketdata

import (
	"fmt"
	"math"
	"strings"
)

// Formatting conventions for numbers surfaced to the user: currency with
// thousands separators and two decimals, signed percentages, market-cap
// scale values abbreviated to billions.

// FormatCurrency renders a dollar amount with thousands separators and two
// decimal places. Negative values keep their sign: -1234.5 -> "-1,234.50".
func FormatCurrency(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := int64(v)
	frac := int64(math.Round((v - float64(whole)) * 100))
	if frac >= 100 { // rounding carried into the integer part
		whole++
		frac -= 100
	}
	return fmt.Sprintf("%s%s.%02d", sign, groupThousands(whole), frac)
}

// FormatPercent renders a signed percentage with two decimal places:
// 12.3 -> "+12.30%", -1.2 -> "-1.20%".
func FormatPercent(v float64) string {
	return fmt.Sprintf("%+.2f%%", v)
}

// FormatBillions abbreviates market-cap scale values to billions with two
// decimals: 2.43e12 -> "2430.00B", 5.1e9 -> "5.10B".
func FormatBillions(v float64) string {
	return fmt.Sprintf("%.2fB", v/1e9)
}

// groupThousands inserts commas into a non-negative integer's decimal
// representation.
func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// truncationMarker trails any payload cut down to the character budget so
// the model knows the data is partial.
const truncationMarker = "\n[data truncated]"

// truncatePayload cuts serialized payload text to at most budget characters,
// appending the truncation marker when anything was removed.
func truncatePayload(text string, budget int) string {
	if len(text) <= budget {
		return text
	}
	return text[:budget] + truncationMarker
}
