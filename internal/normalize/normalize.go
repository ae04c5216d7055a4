// Package normalize converts raw on-chain integer quantities to
// human-readable decimals. The conversion happens exactly once, at the
// connector-to-holding boundary; stored holdings are never re-divided.
package normalize

import (
	"strings"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/shopspring/decimal"
)

// Normalize converts a raw integer string to its human-readable decimal by
// dividing by 10^decimals with full precision. The input must be a base-10
// integer (an optional leading sign is accepted but on-chain balances are
// non-negative in practice).
func Normalize(raw string, decimals uint8) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, domain.Validationf("raw", "empty raw quantity")
	}
	if !isInteger(raw) {
		return decimal.Zero, domain.Validationf("raw", "raw quantity %q is not an integer", raw)
	}

	n, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.Validationf("raw", "raw quantity %q is not a number", raw)
	}
	// Shift(-d) moves the decimal point without any precision loss.
	return n.Shift(-int32(decimals)), nil
}

// NormalizeAndFormat normalizes raw and renders it with exactly
// displayDecimals fractional digits (round half up, the display convention).
func NormalizeAndFormat(raw string, decimals uint8, displayDecimals int32) (string, error) {
	d, err := Normalize(raw, decimals)
	if err != nil {
		return "", err
	}
	return d.StringFixed(displayDecimals), nil
}

// Format renders a decimal with a fixed number of fractional digits.
func Format(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func isInteger(s string) bool {
	if s[0] == '+' || s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
