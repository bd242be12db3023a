package money

import (
	"fmt"
	"strconv"
	"strings"
)

// exponents maps ISO currency codes to their minor-unit exponent. Unlisted
// currencies default to 2.
var exponents = map[string]int{
	"BHD": 3,
	"JOD": 3,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"ISK": 0,
	"CLP": 0,
}

// Exponent returns the minor-unit exponent for a currency code.
func Exponent(currency string) int {
	if exp, ok := exponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ParseMinor converts a human-readable amount string to minor units.
// "971.00" EUR → 97100. String manipulation avoids floating point entirely;
// excess precision is rejected rather than truncated because a payment caller
// sending "1.005" EUR is a bug, not a rounding request.
func ParseMinor(amountStr, currency string) (int64, error) {
	if amountStr == "" {
		return 0, fmt.Errorf("amount is required")
	}

	negative := strings.HasPrefix(amountStr, "-")
	s := strings.TrimPrefix(amountStr, "-")
	decimals := Exponent(currency)

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("invalid amount format %q", amountStr)
	}

	intPart := parts[0]
	if intPart == "" {
		intPart = "0"
	}

	decPart := ""
	if len(parts) > 1 {
		decPart = parts[1]
	}
	if len(decPart) > decimals {
		return 0, fmt.Errorf("amount %q exceeds %s precision of %d decimals", amountStr, strings.ToUpper(currency), decimals)
	}
	if len(decPart) < decimals {
		decPart = decPart + strings.Repeat("0", decimals-len(decPart))
	}

	combined := strings.TrimLeft(intPart+decPart, "0")
	if combined == "" {
		combined = "0"
	}

	value, err := strconv.ParseInt(combined, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount format %q: %w", amountStr, err)
	}
	if negative {
		value = -value
	}
	return value, nil
}

// FormatMinor converts minor units to a human-readable string.
// 97100 EUR → "971.00". The full exponent is always printed.
func FormatMinor(minor int64, currency string) string {
	decimals := Exponent(currency)

	negative := minor < 0
	s := strconv.FormatInt(minor, 10)
	s = strings.TrimPrefix(s, "-")

	if decimals == 0 {
		if negative {
			return "-" + s
		}
		return s
	}

	for len(s) <= decimals {
		s = "0" + s
	}

	pos := len(s) - decimals
	result := s[:pos] + "." + s[pos:]
	if negative {
		return "-" + result
	}
	return result
}
