package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseDecimal converts a human decimal amount ("0.005") into base units for
// the given precision. The conversion is exact: digits beyond the network's
// precision are rejected rather than rounded.
func ParseDecimal(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	if decimals < 0 {
		return nil, fmt.Errorf("invalid precision %d", decimals)
	}

	negative := false
	switch value[0] {
	case '+':
		value = value[1:]
	case '-':
		negative = true
		value = value[1:]
	}

	whole, frac := value, ""
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		whole, frac = value[:idx], value[idx+1:]
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("malformed amount %q", value)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		trimmed := strings.TrimRight(frac, "0")
		if len(trimmed) > decimals {
			return nil, fmt.Errorf("amount %q exceeds %d decimal places", value, decimals)
		}
		frac = trimmed
	}
	frac += strings.Repeat("0", decimals-len(frac))

	combined := whole + frac
	for _, r := range combined {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("malformed amount %q", value)
		}
	}

	atomic, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", value)
	}
	if negative {
		atomic.Neg(atomic)
	}
	return atomic, nil
}

// FormatAtomic renders a base-unit amount as a decimal string, trimming
// trailing zeros ("19990000" at 9 decimals becomes "0.01999").
func FormatAtomic(atomic *big.Int, decimals int) string {
	if atomic == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Abs(atomic)
	if atomic.Sign() < 0 {
		sign = "-"
	}

	digits := abs.String()
	if decimals <= 0 {
		return sign + digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		return sign + whole
	}
	return sign + whole + "." + frac
}
