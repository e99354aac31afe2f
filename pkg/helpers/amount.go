// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
)

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(100000000, 8) returns "1" (1 BCH).
func FormatAmount(amount uint64, decimals uint8) string {
	return FormatBigAmount(new(big.Int).SetUint64(amount), decimals)
}

// FormatBigAmount formats a big-integer amount in smallest units as a
// decimal string.
func FormatBigAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(amount, divisor, frac)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*s", int(decimals), frac.String())
	// Trim trailing zeros
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}

	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

// ParseAmount parses a decimal string to smallest units.
// For example, ParseAmount("1", 8) returns 100000000 (1 BCH in satoshis).
func ParseAmount(s string, decimals uint8) (uint64, error) {
	amount, err := ParseBigAmount(s, decimals)
	if err != nil {
		return 0, err
	}
	if !amount.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}
	return amount.Uint64(), nil
}

// ParseBigAmount parses a decimal string to smallest units as a big integer.
func ParseBigAmount(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	// Find decimal point
	var wholeStr, fracStr string
	for i, c := range s {
		if c == '.' {
			wholeStr = s[:i]
			fracStr = s[i+1:]
			break
		}
	}
	if wholeStr == "" && fracStr == "" {
		wholeStr = s
	}

	// Validate characters
	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	// Pad or truncate fractional part
	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	combined := wholeStr + fracStr
	amount := new(big.Int)
	if _, ok := amount.SetString(combined, 10); !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}

	return amount, nil
}

// BigToFloat converts a big-integer amount in smallest units to a float64
// value in whole coins. Precision is lost beyond ~15 significant digits,
// which matches the exchange rate arithmetic.
func BigToFloat(amount *big.Int, decimals uint8) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	div := 1.0
	for i := uint8(0); i < decimals; i++ {
		div *= 10
	}
	return f / div
}

// FloatToBig converts a float64 value in whole coins to a big-integer
// amount in smallest units, rounding to nearest.
func FloatToBig(v float64, decimals uint8) *big.Int {
	f := new(big.Float).SetPrec(256).SetFloat64(v)
	for i := uint8(0); i < decimals; i++ {
		f.Mul(f, big.NewFloat(10))
	}
	f.Add(f, big.NewFloat(0.5))
	result, _ := f.Int(nil)
	if result.Sign() < 0 {
		result.SetInt64(0)
	}
	return result
}
