package wire

import (
	"math"
	"math/big"
)

// Amounts cross the wire in a compressed floating-point form: a 56-bit
// decimal mantissa and an 8-bit base-10 exponent. Encoding rounds the value
// down to the nearest representable amount; decode(encode(x)) <= x, with
// equality whenever x fits in the mantissa.

const (
	amountMantissaBits = 56
	amountExponentMax  = 255
)

var amountMantissaMax = new(big.Int).Lsh(big.NewInt(1), amountMantissaBits)

// EncodeAmount compresses an amount in base units. Values too large for
// mantissa*10^255 saturate at the maximum representable amount.
func EncodeAmount(v *big.Int) uint64 {
	if v == nil || v.Sign() <= 0 {
		return 0
	}

	mantissa := new(big.Int).Set(v)
	exponent := uint64(0)
	ten := big.NewInt(10)

	for mantissa.Cmp(amountMantissaMax) >= 0 {
		if exponent == amountExponentMax {
			mantissa.Sub(amountMantissaMax, big.NewInt(1))
			break
		}
		mantissa.Quo(mantissa, ten)
		exponent++
	}

	return mantissa.Uint64() | exponent<<amountMantissaBits
}

// DecodeAmount expands a compressed amount back to base units.
func DecodeAmount(fp uint64) *big.Int {
	mantissa := new(big.Int).SetUint64(fp & (1<<amountMantissaBits - 1))
	exponent := fp >> amountMantissaBits

	if exponent == 0 {
		return mantissa
	}

	scale := new(big.Int).Exp(big.NewInt(10), new(big.Int).SetUint64(exponent), nil)
	return mantissa.Mul(mantissa, scale)
}

func float64bits(v float64) uint64     { return math.Float64bits(v) }
func float64frombits(b uint64) float64 { return math.Float64frombits(b) }
