// Package fixedpoint implements integer-scaled arithmetic for prices,
// quantities, and cash in the simulation engine.
//
// An Fp is a signed 64-bit integer holding value x 10^8. All matching-engine
// math stays in this representation so that two runs with the same inputs
// produce byte-identical results on every platform. Conversion to and from
// float64 or decimal strings happens only at wire boundaries.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

// Fp is a fixed-point number scaled by Scale.
type Fp int64

// Scale is the fixed-point denominator (10^8).
const Scale = 100_000_000

// One is the Fp representation of 1.0.
const One Fp = Scale

// ErrDivZero is the panic value raised by Div on a zero divisor.
// The session layer recovers it at the tick boundary; the tick is aborted
// and the symbol pipeline continues on the next event.
var ErrDivZero = errors.New("fixedpoint: division by zero")

// ErrOverflow is the panic value raised when an intermediate product
// exceeds the 64-bit quotient range. Recovered at the same tick boundary
// as ErrDivZero.
var ErrOverflow = errors.New("fixedpoint: overflow")

// ErrNotFinite is returned by ToFp for NaN or infinite input.
var ErrNotFinite = errors.New("fixedpoint: input is not finite")

// ToFp converts a float64 to Fp, rounding to the nearest unit.
func ToFp(v float64) (Fp, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNotFinite
	}
	return Fp(math.Round(v * Scale)), nil
}

// MustFp converts a finite float64 to Fp and panics on non-finite input.
// Intended for literals and tests.
func MustFp(v float64) Fp {
	fp, err := ToFp(v)
	if err != nil {
		panic(fmt.Sprintf("fixedpoint: MustFp(%v): %v", v, err))
	}
	return fp
}

// FromFp converts an Fp back to float64.
func FromFp(v Fp) float64 {
	return float64(v) / Scale
}

// FromDecimal converts a decimal to Fp without an intermediate float.
func FromDecimal(d decimal.Decimal) Fp {
	return Fp(d.Shift(8).IntPart())
}

// FromString parses a decimal string ("42917.50") into Fp.
// Wire prices and quantities arrive as strings; parsing through
// decimal.Decimal avoids binary-float representation error.
func FromString(s string) (Fp, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse fixed point %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// Add returns a + b.
func Add(a, b Fp) Fp { return a + b }

// Sub returns a - b.
func Sub(a, b Fp) Fp { return a - b }

// Mul returns (a * b) / Scale using 128-bit intermediate math.
func Mul(a, b Fp) Fp {
	return mulDiv(a, b, Scale)
}

// Div returns (a * Scale) / b using 128-bit intermediate math.
// Panics with ErrDivZero when b == 0.
func Div(a, b Fp) Fp {
	if b == 0 {
		panic(ErrDivZero)
	}
	return mulDiv(a, Scale, b)
}

// mulDiv computes a*b/c without overflowing the int64 intermediate.
// Truncates toward zero, matching integer division semantics.
func mulDiv(a, b, c Fp) Fp {
	neg := false
	ua, ub, uc := uint64(a), uint64(b), uint64(c)
	if a < 0 {
		ua = uint64(-a)
		neg = !neg
	}
	if b < 0 {
		ub = uint64(-b)
		neg = !neg
	}
	if c < 0 {
		uc = uint64(-c)
		neg = !neg
	}
	hi, lo := bits.Mul64(ua, ub)
	// bits.Div64 itself panics (unrecoverably typed) when the quotient
	// does not fit 64 bits.
	if hi >= uc {
		panic(ErrOverflow)
	}
	q, _ := bits.Div64(hi, lo, uc)
	if q > math.MaxInt64 {
		panic(ErrOverflow)
	}
	if neg {
		return Fp(-int64(q))
	}
	return Fp(int64(q))
}

// Min returns the smaller of a and b.
func Min(a, b Fp) Fp {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Fp) Fp {
	if a > b {
		return a
	}
	return b
}

// Cmp returns -1, 0, or 1 comparing a to b.
func Cmp(a, b Fp) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Sign returns -1, 0, or 1 for the sign of a.
func Sign(a Fp) int {
	return Cmp(a, 0)
}

// Abs returns the absolute value of a.
func Abs(a Fp) Fp {
	if a < 0 {
		return -a
	}
	return a
}

// RoundTo rounds a to the nearest multiple of step. A step of zero
// returns a unchanged.
func RoundTo(a, step Fp) Fp {
	if step == 0 {
		return a
	}
	if step < 0 {
		step = -step
	}
	half := step / 2
	if a >= 0 {
		return ((a + half) / step) * step
	}
	return -(((-a + half) / step) * step)
}

// String renders the value as a plain decimal, e.g. "42917.5".
func (v Fp) String() string {
	return decimal.New(int64(v), -8).String()
}
