// Package fixed implements the signed I80F48 fixed-point number used for all
// reward-rate and accumulator arithmetic in the staking engine.
//
// A Fixed holds value × 2^48 as a signed 128-bit integer: 80 integer bits and
// 48 fractional bits. Arithmetic is carried out in 256-bit two's complement
// space (holiman/uint256) so intermediates never wrap, and every result is
// range-checked back into 128 bits. Overflow and division by zero are
// returned as errors, never silently wrapped.
//
// Rendering uses shopspring/decimal: since 2^-48 = 5^48 / 10^48, every Fixed
// has an exact decimal form with at most 48 fractional digits.
package fixed

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FracBits is the number of fractional bits.
const FracBits = 48

var (
	// ErrOverflow is returned when a result does not fit in 128 signed bits
	// (or in 64 unsigned bits for Floor).
	ErrOverflow = errors.New("fixed: arithmetic overflow")

	// ErrDivisionByZero is returned by Div and Ratio for a zero divisor.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// ErrNegative is returned when a negative value is truncated to uint64.
	ErrNegative = errors.New("fixed: negative value")

	// ErrInvalid is returned when parsing a malformed textual value.
	ErrInvalid = errors.New("fixed: invalid value")
)

var (
	// maxRaw = 2^127 - 1, minMag = 2^127.
	maxRaw = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 127), uint256.NewInt(1))
	minMag = new(uint256.Int).Lsh(uint256.NewInt(1), 127)

	five48 = new(big.Int).Exp(big.NewInt(5), big.NewInt(FracBits), nil)
	one48  = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), FracBits), 0)
)

// Fixed is an immutable I80F48 value. The zero value is 0.
type Fixed struct {
	v uint256.Int
}

// Zero returns the fixed-point zero.
func Zero() Fixed { return Fixed{} }

// FromUint64 converts an integer. Every uint64 fits.
func FromUint64(x uint64) Fixed {
	var f Fixed
	f.v.SetUint64(x)
	f.v.Lsh(&f.v, FracBits)
	return f
}

// FromInt64 converts a signed integer. Every int64 fits.
func FromInt64(x int64) Fixed {
	if x >= 0 {
		return FromUint64(uint64(x))
	}
	mag := uint64(-(x + 1)) + 1
	f := FromUint64(mag)
	f.v.Neg(&f.v)
	return f
}

// Ratio returns num / den computed in fixed point.
func Ratio(num, den uint64) (Fixed, error) {
	return FromUint64(num).Div(FromUint64(den))
}

// FromBits parses the raw signed integer representation produced by Bits.
func FromBits(s string) (Fixed, error) {
	b, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Fixed{}, fmt.Errorf("%w: raw bits %q", ErrInvalid, s)
	}
	return fromBig(b)
}

// FromDecimal converts a decimal value, truncating any precision finer than
// 2^-48 toward zero.
func FromDecimal(d decimal.Decimal) (Fixed, error) {
	return fromBig(d.Mul(one48).BigInt())
}

func fromBig(b *big.Int) (Fixed, error) {
	neg := b.Sign() < 0
	mag, overflow := uint256.FromBig(new(big.Int).Abs(b))
	if overflow {
		return Fixed{}, ErrOverflow
	}
	var f Fixed
	f.v = *mag
	if neg {
		f.v.Neg(&f.v)
	}
	return checked(f.v)
}

// checked verifies z fits the signed 128-bit range.
func checked(z uint256.Int) (Fixed, error) {
	if z.Sign() >= 0 {
		if z.Gt(maxRaw) {
			return Fixed{}, ErrOverflow
		}
		return Fixed{v: z}, nil
	}
	var mag uint256.Int
	mag.Abs(&z)
	if mag.Gt(minMag) {
		return Fixed{}, ErrOverflow
	}
	return Fixed{v: z}, nil
}

// Add returns a + b.
func (a Fixed) Add(b Fixed) (Fixed, error) {
	var z uint256.Int
	z.Add(&a.v, &b.v)
	return checked(z)
}

// Sub returns a - b.
func (a Fixed) Sub(b Fixed) (Fixed, error) {
	var z uint256.Int
	z.Sub(&a.v, &b.v)
	return checked(z)
}

// Mul returns a × b, rounded toward negative infinity.
func (a Fixed) Mul(b Fixed) (Fixed, error) {
	// |a|,|b| <= 2^127 so the full product fits in 255 bits.
	var z uint256.Int
	z.Mul(&a.v, &b.v)
	z.SRsh(&z, FracBits)
	return checked(z)
}

// Div returns a / b, truncated toward zero.
func (a Fixed) Div(b Fixed) (Fixed, error) {
	if b.v.IsZero() {
		return Fixed{}, ErrDivisionByZero
	}
	var num, z uint256.Int
	num.Lsh(&a.v, FracBits)
	z.SDiv(&num, &b.v)
	return checked(z)
}

// Floor truncates toward zero and returns the integer part as a uint64.
func (a Fixed) Floor() (uint64, error) {
	if a.v.Sign() < 0 {
		return 0, ErrNegative
	}
	var z uint256.Int
	z.Rsh(&a.v, FracBits)
	if !z.IsUint64() {
		return 0, ErrOverflow
	}
	return z.Uint64(), nil
}

// Sign returns -1, 0 or +1.
func (a Fixed) Sign() int { return a.v.Sign() }

// IsZero reports whether a == 0.
func (a Fixed) IsZero() bool { return a.v.IsZero() }

// Cmp compares a and b and returns -1, 0 or +1.
func (a Fixed) Cmp(b Fixed) int {
	switch {
	case a.v.Slt(&b.v):
		return -1
	case a.v.Sgt(&b.v):
		return 1
	default:
		return 0
	}
}

// Equal reports whether a == b.
func (a Fixed) Equal(b Fixed) bool { return a.v.Eq(&b.v) }

// Bits returns the raw signed integer (value × 2^48) in base 10. This is the
// lossless storage form.
func (a Fixed) Bits() string {
	if a.v.Sign() < 0 {
		var mag uint256.Int
		mag.Abs(&a.v)
		return "-" + mag.Dec()
	}
	return a.v.Dec()
}

// Decimal returns the exact decimal value.
func (a Fixed) Decimal() decimal.Decimal {
	raw := new(big.Int)
	if a.v.Sign() < 0 {
		var mag uint256.Int
		mag.Abs(&a.v)
		raw.Neg(mag.ToBig())
	} else {
		raw = a.v.ToBig()
	}
	return decimal.NewFromBigInt(raw.Mul(raw, five48), -FracBits)
}

func (a Fixed) String() string { return a.Decimal().String() }

// MarshalJSON encodes the exact decimal value as a JSON string.
func (a Fixed) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted or bare decimal number.
func (a *Fixed) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*a = Fixed{}
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	f, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*a = f
	return nil
}
