package fixed

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestFromUint64_RoundTrip(t *testing.T) {
	for _, x := range []uint64{0, 1, 1000, math.MaxUint32, math.MaxUint64} {
		got, err := FromUint64(x).Floor()
		require.NoError(t, err)
		require.Equal(t, x, got)
	}
}

func TestFromInt64_Negative(t *testing.T) {
	f := FromInt64(-5)
	require.Equal(t, -1, f.Sign())
	require.Equal(t, "-5", f.String())

	min := FromInt64(math.MinInt64)
	require.Equal(t, "-9223372036854775808", min.String())
}

func TestRatio_Fractional(t *testing.T) {
	f, err := Ratio(1, 4)
	require.NoError(t, err)
	require.Equal(t, "0.25", f.String())

	third, err := Ratio(1, 3)
	require.NoError(t, err)
	// 1/3 is not representable; the result truncates below the true value.
	require.True(t, third.Decimal().LessThan(decimal.RequireFromString("0.33333333333334")))
	require.True(t, third.Decimal().GreaterThan(decimal.RequireFromString("0.33333333333332")))
}

func TestRatio_DivisionByZero(t *testing.T) {
	_, err := Ratio(10, 0)
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestMul_IntegerIsExact(t *testing.T) {
	acc, err := Ratio(1000, 4000)
	require.NoError(t, err)

	a, err := FromUint64(1000).Mul(acc)
	require.NoError(t, err)
	b, err := FromUint64(3000).Mul(acc)
	require.NoError(t, err)

	three, err := a.Mul(FromUint64(3))
	require.NoError(t, err)
	require.True(t, three.Equal(b))
}

func TestMul_Overflow(t *testing.T) {
	big := FromUint64(math.MaxUint64)
	_, err := big.Mul(big)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestAdd_Overflow(t *testing.T) {
	// 2^78 doubled reaches the 2^79 ceiling.
	half, err := FromUint64(1 << 62).Mul(FromUint64(1 << 16))
	require.NoError(t, err)
	_, err = half.Add(half)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestSub_GoesNegative(t *testing.T) {
	d, err := FromUint64(3).Sub(FromUint64(5))
	require.NoError(t, err)
	require.Equal(t, -1, d.Sign())
	require.Equal(t, -1, d.Cmp(Zero()))

	_, err = d.Floor()
	require.ErrorIs(t, err, ErrNegative)
}

func TestDiv_TruncatesTowardZero(t *testing.T) {
	q, err := FromInt64(-7).Div(FromUint64(2))
	require.NoError(t, err)
	require.Equal(t, "-3.5", q.String())
}

func TestFloor_TruncatesFraction(t *testing.T) {
	f, err := Ratio(7, 2)
	require.NoError(t, err)
	n, err := f.Floor()
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
}

func TestFloor_Overflow(t *testing.T) {
	f, err := FromUint64(math.MaxUint64).Add(FromUint64(1))
	require.NoError(t, err)
	_, err = f.Floor()
	require.ErrorIs(t, err, ErrOverflow)
}

func TestBits_RoundTrip(t *testing.T) {
	for _, f := range []Fixed{Zero(), FromUint64(42), FromInt64(-42)} {
		back, err := FromBits(f.Bits())
		require.NoError(t, err)
		require.True(t, f.Equal(back), "bits %s", f.Bits())
	}
	require.Equal(t, "281474976710656", FromUint64(1).Bits())

	_, err := FromBits("not-a-number")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestJSON_ExactRoundTrip(t *testing.T) {
	third, err := Ratio(1, 3)
	require.NoError(t, err)

	data, err := json.Marshal(third)
	require.NoError(t, err)

	var back Fixed
	require.NoError(t, json.Unmarshal(data, &back))
	require.True(t, third.Equal(back), "%s != %s", third, back)
}

func TestCmp(t *testing.T) {
	require.Equal(t, 1, FromUint64(2).Cmp(FromUint64(1)))
	require.Equal(t, -1, FromInt64(-2).Cmp(FromInt64(-1)))
	require.Equal(t, 0, FromUint64(9).Cmp(FromUint64(9)))
}
