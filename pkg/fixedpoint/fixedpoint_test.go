package fixedpoint

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

func TestMulDivRounding(t *testing.T) {
	tests := []struct {
		name     string
		a, b, d  string
		down, up string
	}{
		{"exact", "100", "3", "3", "100", "100"},
		{"remainder", "10", "10", "3", "33", "34"},
		{"zero numerator", "0", "5", "7", "0", "0"},
		{"512-bit intermediate", "340282366920938463463374607431768211456", "340282366920938463463374607431768211456", "340282366920938463463374607431768211456", "340282366920938463463374607431768211456", "340282366920938463463374607431768211456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			down, err := MulDiv(u(tt.a), u(tt.b), u(tt.d))
			require.NoError(t, err)
			assert.Equal(t, tt.down, down.Dec())

			up, err := MulDivRoundingUp(u(tt.a), u(tt.b), u(tt.d))
			require.NoError(t, err)
			assert.Equal(t, tt.up, up.Dec())
		})
	}
}

func TestMulDivOverflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	_, err := MulDiv(max, max, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrArithmeticOverflow)

	// max*max/max fits exactly
	z, err := MulDiv(max, max, max)
	require.NoError(t, err)
	assert.True(t, z.Eq(max))

	_, err = MulDiv(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(0))
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestMulDivRoundingUpAtMax(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	// (max * (max-1)) / (max-1) == max, no remainder
	m1 := new(uint256.Int).SubUint64(max, 1)
	z, err := MulDivRoundingUp(max, m1, m1)
	require.NoError(t, err)
	assert.True(t, z.Eq(max))
}

func TestSqrtFloor(t *testing.T) {
	assert.Equal(t, "0", Sqrt(uint256.NewInt(0)).Dec())
	assert.Equal(t, "3", Sqrt(uint256.NewInt(15)).Dec())
	assert.Equal(t, "4", Sqrt(uint256.NewInt(16)).Dec())
	// sqrt(100) * 2^96 squared back
	sq := new(uint256.Int).Mul(uint256.NewInt(100), new(uint256.Int).Lsh(uint256.NewInt(1), 192))
	assert.Equal(t, new(uint256.Int).Mul(uint256.NewInt(10), Q96).Dec(), Sqrt(sq).Dec())
}

func TestAmountArithmetic(t *testing.T) {
	a := NewAmount(-100)
	b := NewAmount(42)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "-58", sum.String())

	diff, err := b.Sub(a)
	require.NoError(t, err)
	assert.Equal(t, "142", diff.String())

	assert.Equal(t, -1, a.Cmp(b))
	assert.Equal(t, 1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(NewAmount(-100)))
	assert.Equal(t, "100", a.Magnitude().Dec())
	assert.Equal(t, "-9223372036854775808", NewAmount(-1<<63).String())
}

func TestAmountRangeChecks(t *testing.T) {
	big255 := new(big.Int).Lsh(big.NewInt(1), 255)

	_, err := ParseAmount(big255.String())
	require.ErrorIs(t, err, ErrArithmeticOverflow, "2^255 fits only as a negative")
	_, err = AmountFromBig(big255)
	require.ErrorIs(t, err, ErrArithmeticOverflow)

	min, err := ParseAmount("-" + big255.String())
	require.NoError(t, err)
	assert.Equal(t, big255.String(), min.Magnitude().Dec())
	_, err = min.Neg()
	require.ErrorIs(t, err, ErrArithmeticOverflow)

	top, err := AmountFromBig(new(big.Int).Sub(big255, big.NewInt(1)))
	require.NoError(t, err)
	_, err = top.Add(NewAmount(1))
	require.ErrorIs(t, err, ErrArithmeticOverflow)
	_, err = min.Sub(NewAmount(1))
	require.ErrorIs(t, err, ErrArithmeticOverflow)
	_, err = top.Sub(NewAmount(-1))
	require.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestMulDivAmountRoundsTowardZero(t *testing.T) {
	pos, err := MulDivAmount(NewAmount(10), uint256.NewInt(1), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, "3", pos.String())

	neg, err := MulDivAmount(NewAmount(-10), uint256.NewInt(1), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, "-3", neg.String())
}

func TestRescale(t *testing.T) {
	up, err := Rescale(NewAmount(-1_500_000), 6, 18)
	require.NoError(t, err)
	assert.Equal(t, "-1500000000000000000", up.String())

	down, err := Rescale(MustAmount("-1999999999999"), 18, 6)
	require.NoError(t, err)
	assert.Equal(t, "-1", down.String())
}

func TestAccumulatorIsOrderIndependent(t *testing.T) {
	big255 := new(big.Int).Lsh(big.NewInt(1), 255)
	top, err := AmountFromBig(new(big.Int).Sub(big255, big.NewInt(1)))
	require.NoError(t, err)

	// top + 1 - 1 overflows when chained left to right but not as a whole
	terms := []Amount{top, NewAmount(1), NewAmount(-1)}

	var forward, backward Accumulator
	for _, a := range terms {
		forward.Add(a)
	}
	for i := len(terms) - 1; i >= 0; i-- {
		backward.Add(terms[i])
	}

	f, err := forward.Result()
	require.NoError(t, err)
	b, err := backward.Result()
	require.NoError(t, err)
	assert.True(t, f.Equal(b))
	assert.True(t, f.Equal(top))

	var over Accumulator
	over.Add(top)
	over.Add(top)
	_, err = over.Result()
	assert.True(t, errors.Is(err, ErrArithmeticOverflow))
}

func TestAmountJSONAndDecimal(t *testing.T) {
	a := MustAmount("1750496580332248211")
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"1750496580332248211"`, string(data))

	var back Amount
	require.NoError(t, json.Unmarshal([]byte(`"-85955129155713749"`), &back))
	assert.Equal(t, "-85955129155713749", back.String())
	require.NoError(t, json.Unmarshal([]byte(`12`), &back))
	assert.Equal(t, "12", back.String())

	assert.Equal(t, "1.750496580332248211", a.Decimal(WadDecimals).String())
	assert.Equal(t, "-0.085955129155713749", MustAmount("-85955129155713749").Decimal(WadDecimals).String())
}
