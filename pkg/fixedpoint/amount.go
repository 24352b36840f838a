package fixedpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// 2^255: |MinInt256|, and one past MaxInt256
	signBit = new(uint256.Int).Lsh(one, 255)
)

// Amount is a signed 256-bit integer in two's complement (an int256).
// The zero value is 0 and ready to use. Amount is a value type; methods never mutate the receiver.
type Amount struct {
	v uint256.Int
}

// Zero is the zero Amount
var Zero Amount

// NewAmount converts an int64
func NewAmount(x int64) Amount {
	var a Amount
	if x >= 0 {
		a.v.SetUint64(uint64(x))
		return a
	}
	// uint64(-MinInt64) wraps to 2^63, which is the right magnitude
	a.v.SetUint64(uint64(-x))
	a.v.Neg(&a.v)
	return a
}

// AmountFromMagnitude builds ±mag. Fails when the value is outside [-2^255, 2^255-1].
func AmountFromMagnitude(mag *uint256.Int, negative bool) (Amount, error) {
	var a Amount
	if negative {
		if mag.Gt(signBit) {
			return a, fmt.Errorf("%w: -%s exceeds int256", ErrArithmeticOverflow, mag.Dec())
		}
		a.v.Neg(mag)
		return a, nil
	}
	if !mag.Lt(signBit) {
		return a, fmt.Errorf("%w: %s exceeds int256", ErrArithmeticOverflow, mag.Dec())
	}
	a.v.Set(mag)
	return a, nil
}

// MustAmount parses a decimal string and panics on failure; for constants and tests
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAmount parses an optionally signed base-10 integer string
func ParseAmount(s string) (Amount, error) {
	negative := false
	switch {
	case strings.HasPrefix(s, "-"):
		negative = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	mag, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return AmountFromMagnitude(mag, negative)
}

// AmountFromBig converts a big.Int, failing outside the int256 range
func AmountFromBig(b *big.Int) (Amount, error) {
	mag, overflow := uint256.FromBig(new(big.Int).Abs(b))
	if overflow {
		return Amount{}, fmt.Errorf("%w: %s exceeds int256", ErrArithmeticOverflow, b.String())
	}
	return AmountFromMagnitude(mag, b.Sign() < 0)
}

// Sign returns -1, 0 or +1
func (a Amount) Sign() int { return a.v.Sign() }

// IsZero reports a == 0
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Magnitude returns |a| as an unsigned value. |MinInt256| = 2^255 is representable.
func (a Amount) Magnitude() *uint256.Int {
	if a.v.Sign() < 0 {
		return new(uint256.Int).Neg(&a.v)
	}
	return new(uint256.Int).Set(&a.v)
}

// Neg returns -a
func (a Amount) Neg() (Amount, error) {
	if a.v.Eq(signBit) {
		return Amount{}, fmt.Errorf("%w: negating min int256", ErrArithmeticOverflow)
	}
	var r Amount
	r.v.Neg(&a.v)
	return r, nil
}

// Add returns a+b
func (a Amount) Add(b Amount) (Amount, error) {
	var r Amount
	r.v.Add(&a.v, &b.v)
	sa, sb, sr := a.Sign() < 0, b.Sign() < 0, r.Sign() < 0
	if sa == sb && sr != sa {
		return Amount{}, fmt.Errorf("%w: %s + %s", ErrArithmeticOverflow, a, b)
	}
	return r, nil
}

// Sub returns a-b
func (a Amount) Sub(b Amount) (Amount, error) {
	var r Amount
	r.v.Sub(&a.v, &b.v)
	sa, sb, sr := a.Sign() < 0, b.Sign() < 0, r.Sign() < 0
	if sa != sb && sr != sa {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrArithmeticOverflow, a, b)
	}
	return r, nil
}

// Cmp compares a and b as signed integers
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.v.Slt(&b.v):
		return -1
	case a.v.Sgt(&b.v):
		return 1
	default:
		return 0
	}
}

// Equal reports a == b
func (a Amount) Equal(b Amount) bool { return a.v.Eq(&b.v) }

// Big returns a as a new big.Int
func (a Amount) Big() *big.Int {
	b := a.Magnitude().ToBig()
	if a.Sign() < 0 {
		b.Neg(b)
	}
	return b
}

// String renders base-10 with a leading '-' for negatives
func (a Amount) String() string {
	if a.Sign() < 0 {
		return "-" + a.Magnitude().Dec()
	}
	return a.v.Dec()
}

// Bytes32 is the 32-byte big-endian two's complement encoding, as in an EVM word
func (a Amount) Bytes32() [32]byte { return a.v.Bytes32() }

// Decimal renders a as a human number with the given count of fractional digits,
// e.g. Decimal(18) of 1750496580332248211 is 1.750496580332248211
func (a Amount) Decimal(decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(a.Big(), -decimals)
}

// MarshalJSON encodes as a quoted base-10 string so JS clients do not lose precision
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a quoted or bare base-10 integer
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MulDivAmount computes a*b/denom for a signed a, rounding toward zero.
// Sign is applied to the rounded magnitude, so -x and x round symmetrically.
func MulDivAmount(a Amount, b, denom *uint256.Int) (Amount, error) {
	mag, err := MulDiv(a.Magnitude(), b, denom)
	if err != nil {
		return Amount{}, err
	}
	return AmountFromMagnitude(mag, a.Sign() < 0)
}

// Rescale moves a between decimal scales. Scaling down rounds toward zero.
func Rescale(a Amount, fromDecimals, toDecimals uint8) (Amount, error) {
	switch {
	case fromDecimals == toDecimals:
		return a, nil
	case toDecimals > fromDecimals:
		factor, err := Pow10(uint(toDecimals - fromDecimals))
		if err != nil {
			return Amount{}, err
		}
		return MulDivAmount(a, factor, one)
	default:
		factor, err := Pow10(uint(fromDecimals - toDecimals))
		if err != nil {
			return Amount{}, err
		}
		return MulDivAmount(a, one, factor)
	}
}

// Accumulator sums Amounts in an unbounded integer and range-checks once at the end,
// so the result does not depend on the order terms are added in.
type Accumulator struct {
	sum big.Int
}

// Add adds a term
func (acc *Accumulator) Add(a Amount) {
	acc.sum.Add(&acc.sum, a.Big())
}

// Result returns the sum, or ErrArithmeticOverflow if it does not fit an int256
func (acc *Accumulator) Result() (Amount, error) {
	return AmountFromBig(&acc.sum)
}
