// Package fixedpoint holds the integer arithmetic every settlement path goes through.
//
// Unsigned quantities (prices, sqrt prices, liquidity) are *uint256.Int.
// Signed quantities (position size, cost basis, PnL) are Amount, a two's-complement int256.
// All results are bit-identical across platforms: no floating point is used anywhere.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// ErrArithmeticOverflow is returned when the exact result does not fit the target width.
	// Results are never truncated silently.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrDivisionByZero     = errors.New("division by zero")
)

// Rounding selects how a non-zero remainder is resolved
type Rounding int8

const (
	RoundDown Rounding = iota // toward zero
	RoundUp                   // away from zero
)

func (r Rounding) String() string {
	switch r {
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// WadDecimals is the number of fractional decimal digits of the common quote unit
const WadDecimals = 18

var (
	one = uint256.NewInt(1)

	// Q96 = 2^96, the scale of sqrtPriceX96 values
	Q96 = new(uint256.Int).Lsh(one, 96)
	// Q128 = 2^128
	Q128 = new(uint256.Int).Lsh(one, 128)
	// Wad = 10^18
	Wad = uint256.NewInt(1_000_000_000_000_000_000)

	maxUint256 = new(uint256.Int).SetAllOne()

	pow10 [78]*uint256.Int
)

func init() {
	pow10[0] = uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := 1; i < len(pow10); i++ {
		pow10[i] = new(uint256.Int).Mul(pow10[i-1], ten)
	}
}

// Pow10 returns a fresh copy of 10^n. 10^77 is the largest power of ten below 2^256.
func Pow10(n uint) (*uint256.Int, error) {
	if n >= uint(len(pow10)) {
		return nil, fmt.Errorf("%w: 10^%d", ErrArithmeticOverflow, n)
	}
	return new(uint256.Int).Set(pow10[n]), nil
}

// MulDiv computes floor(a*b/denom) with a 512-bit intermediate product
func MulDiv(a, b, denom *uint256.Int) (*uint256.Int, error) {
	return MulDivRounding(a, b, denom, RoundDown)
}

// MulDivRoundingUp computes ceil(a*b/denom) with a 512-bit intermediate product
func MulDivRoundingUp(a, b, denom *uint256.Int) (*uint256.Int, error) {
	return MulDivRounding(a, b, denom, RoundUp)
}

// MulDivRounding computes a*b/denom exactly and rounds the quotient as requested.
// Fails with ErrArithmeticOverflow if the quotient needs more than 256 bits.
func MulDivRounding(a, b, denom *uint256.Int, mode Rounding) (*uint256.Int, error) {
	if denom.IsZero() {
		return nil, ErrDivisionByZero
	}

	z, overflow := new(uint256.Int).MulDivOverflow(a, b, denom)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", ErrArithmeticOverflow, a.Dec(), b.Dec(), denom.Dec())
	}

	if mode == RoundUp && !new(uint256.Int).MulMod(a, b, denom).IsZero() {
		if z.Eq(maxUint256) {
			return nil, fmt.Errorf("%w: rounding up %s * %s / %s", ErrArithmeticOverflow, a.Dec(), b.Dec(), denom.Dec())
		}
		z.AddUint64(z, 1)
	}
	return z, nil
}

// DivRoundingUp returns ceil(a/b)
func DivRoundingUp(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivisionByZero
	}
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(a, b, r)
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q, nil
}

// Sqrt returns floor(sqrt(x))
func Sqrt(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sqrt(x)
}

// AddChecked returns a+b or ErrArithmeticOverflow
func AddChecked(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrArithmeticOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// SubChecked returns a-b or ErrArithmeticOverflow when b > a
func SubChecked(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, fmt.Errorf("%w: %s - %s", ErrArithmeticOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}
