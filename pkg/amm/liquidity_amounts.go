package amm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

var maxUint128 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 128), 1)

func toUint128(x *uint256.Int) (*uint256.Int, error) {
	if x.Gt(maxUint128) {
		return nil, fmt.Errorf("%w: %s exceeds uint128", ErrLiquidityOverflow, x.Dec())
	}
	return x, nil
}

// LiquidityForAmount0 = amount0 * (sqrtA * sqrtB) / (sqrtB - sqrtA), rounded down
func LiquidityForAmount0(sqrtA, sqrtB, amount0 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = sortPrices(sqrtA, sqrtB)
	if sqrtA.Eq(sqrtB) {
		return nil, ErrInvalidTickRange
	}
	intermediate, err := fixedpoint.MulDiv(sqrtA, sqrtB, fixedpoint.Q96)
	if err != nil {
		return nil, err
	}
	l, err := fixedpoint.MulDiv(amount0, intermediate, new(uint256.Int).Sub(sqrtB, sqrtA))
	if err != nil {
		return nil, err
	}
	return toUint128(l)
}

// LiquidityForAmount1 = amount1 / (sqrtB - sqrtA), rounded down
func LiquidityForAmount1(sqrtA, sqrtB, amount1 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = sortPrices(sqrtA, sqrtB)
	if sqrtA.Eq(sqrtB) {
		return nil, ErrInvalidTickRange
	}
	l, err := fixedpoint.MulDiv(amount1, fixedpoint.Q96, new(uint256.Int).Sub(sqrtB, sqrtA))
	if err != nil {
		return nil, err
	}
	return toUint128(l)
}

// LiquidityForAmounts returns the most liquidity the given amounts can back for the
// range [sqrtA, sqrtB] at the current price sqrtP
func LiquidityForAmounts(sqrtP, sqrtA, sqrtB, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = sortPrices(sqrtA, sqrtB)

	switch {
	case !sqrtP.Gt(sqrtA):
		return LiquidityForAmount0(sqrtA, sqrtB, amount0)
	case sqrtP.Lt(sqrtB):
		l0, err := LiquidityForAmount0(sqrtP, sqrtB, amount0)
		if err != nil {
			return nil, err
		}
		l1, err := LiquidityForAmount1(sqrtA, sqrtP, amount1)
		if err != nil {
			return nil, err
		}
		if l0.Lt(l1) {
			return l0, nil
		}
		return l1, nil
	default:
		return LiquidityForAmount1(sqrtA, sqrtB, amount1)
	}
}

// AmountsForLiquidity returns the token amounts a position of liquidity holds at sqrtP,
// rounded up as owed by a minter
func AmountsForLiquidity(sqrtP, sqrtA, sqrtB, liquidity *uint256.Int) (amount0, amount1 *uint256.Int, err error) {
	sqrtA, sqrtB = sortPrices(sqrtA, sqrtB)
	amount0, amount1 = new(uint256.Int), new(uint256.Int)

	switch {
	case !sqrtP.Gt(sqrtA):
		amount0, err = Amount0Delta(sqrtA, sqrtB, liquidity, true)
	case sqrtP.Lt(sqrtB):
		if amount0, err = Amount0Delta(sqrtP, sqrtB, liquidity, true); err != nil {
			return nil, nil, err
		}
		amount1, err = Amount1Delta(sqrtA, sqrtP, liquidity, true)
	default:
		amount1, err = Amount1Delta(sqrtA, sqrtB, liquidity, true)
	}
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}
