package amm

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

var maxUint160 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 160), 1)

func sortPrices(a, b *uint256.Int) (*uint256.Int, *uint256.Int) {
	if a.Gt(b) {
		return b, a
	}
	return a, b
}

// Amount0Delta is the token0 amount between two sqrt prices for a liquidity:
// L * (sqrtB - sqrtA) / (sqrtA * sqrtB)
func Amount0Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	sqrtA, sqrtB = sortPrices(sqrtA, sqrtB)
	if sqrtA.IsZero() {
		return nil, fmt.Errorf("%w: zero sqrt price", ErrSqrtPriceOutOfRange)
	}

	numerator1 := new(uint256.Int).Lsh(liquidity, 96)
	numerator2 := new(uint256.Int).Sub(sqrtB, sqrtA)

	if roundUp {
		q, err := fixedpoint.MulDivRoundingUp(numerator1, numerator2, sqrtB)
		if err != nil {
			return nil, err
		}
		return fixedpoint.DivRoundingUp(q, sqrtA)
	}
	q, err := fixedpoint.MulDiv(numerator1, numerator2, sqrtB)
	if err != nil {
		return nil, err
	}
	return q.Div(q, sqrtA), nil
}

// Amount1Delta is the token1 amount between two sqrt prices: L * (sqrtB - sqrtA)
func Amount1Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	sqrtA, sqrtB = sortPrices(sqrtA, sqrtB)
	diff := new(uint256.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return fixedpoint.MulDivRoundingUp(liquidity, diff, fixedpoint.Q96)
	}
	return fixedpoint.MulDiv(liquidity, diff, fixedpoint.Q96)
}

// nextSqrtPriceFromAmount0RoundingUp always rounds up: moving the price down on
// input must not undercharge, moving it up on output must not overpay
func nextSqrtPriceFromAmount0RoundingUp(sqrtP, liquidity, amount *uint256.Int, add bool) (*uint256.Int, error) {
	if amount.IsZero() {
		return new(uint256.Int).Set(sqrtP), nil
	}
	numerator1 := new(uint256.Int).Lsh(liquidity, 96)

	product, mulOverflow := new(uint256.Int).MulOverflow(amount, sqrtP)
	if add {
		if !mulOverflow {
			denominator, addOverflow := new(uint256.Int).AddOverflow(numerator1, product)
			if !addOverflow {
				return fixedpoint.MulDivRoundingUp(numerator1, sqrtP, denominator)
			}
		}
		// numerator1 / (numerator1/sqrtP + amount)
		denominator := new(uint256.Int).Div(numerator1, sqrtP)
		if _, overflow := denominator.AddOverflow(denominator, amount); overflow {
			return nil, fmt.Errorf("%w: next sqrt price from amount0", fixedpoint.ErrArithmeticOverflow)
		}
		return fixedpoint.DivRoundingUp(numerator1, denominator)
	}

	if mulOverflow || !numerator1.Gt(product) {
		return nil, fmt.Errorf("%w: output exceeds token0 reserves", ErrInsufficientLiquidity)
	}
	denominator := new(uint256.Int).Sub(numerator1, product)
	next, err := fixedpoint.MulDivRoundingUp(numerator1, sqrtP, denominator)
	if err != nil {
		return nil, err
	}
	if next.Gt(maxUint160) {
		return nil, fmt.Errorf("%w: next sqrt price exceeds uint160", fixedpoint.ErrArithmeticOverflow)
	}
	return next, nil
}

// nextSqrtPriceFromAmount1RoundingDown always rounds down, for the same reason
func nextSqrtPriceFromAmount1RoundingDown(sqrtP, liquidity, amount *uint256.Int, add bool) (*uint256.Int, error) {
	if add {
		var quotient *uint256.Int
		if !amount.Gt(maxUint160) {
			quotient = new(uint256.Int).Lsh(amount, 96)
			quotient.Div(quotient, liquidity)
		} else {
			var err error
			if quotient, err = fixedpoint.MulDiv(amount, fixedpoint.Q96, liquidity); err != nil {
				return nil, err
			}
		}
		next, err := fixedpoint.AddChecked(sqrtP, quotient)
		if err != nil {
			return nil, err
		}
		if next.Gt(maxUint160) {
			return nil, fmt.Errorf("%w: next sqrt price exceeds uint160", fixedpoint.ErrArithmeticOverflow)
		}
		return next, nil
	}

	var quotient *uint256.Int
	var err error
	if !amount.Gt(maxUint160) {
		quotient, err = fixedpoint.DivRoundingUp(new(uint256.Int).Lsh(amount, 96), liquidity)
	} else {
		quotient, err = fixedpoint.MulDivRoundingUp(amount, fixedpoint.Q96, liquidity)
	}
	if err != nil {
		return nil, err
	}
	if !sqrtP.Gt(quotient) {
		return nil, fmt.Errorf("%w: output exceeds token1 reserves", ErrInsufficientLiquidity)
	}
	return new(uint256.Int).Sub(sqrtP, quotient), nil
}

// NextSqrtPriceFromInput returns the sqrt price after adding amountIn of token0
// (zeroForOne) or token1
func NextSqrtPriceFromInput(sqrtP, liquidity, amountIn *uint256.Int, zeroForOne bool) (*uint256.Int, error) {
	if sqrtP.IsZero() || liquidity.IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	if zeroForOne {
		return nextSqrtPriceFromAmount0RoundingUp(sqrtP, liquidity, amountIn, true)
	}
	return nextSqrtPriceFromAmount1RoundingDown(sqrtP, liquidity, amountIn, true)
}

// NextSqrtPriceFromOutput returns the sqrt price after removing amountOut of token1
// (zeroForOne) or token0
func NextSqrtPriceFromOutput(sqrtP, liquidity, amountOut *uint256.Int, zeroForOne bool) (*uint256.Int, error) {
	if sqrtP.IsZero() || liquidity.IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	if zeroForOne {
		return nextSqrtPriceFromAmount1RoundingDown(sqrtP, liquidity, amountOut, false)
	}
	return nextSqrtPriceFromAmount0RoundingUp(sqrtP, liquidity, amountOut, false)
}
