package amm

import (
	"github.com/holiman/uint256"

	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

// FeeDenominator: fees are expressed in pips, hundredths of a basis point
const FeeDenominator = 1_000_000

// SwapStep is the outcome of swapping within a single liquidity range
type SwapStep struct {
	SqrtPriceNextX96 *uint256.Int
	AmountIn         *uint256.Int // excludes fee
	AmountOut        *uint256.Int
	FeeAmount        *uint256.Int
}

// ComputeSwapStep swaps amountRemaining between sqrtCurrent and sqrtTarget with
// constant liquidity. exactIn selects whether amountRemaining is an input budget
// (fee inclusive) or a desired output.
func ComputeSwapStep(sqrtCurrent, sqrtTarget, liquidity, amountRemaining *uint256.Int, exactIn bool, feePips uint32) (SwapStep, error) {
	var (
		step       SwapStep
		err        error
		amountIn   *uint256.Int
		amountOut  *uint256.Int
		zeroForOne = !sqrtCurrent.Lt(sqrtTarget)
		fee        = uint256.NewInt(uint64(feePips))
		feeComp    = uint256.NewInt(uint64(FeeDenominator - feePips))
		denom      = uint256.NewInt(FeeDenominator)
	)

	if exactIn {
		var lessFee *uint256.Int
		if lessFee, err = fixedpoint.MulDiv(amountRemaining, feeComp, denom); err != nil {
			return step, err
		}
		if zeroForOne {
			amountIn, err = Amount0Delta(sqrtTarget, sqrtCurrent, liquidity, true)
		} else {
			amountIn, err = Amount1Delta(sqrtCurrent, sqrtTarget, liquidity, true)
		}
		if err != nil {
			return step, err
		}
		if !lessFee.Lt(amountIn) {
			step.SqrtPriceNextX96 = new(uint256.Int).Set(sqrtTarget)
		} else if step.SqrtPriceNextX96, err = NextSqrtPriceFromInput(sqrtCurrent, liquidity, lessFee, zeroForOne); err != nil {
			return step, err
		}
	} else {
		if zeroForOne {
			amountOut, err = Amount1Delta(sqrtTarget, sqrtCurrent, liquidity, false)
		} else {
			amountOut, err = Amount0Delta(sqrtCurrent, sqrtTarget, liquidity, false)
		}
		if err != nil {
			return step, err
		}
		if !amountRemaining.Lt(amountOut) {
			step.SqrtPriceNextX96 = new(uint256.Int).Set(sqrtTarget)
		} else if step.SqrtPriceNextX96, err = NextSqrtPriceFromOutput(sqrtCurrent, liquidity, amountRemaining, zeroForOne); err != nil {
			return step, err
		}
	}

	reachedTarget := sqrtTarget.Eq(step.SqrtPriceNextX96)
	next := step.SqrtPriceNextX96

	if zeroForOne {
		if !(reachedTarget && exactIn) {
			if amountIn, err = Amount0Delta(next, sqrtCurrent, liquidity, true); err != nil {
				return step, err
			}
		}
		if !(reachedTarget && !exactIn) {
			if amountOut, err = Amount1Delta(next, sqrtCurrent, liquidity, false); err != nil {
				return step, err
			}
		}
	} else {
		if !(reachedTarget && exactIn) {
			if amountIn, err = Amount1Delta(sqrtCurrent, next, liquidity, true); err != nil {
				return step, err
			}
		}
		if !(reachedTarget && !exactIn) {
			if amountOut, err = Amount0Delta(sqrtCurrent, next, liquidity, false); err != nil {
				return step, err
			}
		}
	}

	// output can never exceed what was asked for
	if !exactIn && amountOut.Gt(amountRemaining) {
		amountOut = new(uint256.Int).Set(amountRemaining)
	}

	if exactIn && !reachedTarget {
		// the whole remaining input is consumed; what is left over is fee
		step.FeeAmount = new(uint256.Int).Sub(amountRemaining, amountIn)
	} else if step.FeeAmount, err = fixedpoint.MulDivRoundingUp(amountIn, fee, feeComp); err != nil {
		return step, err
	}

	step.AmountIn = amountIn
	step.AmountOut = amountOut
	return step, nil
}
