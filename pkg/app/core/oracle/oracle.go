// Package oracle derives mark prices from liquidity curves.
package oracle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

var (
	// ErrMarketNotInitialized is returned when a market has no curve or the curve has no price yet
	ErrMarketNotInitialized = errors.New("market not initialized")
	ErrAlreadyRegistered    = errors.New("market already has a mark price source")
)

// Curve is the read side of a liquidity curve
type Curve interface {
	Initialized() bool
	SqrtPriceX96() (*uint256.Int, error)
}

// MarkPrice is one reading. Price is quote per whole base unit with 18 decimals.
type MarkPrice struct {
	SqrtPriceX96 *uint256.Int
	Price        *uint256.Int
}

type source struct {
	curve         Curve
	baseDecimals  uint8
	quoteDecimals uint8
}

// MarkPriceOracle holds exactly one curve per market and reads it on every call.
// Nothing is cached: a reading always reflects the last applied trade.
type MarkPriceOracle struct {
	mu      sync.RWMutex
	sources map[string]source
}

func NewMarkPriceOracle() *MarkPriceOracle {
	return &MarkPriceOracle{sources: make(map[string]source)}
}

// Register binds a market to its curve
func (o *MarkPriceOracle) Register(market string, curve Curve, baseDecimals, quoteDecimals uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.sources[market]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, market)
	}
	o.sources[market] = source{curve: curve, baseDecimals: baseDecimals, quoteDecimals: quoteDecimals}
	return nil
}

// Replace swaps the curve of an already registered market
func (o *MarkPriceOracle) Replace(market string, curve Curve) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	src, ok := o.sources[market]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotInitialized, market)
	}
	src.curve = curve
	o.sources[market] = src
	return nil
}

// CurrentPrice reads the curve and converts its sqrt price to an 18-decimal price
func (o *MarkPriceOracle) CurrentPrice(market string) (MarkPrice, error) {
	o.mu.RLock()
	src, ok := o.sources[market]
	o.mu.RUnlock()

	if !ok || !src.curve.Initialized() {
		return MarkPrice{}, fmt.Errorf("%w: %s", ErrMarketNotInitialized, market)
	}
	sqrtP, err := src.curve.SqrtPriceX96()
	if err != nil {
		return MarkPrice{}, fmt.Errorf("%w: %s: %v", ErrMarketNotInitialized, market, err)
	}

	price, err := PriceFromSqrtX96(sqrtP, src.baseDecimals, src.quoteDecimals)
	if err != nil {
		return MarkPrice{}, fmt.Errorf("mark price %s: %w", market, err)
	}
	return MarkPrice{SqrtPriceX96: sqrtP, Price: price}, nil
}

// PriceFromSqrtX96 converts a Q64.96 sqrt price of raw token units into the price of one
// whole base token in quote, with 18 decimals, rounding down:
//
//	price = sqrtP^2 / 2^192 * 10^(18 + baseDecimals - quoteDecimals)
func PriceFromSqrtX96(sqrtPriceX96 *uint256.Int, baseDecimals, quoteDecimals uint8) (*uint256.Int, error) {
	ratioX96, err := fixedpoint.MulDiv(sqrtPriceX96, sqrtPriceX96, fixedpoint.Q96)
	if err != nil {
		return nil, err
	}

	exp := fixedpoint.WadDecimals + int(baseDecimals) - int(quoteDecimals)
	if exp >= 0 {
		scale, err := fixedpoint.Pow10(uint(exp))
		if err != nil {
			return nil, err
		}
		return fixedpoint.MulDiv(ratioX96, scale, fixedpoint.Q96)
	}

	scale, err := fixedpoint.Pow10(uint(-exp))
	if err != nil {
		return nil, err
	}
	ratio := new(uint256.Int).Div(ratioX96, fixedpoint.Q96)
	return ratio.Div(ratio, scale), nil
}

// SqrtX96FromPrice is the inverse used to seed pools from a human price; rounds down
func SqrtX96FromPrice(price18 *uint256.Int, baseDecimals, quoteDecimals uint8) (*uint256.Int, error) {
	// ratio = price18 / 10^(18+base-quote); sqrtP = sqrt(ratio * 2^192)
	exp := fixedpoint.WadDecimals + int(baseDecimals) - int(quoteDecimals)
	num := new(uint256.Int).Set(price18)
	den := uint256.NewInt(1)
	if exp >= 0 {
		scale, err := fixedpoint.Pow10(uint(exp))
		if err != nil {
			return nil, err
		}
		den = scale
	} else {
		scale, err := fixedpoint.Pow10(uint(-exp))
		if err != nil {
			return nil, err
		}
		if num, err = fixedpoint.MulDiv(num, scale, uint256.NewInt(1)); err != nil {
			return nil, err
		}
	}

	ratioX96, err := fixedpoint.MulDiv(num, fixedpoint.Q96, den)
	if err != nil {
		return nil, err
	}
	// sqrt(ratioX96 * 2^96). For very large ratios part of the 2^96 factor is taken
	// outside the root so the radicand stays within 256 bits.
	shift := uint(0)
	for uint(ratioX96.BitLen())+96-2*shift > 256 {
		shift++
	}
	radicand := new(uint256.Int).Lsh(ratioX96, 96-2*shift)
	root := fixedpoint.Sqrt(radicand)
	return root.Lsh(root, shift), nil
}
