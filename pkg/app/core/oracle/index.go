package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// IndexPriceFeed supplies an external settlement price for margin checks.
// The PnL path never reads it.
type IndexPriceFeed interface {
	IndexPrice(ctx context.Context, market string) (*uint256.Int, error)
}

// StaticFeed serves fixed prices, set from configuration or an admin call
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]*uint256.Int
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]*uint256.Int)}
}

// Set stores a human price such as 100.25; it is kept with 18 decimals
func (f *StaticFeed) Set(market string, price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("negative index price %s for %s", price, market)
	}
	p, overflow := uint256.FromBig(price.Shift(18).BigInt())
	if overflow {
		return fmt.Errorf("index price %s for %s overflows", price, market)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[market] = p
	return nil
}

func (f *StaticFeed) IndexPrice(_ context.Context, market string) (*uint256.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.prices[market]
	if !ok {
		return nil, fmt.Errorf("no index price for %s", market)
	}
	return new(uint256.Int).Set(p), nil
}
