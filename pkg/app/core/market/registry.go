package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrMarketNotFound = errors.New("market not found")
	ErrMarketExists   = errors.New("market already registered")
)

// MarketRegistry manages multiple markets in a thread-safe manner
// Supports registration, lookup, and status updates for all markets
type MarketRegistry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
}

// NewMarketRegistry creates an empty market registry
func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets: make(map[string]*Market),
	}
}

// RegisterMarket adds a new market to the registry
// Returns error if market with same symbol already exists
func (mr *MarketRegistry) RegisterMarket(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if _, exists := mr.markets[m.Symbol]; exists {
		return fmt.Errorf("%w: %s", ErrMarketExists, m.Symbol)
	}

	cp := *m
	mr.markets[m.Symbol] = &cp
	return nil
}

// GetMarket retrieves a copy of a market by symbol
func (mr *MarketRegistry) GetMarket(symbol string) (*Market, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}

	cp := *m
	return &cp, nil
}

// ListMarkets returns copies of all registered markets ordered by symbol
func (mr *MarketRegistry) ListMarkets() []*Market {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	markets := make([]*Market, 0, len(mr.markets))
	for _, m := range mr.markets {
		cp := *m
		markets = append(markets, &cp)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })

	return markets
}

// ListActiveMarkets returns only markets with Active status
func (mr *MarketRegistry) ListActiveMarkets() []*Market {
	all := mr.ListMarkets()
	markets := all[:0]
	for _, m := range all {
		if m.Status == Active {
			markets = append(markets, m)
		}
	}
	return markets
}

// UpdateMarketStatus changes the trading status of a market
// Used for emergency pausing, settling, etc.
func (mr *MarketRegistry) UpdateMarketStatus(symbol string, status MarketStatus) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}

	if err := ValidateStatusTransition(m.Status, status); err != nil {
		return err
	}

	m.Status = status
	return nil
}

// ValidateStatusTransition checks if status change is valid
func ValidateStatusTransition(from, to MarketStatus) error {
	// Active <-> Paused: allowed (emergency halt / resume)
	// Active/Paused -> Settling: allowed
	// Settling -> Settled: allowed
	// Settled -> *: not allowed (terminal state)
	switch {
	case from == Settled:
		return fmt.Errorf("cannot change status from Settled (terminal state)")
	case from == Settling && to != Settled:
		return fmt.Errorf("cannot change status from Settling to %s", to)
	case to == Settled && from != Settling:
		return fmt.Errorf("market must be Settling before Settled")
	}
	return nil
}

// Count returns the total number of registered markets
func (mr *MarketRegistry) Count() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.markets)
}

// Exists checks if a market is registered
func (mr *MarketRegistry) Exists(symbol string) bool {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	_, exists := mr.markets[symbol]
	return exists
}
