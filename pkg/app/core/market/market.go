package market

import (
	"fmt"
	"time"
)

// MarketType defines the type of market
type MarketType int8

const (
	Perpetual MarketType = iota // No expiry
	Future                      // Has expiry date
)

func (mt MarketType) String() string {
	switch mt {
	case Perpetual:
		return "Perpetual"
	case Future:
		return "Future"
	default:
		return "Unknown"
	}
}

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active   MarketStatus = iota // Trading enabled
	Paused                       // Trading halted (emergency)
	Settling                     // Final settlement in progress
	Settled                      // Market closed
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settling:
		return "Settling"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// ParseStatus is the inverse of MarketStatus.String
func ParseStatus(s string) (MarketStatus, error) {
	for _, st := range []MarketStatus{Active, Paused, Settling, Settled} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown market status %q", s)
}

// MarshalText renders the status by name in JSON and TOML
func (ms MarketStatus) MarshalText() ([]byte, error) { return []byte(ms.String()), nil }

func (ms *MarketStatus) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*ms = st
	return nil
}

// Market defines a perpetual market backed by one liquidity curve (e.g., ETH-USD)
type Market struct {
	// Identity
	Symbol     string       `json:"symbol"`     // "ETH-USD"
	BaseAsset  string       `json:"baseAsset"`  // "vETH", token0 of the curve
	QuoteAsset string       `json:"quoteAsset"` // "vUSD", token1 of the curve
	Type       MarketType   `json:"type"`
	Status     MarketStatus `json:"status"`

	// Token precision. Position sizes are in base units, cost basis and PnL in
	// 18-decimal quote units regardless of QuoteDecimals.
	BaseDecimals  uint8 `json:"baseDecimals"`
	QuoteDecimals uint8 `json:"quoteDecimals"`

	// Curve parameters
	FeePips     uint32 `json:"feePips"` // 10000 = 1%
	TickSpacing int32  `json:"tickSpacing"`

	// Metadata
	LaunchedAt time.Time `json:"launchedAt"`
}

// NewMarket creates a new market with validation
func NewMarket(symbol, baseAsset, quoteAsset string, params MarketParams) (*Market, error) {
	m := &Market{
		Symbol:        symbol,
		BaseAsset:     baseAsset,
		QuoteAsset:    quoteAsset,
		Type:          params.Type,
		Status:        Active,
		BaseDecimals:  params.BaseDecimals,
		QuoteDecimals: params.QuoteDecimals,
		FeePips:       params.FeePips,
		TickSpacing:   params.TickSpacing,
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}

	return m, nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if m.BaseAsset == m.QuoteAsset {
		return fmt.Errorf("base and quote assets must differ")
	}
	// 10^(18+base-quote) must stay representable
	if m.BaseDecimals > 36 || m.QuoteDecimals > 36 {
		return fmt.Errorf("decimals must be at most 36")
	}
	if m.FeePips >= 1_000_000 {
		return fmt.Errorf("fee must be below 100%%")
	}
	if m.TickSpacing <= 0 || m.TickSpacing >= 16384 {
		return fmt.Errorf("tick spacing must be in (0, 16384)")
	}
	return nil
}

// Tradable reports whether new trades may be settled in the market
func (m *Market) Tradable() bool {
	return m.Status == Active
}
