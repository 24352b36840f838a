package params

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/clearhouse/pkg/app/core/market"
	"github.com/uhyunpark/clearhouse/pkg/app/core/oracle"
)

// Genesis lists the markets a fresh clearing house starts with
type Genesis struct {
	Markets []MarketSpec `toml:"market"`
}

// MarketSpec is one [[market]] table. The starting price is either a human Price
// (quote per whole base) or an exact SqrtPriceX96; omitting both leaves the curve
// uninitialized.
type MarketSpec struct {
	Symbol        string `toml:"symbol"`
	Base          string `toml:"base"`
	Quote         string `toml:"quote"`
	BaseDecimals  *uint8 `toml:"base_decimals"`
	QuoteDecimals *uint8 `toml:"quote_decimals"`
	FeePips       uint32 `toml:"fee_pips"`
	TickSpacing   int32  `toml:"tick_spacing"`

	Price        string `toml:"price"`
	SqrtPriceX96 string `toml:"sqrt_price_x96"`
	IndexPrice   string `toml:"index_price"`

	Liquidity []LiquiditySpec `toml:"liquidity"`
}

// LiquiditySpec seeds maker liquidity; amounts are whole tokens, e.g. "100.5"
type LiquiditySpec struct {
	Maker     string `toml:"maker"`
	Base      string `toml:"base"`
	Quote     string `toml:"quote"`
	LowerTick int32  `toml:"lower_tick"`
	UpperTick int32  `toml:"upper_tick"`
}

// LoadGenesis decodes and validates a markets file
func LoadGenesis(path string) (*Genesis, error) {
	var g Genesis
	md, err := toml.DecodeFile(path, &g)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &g, nil
}

func (g *Genesis) Validate() error {
	seen := make(map[string]bool)
	bases := make(map[string]bool)
	for _, m := range g.Markets {
		if m.Symbol == "" {
			return errors.New("market without symbol")
		}
		if seen[m.Symbol] {
			return fmt.Errorf("market %s listed twice", m.Symbol)
		}
		seen[m.Symbol] = true
		if bases[m.Base] {
			return fmt.Errorf("market %s: base %s already used", m.Symbol, m.Base)
		}
		bases[m.Base] = true

		if m.Price != "" && m.SqrtPriceX96 != "" {
			return fmt.Errorf("market %s: set price or sqrt_price_x96, not both", m.Symbol)
		}
		if len(m.Liquidity) > 0 && m.Price == "" && m.SqrtPriceX96 == "" {
			return fmt.Errorf("market %s: liquidity needs a starting price", m.Symbol)
		}
		if _, err := m.Market(); err != nil {
			return fmt.Errorf("market %s: %w", m.Symbol, err)
		}
		for _, l := range m.Liquidity {
			if !common.IsHexAddress(l.Maker) {
				return fmt.Errorf("market %s: invalid maker %q", m.Symbol, l.Maker)
			}
			if l.LowerTick >= l.UpperTick {
				return fmt.Errorf("market %s: lower_tick %d not below upper_tick %d", m.Symbol, l.LowerTick, l.UpperTick)
			}
		}
	}
	return nil
}

// Params fills unset fields from market.DefaultPerpetual
func (m MarketSpec) Params() market.MarketParams {
	p := market.DefaultPerpetual
	if m.BaseDecimals != nil {
		p.BaseDecimals = *m.BaseDecimals
	}
	if m.QuoteDecimals != nil {
		p.QuoteDecimals = *m.QuoteDecimals
	}
	if m.FeePips != 0 {
		p.FeePips = m.FeePips
	}
	if m.TickSpacing != 0 {
		p.TickSpacing = m.TickSpacing
	}
	return p
}

func (m MarketSpec) Market() (*market.Market, error) {
	return market.NewMarket(m.Symbol, m.Base, m.Quote, m.Params())
}

// StartSqrtPriceX96 returns nil when the market starts uninitialized
func (m MarketSpec) StartSqrtPriceX96() (*uint256.Int, error) {
	switch {
	case m.SqrtPriceX96 != "":
		v, err := uint256.FromDecimal(m.SqrtPriceX96)
		if err != nil {
			return nil, fmt.Errorf("sqrt_price_x96 %q: %w", m.SqrtPriceX96, err)
		}
		return v, nil
	case m.Price != "":
		price, err := ToUnits(m.Price, 18)
		if err != nil {
			return nil, err
		}
		p := m.Params()
		return oracle.SqrtX96FromPrice(price, p.BaseDecimals, p.QuoteDecimals)
	default:
		return nil, nil
	}
}

// Index returns the configured index price, ok=false if none
func (m MarketSpec) Index() (decimal.Decimal, bool, error) {
	if m.IndexPrice == "" {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(m.IndexPrice)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("index_price %q: %w", m.IndexPrice, err)
	}
	return d, true, nil
}

// Amounts converts the deposit into raw token units
func (l LiquiditySpec) Amounts(baseDecimals, quoteDecimals uint8) (base, quote *uint256.Int, err error) {
	if base, err = ToUnits(l.Base, baseDecimals); err != nil {
		return nil, nil, err
	}
	if quote, err = ToUnits(l.Quote, quoteDecimals); err != nil {
		return nil, nil, err
	}
	return base, quote, nil
}

// ToUnits converts a whole-token amount into raw units, truncating extra digits
func ToUnits(amount string, decimals uint8) (*uint256.Int, error) {
	if amount == "" {
		return new(uint256.Int), nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", amount)
	}
	v, overflow := uint256.FromBig(d.Shift(int32(decimals)).BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %q overflows", amount)
	}
	return v, nil
}
