package market

// MarketParams is a helper struct for creating markets with all parameters
// This separates config from the runtime Market struct
type MarketParams struct {
	Type          MarketType
	BaseDecimals  uint8
	QuoteDecimals uint8
	FeePips       uint32
	TickSpacing   int32
}

// DefaultPerpetual returns parameters for an 18/18-decimal perpetual on the 1% fee tier
var DefaultPerpetual = MarketParams{
	Type: Perpetual,

	// Virtual base and quote tokens both carry 18 decimals
	BaseDecimals:  18,
	QuoteDecimals: 18,

	// 1% pool fee, spacing 200 as on the matching on-chain tier
	FeePips:     10000,
	TickSpacing: 200,
}

// NewMarketWithDefaults creates a market using DefaultPerpetual
func NewMarketWithDefaults(symbol, baseAsset, quoteAsset string) (*Market, error) {
	return NewMarket(symbol, baseAsset, quoteAsset, DefaultPerpetual)
}

// CustomPerpetual returns a perpetual template on a given fee tier
func CustomPerpetual(feePips uint32, tickSpacing int32, baseDecimals, quoteDecimals uint8) MarketParams {
	return MarketParams{
		Type:          Perpetual,
		BaseDecimals:  baseDecimals,
		QuoteDecimals: quoteDecimals,
		FeePips:       feePips,
		TickSpacing:   tickSpacing,
	}
}
