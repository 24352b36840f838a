package api

import (
	"github.com/holiman/uint256"

	"github.com/uhyunpark/clearhouse/pkg/app/core/ledger"
	"github.com/uhyunpark/clearhouse/pkg/app/core/pnl"
	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

// API response types for REST endpoints and WebSocket messages.
// Token amounts are decimal strings of raw units; prices and PnL carry 18 decimals.

// ==============================
// REST Response Types
// ==============================

// MarketInfo is a market's configuration with its curve's current state
type MarketInfo struct {
	Symbol        string `json:"symbol"`     // e.g., "ETH-USD"
	BaseAsset     string `json:"baseAsset"`  // e.g., "vETH"
	QuoteAsset    string `json:"quoteAsset"` // e.g., "vUSD"
	Type          string `json:"type"`       // "Perpetual"
	Status        string `json:"status"`     // "Active", "Paused", "Settling", "Settled"
	BaseDecimals  uint8  `json:"baseDecimals"`
	QuoteDecimals uint8  `json:"quoteDecimals"`
	FeePips       uint32 `json:"feePips"` // 10000 = 1%
	TickSpacing   int32  `json:"tickSpacing"`
	LaunchedAt    int64  `json:"launchedAt"` // Unix milliseconds

	Initialized  bool         `json:"initialized"`
	SqrtPriceX96 *uint256.Int `json:"sqrtPriceX96,omitempty"`
	Tick         int32        `json:"tick"`
	Liquidity    *uint256.Int `json:"liquidity"`
	MarkPrice    *uint256.Int `json:"markPrice,omitempty"`
}

// PriceInfo is the mark price of a market and, when a feed is configured, its index
type PriceInfo struct {
	Symbol       string       `json:"symbol"`
	SqrtPriceX96 *uint256.Int `json:"sqrtPriceX96"`
	MarkPrice    *uint256.Int `json:"markPrice"`
	IndexPrice   *uint256.Int `json:"indexPrice,omitempty"`
	Display      string       `json:"display"` // mark price, e.g. "101.855079710775282431"
	Timestamp    int64        `json:"timestamp"`
}

// AccountInfo summarizes collateral and PnL of one address
type AccountInfo struct {
	Address            string            `json:"address"`
	Collateral         fixedpoint.Amount `json:"collateral"` // settlement token raw units
	CollateralDecimals uint8             `json:"collateralDecimals"`
	UnrealizedPnl      fixedpoint.Amount `json:"unrealizedPnl"`
	RealizedPnl        fixedpoint.Amount `json:"realizedPnl"`
	Markets            []string          `json:"markets"` // every market ever traded
}

// AccountPnl is the per-market breakdown behind the total
type AccountPnl struct {
	Address string            `json:"address"`
	Total   fixedpoint.Amount `json:"total"`
	Display string            `json:"display"`
	Markets []pnl.MarketPnl   `json:"markets"`
}

// MarketPnlInfo answers /accounts/{address}/pnl/{symbol}
type MarketPnlInfo struct {
	Address string            `json:"address"`
	Market  string            `json:"market"`
	Pnl     fixedpoint.Amount `json:"pnl"`
	Display string            `json:"display"`
}

// PositionInfo is one position with its valuation at the current mark
type PositionInfo struct {
	Symbol        string            `json:"symbol"`
	Size          fixedpoint.Amount `json:"size"`      // +ve = long, -ve = short
	CostBasis     fixedpoint.Amount `json:"costBasis"` // quote paid, negative for longs
	RealizedPnl   fixedpoint.Amount `json:"realizedPnl"`
	MarkPrice     *uint256.Int      `json:"markPrice,omitempty"`
	UnrealizedPnl fixedpoint.Amount `json:"unrealizedPnl"`
	Display       string            `json:"display"` // unrealized PnL in whole quote
}

// StatusInfo identifies the state a node is serving
type StatusInfo struct {
	Seq       uint64 `json:"seq"`       // last settled trade
	StateHash string `json:"stateHash"` // keccak256 over markets, curves, positions and vault
	Markets   int    `json:"markets"`
}

// ==============================
// REST Request Types
// ==============================

// OpenPositionRequest is the payload for POST /api/v1/positions.
// The signature covers every field but itself as an OpenPosition EIP-712 message.
type OpenPositionRequest struct {
	Trader            string `json:"trader"`
	BaseToken         string `json:"baseToken"`
	IsBaseToQuote     bool   `json:"isBaseToQuote"`
	IsExactInput      bool   `json:"isExactInput"`
	Amount            string `json:"amount"`                      // raw units
	SqrtPriceLimitX96 string `json:"sqrtPriceLimitX96,omitempty"` // empty or "0" for none
	Nonce             uint64 `json:"nonce"`
	Deadline          int64  `json:"deadline"` // Unix seconds, 0 = no expiry
	Signature         string `json:"signature"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades:ETH-USD", "price:ETH-USD", "account:0x..."]
}

// TradeUpdate is broadcast on trades:{symbol} for every settled trade
type TradeUpdate struct {
	Type       string            `json:"type"` // "trade"
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Symbol     string            `json:"symbol"`
	Trader     string            `json:"trader"`
	DeltaSize  fixedpoint.Amount `json:"deltaSize"`
	DeltaQuote fixedpoint.Amount `json:"deltaQuote"`
	MarkPrice  *uint256.Int      `json:"markPrice"`
	Timestamp  int64             `json:"timestamp"`
}

// PriceUpdate is broadcast on price:{symbol} whenever a trade moves the curve
type PriceUpdate struct {
	Type         string       `json:"type"` // "price"
	Seq          uint64       `json:"seq"`
	Symbol       string       `json:"symbol"`
	SqrtPriceX96 *uint256.Int `json:"sqrtPriceX96"`
	MarkPrice    *uint256.Int `json:"markPrice"`
}

// PositionUpdate is broadcast on account:{address} when the trader's position changes
type PositionUpdate struct {
	Type     string               `json:"type"` // "position"
	Seq      uint64               `json:"seq"`
	Address  string               `json:"address"`
	Symbol   string               `json:"symbol"`
	Kind     ledger.Kind          `json:"kind"`
	Realized fixedpoint.Amount    `json:"realized"`
	Position ledger.PositionEntry `json:"position"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
