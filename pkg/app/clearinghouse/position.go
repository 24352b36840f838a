package clearinghouse

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearhouse/pkg/amm"
	"github.com/uhyunpark/clearhouse/pkg/app/core/ledger"
	"github.com/uhyunpark/clearhouse/pkg/app/core/oracle"
	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

// OpenPositionParams is a taker trade against a market's curve.
//
// IsBaseToQuote sells base (goes short), otherwise the trader buys base.
// With IsExactInput, Amount is what the trader pays in (fee included); otherwise it is
// what the trader wants out. Amount is in raw units of the corresponding token.
type OpenPositionParams struct {
	BaseToken         string
	IsBaseToQuote     bool
	IsExactInput      bool
	Amount            *uint256.Int
	SqrtPriceLimitX96 *uint256.Int // nil for no limit
}

// TradeReceipt describes one settled trade from the trader's side.
// DeltaSize is in base units; DeltaQuote, Realized and the position's quote fields are
// 18-decimal quote units. Fee is charged in the input token's raw units.
type TradeReceipt struct {
	ID            uuid.UUID            `json:"id"`
	Seq           uint64               `json:"seq"`
	Trader        common.Address       `json:"trader"`
	Market        string               `json:"market"`
	IsBaseToQuote bool                 `json:"isBaseToQuote"`
	IsExactInput  bool                 `json:"isExactInput"`
	DeltaSize     fixedpoint.Amount    `json:"deltaSize"`
	DeltaQuote    fixedpoint.Amount    `json:"deltaQuote"`
	Fee           *uint256.Int         `json:"fee"`
	Kind          ledger.Kind          `json:"kind"`
	Realized      fixedpoint.Amount    `json:"realized"`
	Position      ledger.PositionEntry `json:"position"`
	SqrtPriceX96  *uint256.Int         `json:"sqrtPriceX96"`
	MarkPrice     *uint256.Int         `json:"markPrice"`
	Timestamp     time.Time            `json:"timestamp"`
}

// UnknownMarket labels rejections whose base token backs no market
const UnknownMarket = "unknown"

// OpenPosition swaps against the market's curve and books the result on the trader's
// position. The pool and the position change together or not at all.
func (ch *ClearingHouse) OpenPosition(trader common.Address, params OpenPositionParams) (TradeReceipt, error) {
	start := time.Now()

	ch.mu.Lock()
	receipt, err := ch.openPosition(trader, params)
	hooks := ch.onTrade
	symbol, known := ch.bases[params.BaseToken]
	ch.mu.Unlock()

	if err != nil {
		if !known {
			symbol = UnknownMarket
		}
		ch.metrics.TradeRejected(symbol)
		ch.log.Warn("trade_rejected",
			zap.String("trader", trader.Hex()),
			zap.String("base", params.BaseToken),
			zap.Error(err),
		)
		return TradeReceipt{}, err
	}

	volume := receipt.DeltaQuote.Decimal(fixedpoint.WadDecimals).Abs().InexactFloat64()
	mark := decimal.NewFromBigInt(receipt.MarkPrice.ToBig(), -fixedpoint.WadDecimals).InexactFloat64()
	ch.metrics.TradeSettled(receipt.Market, receipt.Kind.String(), volume, mark, time.Since(start))
	ch.log.Info("trade_settled",
		zap.Uint64("seq", receipt.Seq),
		zap.String("trade_id", receipt.ID.String()),
		zap.String("trader", trader.Hex()),
		zap.String("market", receipt.Market),
		zap.Stringer("kind", receipt.Kind),
		zap.Stringer("delta_size", receipt.DeltaSize),
		zap.Stringer("delta_quote", receipt.DeltaQuote),
		zap.Stringer("realized", receipt.Realized),
		zap.Stringer("sqrt_price_x96", receipt.SqrtPriceX96),
	)

	for _, fn := range hooks {
		fn(receipt)
	}
	return receipt, nil
}

// openPosition runs the trade under ch.mu
func (ch *ClearingHouse) openPosition(trader common.Address, params OpenPositionParams) (TradeReceipt, error) {
	if params.Amount == nil || params.Amount.IsZero() {
		return TradeReceipt{}, fmt.Errorf("%w: trade amount", ErrInvalidAmount)
	}
	symbol, ok := ch.bases[params.BaseToken]
	if !ok {
		return TradeReceipt{}, fmt.Errorf("%w: %s", ErrUnknownBaseToken, params.BaseToken)
	}
	m, err := ch.registry.GetMarket(symbol)
	if err != nil {
		return TradeReceipt{}, err
	}
	if !m.Tradable() {
		return TradeReceipt{}, fmt.Errorf("%w: %s is %s", ErrMarketNotTradable, symbol, m.Status)
	}
	pool := ch.pools[symbol]
	if !pool.Initialized() {
		return TradeReceipt{}, fmt.Errorf("%w: %s", oracle.ErrMarketNotInitialized, symbol)
	}

	res, err := pool.Simulate(amm.SwapParams{
		ZeroForOne:        params.IsBaseToQuote,
		ExactInput:        params.IsExactInput,
		Amount:            params.Amount,
		SqrtPriceLimitX96: params.SqrtPriceLimitX96,
	})
	if err != nil {
		return TradeReceipt{}, fmt.Errorf("swap %s: %w", symbol, err)
	}

	// pool deltas are positive into the pool, the trader sees the opposite
	deltaSize, err := res.Amount0.Neg()
	if err != nil {
		return TradeReceipt{}, err
	}
	quoteFlow, err := res.Amount1.Neg()
	if err != nil {
		return TradeReceipt{}, err
	}
	deltaQuote, err := fixedpoint.Rescale(quoteFlow, m.QuoteDecimals, fixedpoint.WadDecimals)
	if err != nil {
		return TradeReceipt{}, err
	}

	change, err := ch.ledger.Prepare(trader, symbol, deltaSize, deltaQuote)
	if err != nil {
		return TradeReceipt{}, err
	}
	markPrice, err := oracle.PriceFromSqrtX96(res.SqrtPriceX96, m.BaseDecimals, m.QuoteDecimals)
	if err != nil {
		return TradeReceipt{}, err
	}

	receipt := TradeReceipt{
		ID:            uuid.New(),
		Seq:           ch.seq + 1,
		Trader:        trader,
		Market:        symbol,
		IsBaseToQuote: params.IsBaseToQuote,
		IsExactInput:  params.IsExactInput,
		DeltaSize:     deltaSize,
		DeltaQuote:    deltaQuote,
		Fee:           res.FeeAmount,
		Kind:          change.Kind,
		Realized:      change.Realized,
		Position:      change.After,
		SqrtPriceX96:  res.SqrtPriceX96,
		MarkPrice:     markPrice,
		Timestamp:     ch.clock.Now().UTC(),
	}

	cs := ChangeSet{
		Pools:     map[string]amm.PoolState{symbol: pool.StateAfter(res)},
		Positions: []ledger.Change{change},
		Trade:     &receipt,
	}
	if change.NewMarket {
		cs.AccountMarkets = map[common.Address][]string{
			trader: append(ch.ledger.Markets(trader), symbol),
		}
	}
	if err := ch.persist(cs); err != nil {
		return TradeReceipt{}, err
	}

	// nothing else writes while ch.mu is held, so neither apply can see a stale state
	if err := pool.Apply(res); err != nil {
		return TradeReceipt{}, fmt.Errorf("apply swap %s: %w", symbol, err)
	}
	if err := ch.ledger.Apply(change); err != nil {
		return TradeReceipt{}, fmt.Errorf("apply position %s: %w", symbol, err)
	}
	ch.seq = receipt.Seq
	return receipt, nil
}
