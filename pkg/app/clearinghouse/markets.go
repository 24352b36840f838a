package clearinghouse

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearhouse/pkg/amm"
	"github.com/uhyunpark/clearhouse/pkg/app/core/market"
	"github.com/uhyunpark/clearhouse/pkg/app/core/oracle"
)

// AddPool registers a market with a fresh curve. A nil sqrtPriceX96 leaves the curve
// uninitialized; its mark price is unavailable until InitializePool.
func (ch *ClearingHouse) AddPool(m *market.Market, sqrtPriceX96 *uint256.Int) error {
	if m == nil {
		return fmt.Errorf("cannot add pool for nil market")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	pool, err := amm.NewPool(m.FeePips, m.TickSpacing)
	if err != nil {
		return err
	}
	if sqrtPriceX96 != nil {
		if err := pool.Initialize(sqrtPriceX96); err != nil {
			return fmt.Errorf("initialize %s: %w", m.Symbol, err)
		}
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.registry.Exists(m.Symbol) {
		return fmt.Errorf("%w: %s", market.ErrMarketExists, m.Symbol)
	}
	if other, ok := ch.bases[m.BaseAsset]; ok {
		return fmt.Errorf("%w: %s trades in %s", ErrBaseTokenTaken, m.BaseAsset, other)
	}

	cp := *m
	if cp.LaunchedAt.IsZero() {
		cp.LaunchedAt = ch.clock.Now().UTC()
	}
	cs := ChangeSet{
		Markets: []*market.Market{&cp},
		Pools:   map[string]amm.PoolState{m.Symbol: pool.State()},
	}
	if err := ch.persist(cs); err != nil {
		return err
	}
	if err := ch.register(&cp, pool); err != nil {
		return err
	}

	ch.log.Info("pool_added",
		zap.String("market", m.Symbol),
		zap.String("base", m.BaseAsset),
		zap.Uint32("fee_pips", m.FeePips),
		zap.Bool("initialized", pool.Initialized()),
	)
	return nil
}

// register wires a market and its curve into memory. Caller holds ch.mu.
func (ch *ClearingHouse) register(m *market.Market, pool *amm.Pool) error {
	if err := ch.registry.RegisterMarket(m); err != nil {
		return err
	}
	if err := ch.oracle.Register(m.Symbol, pool, m.BaseDecimals, m.QuoteDecimals); err != nil {
		return err
	}
	ch.pools[m.Symbol] = pool
	ch.bases[m.BaseAsset] = m.Symbol
	return nil
}

// InitializePool sets the starting price of a market added without one
func (ch *ClearingHouse) InitializePool(symbol string, sqrtPriceX96 *uint256.Int) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	pool, ok := ch.pools[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", market.ErrMarketNotFound, symbol)
	}
	next, err := pool.Clone()
	if err != nil {
		return fmt.Errorf("clone pool %s: %w", symbol, err)
	}
	if err := next.Initialize(sqrtPriceX96); err != nil {
		return fmt.Errorf("initialize %s: %w", symbol, err)
	}
	if err := ch.persist(ChangeSet{Pools: map[string]amm.PoolState{symbol: next.State()}}); err != nil {
		return err
	}
	ch.swapPool(symbol, next)

	ch.log.Info("pool_initialized", zap.String("market", symbol), zap.Stringer("sqrt_price_x96", sqrtPriceX96))
	return nil
}

// AddLiquidityParams deposits maker liquidity into [LowerTick, UpperTick).
// Base and Quote are upper bounds in raw token units; the curve takes the most
// liquidity both can back at the current price.
type AddLiquidityParams struct {
	Market    string
	Base      *uint256.Int
	Quote     *uint256.Int
	LowerTick int32
	UpperTick int32
}

// LiquidityReceipt reports what a maker deposit actually took
type LiquidityReceipt struct {
	Market    string       `json:"market"`
	Liquidity *uint256.Int `json:"liquidity"`
	Base      *uint256.Int `json:"base"`
	Quote     *uint256.Int `json:"quote"`
}

func (ch *ClearingHouse) AddLiquidity(maker common.Address, params AddLiquidityParams) (LiquidityReceipt, error) {
	base, quote := params.Base, params.Quote
	if base == nil {
		base = new(uint256.Int)
	}
	if quote == nil {
		quote = new(uint256.Int)
	}
	if base.IsZero() && quote.IsZero() {
		return LiquidityReceipt{}, fmt.Errorf("%w: no liquidity amounts", ErrInvalidAmount)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	pool, ok := ch.pools[params.Market]
	if !ok {
		return LiquidityReceipt{}, fmt.Errorf("%w: %s", market.ErrMarketNotFound, params.Market)
	}
	if !pool.Initialized() {
		return LiquidityReceipt{}, fmt.Errorf("%w: %s", oracle.ErrMarketNotInitialized, params.Market)
	}

	sqrtP, err := pool.SqrtPriceX96()
	if err != nil {
		return LiquidityReceipt{}, err
	}
	sqrtA, err := amm.SqrtRatioAtTick(params.LowerTick)
	if err != nil {
		return LiquidityReceipt{}, err
	}
	sqrtB, err := amm.SqrtRatioAtTick(params.UpperTick)
	if err != nil {
		return LiquidityReceipt{}, err
	}
	liquidity, err := amm.LiquidityForAmounts(sqrtP, sqrtA, sqrtB, base, quote)
	if err != nil {
		return LiquidityReceipt{}, err
	}

	next, err := pool.Clone()
	if err != nil {
		return LiquidityReceipt{}, fmt.Errorf("clone pool %s: %w", params.Market, err)
	}
	amount0, amount1, err := next.Mint(params.LowerTick, params.UpperTick, liquidity)
	if err != nil {
		return LiquidityReceipt{}, fmt.Errorf("mint %s: %w", params.Market, err)
	}
	if err := ch.persist(ChangeSet{Pools: map[string]amm.PoolState{params.Market: next.State()}}); err != nil {
		return LiquidityReceipt{}, err
	}
	ch.swapPool(params.Market, next)

	ch.log.Info("liquidity_added",
		zap.String("market", params.Market),
		zap.String("maker", maker.Hex()),
		zap.Int32("lower_tick", params.LowerTick),
		zap.Int32("upper_tick", params.UpperTick),
		zap.Stringer("liquidity", liquidity),
	)
	return LiquidityReceipt{Market: params.Market, Liquidity: liquidity, Base: amount0, Quote: amount1}, nil
}

// swapPool replaces a market's curve. Caller holds ch.mu.
func (ch *ClearingHouse) swapPool(symbol string, pool *amm.Pool) {
	ch.pools[symbol] = pool
	// registered together with the pool, so Replace cannot miss
	_ = ch.oracle.Replace(symbol, pool)
}

// SetMarketStatus pauses, resumes or settles a market
func (ch *ClearingHouse) SetMarketStatus(symbol string, status market.MarketStatus) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	m, err := ch.registry.GetMarket(symbol)
	if err != nil {
		return err
	}
	if err := market.ValidateStatusTransition(m.Status, status); err != nil {
		return err
	}
	from := m.Status
	m.Status = status
	if err := ch.persist(ChangeSet{Markets: []*market.Market{m}}); err != nil {
		return err
	}
	if err := ch.registry.UpdateMarketStatus(symbol, status); err != nil {
		return err
	}

	ch.log.Info("market_status_changed",
		zap.String("market", symbol),
		zap.Stringer("from", from),
		zap.Stringer("to", status),
	)
	return nil
}

// persist writes cs and counts failures. Caller holds ch.mu.
func (ch *ClearingHouse) persist(cs ChangeSet) error {
	if err := ch.persister.Persist(cs); err != nil {
		ch.metrics.PersistFailed()
		ch.log.Error("persist_failed", zap.Error(err))
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}
