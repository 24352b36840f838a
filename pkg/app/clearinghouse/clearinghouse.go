// Package clearinghouse settles trades against each market's liquidity curve and
// answers PnL queries over the resulting positions.
//
// Every write follows the same order: compute the new state without touching memory,
// persist it in one batch, then swap it in under the writer lock. Readers take the
// read lock, so a query never sees a pool moved by a trade whose position is not yet
// booked (or the reverse).
package clearinghouse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearhouse/pkg/amm"
	"github.com/uhyunpark/clearhouse/pkg/app/core/ledger"
	"github.com/uhyunpark/clearhouse/pkg/app/core/market"
	"github.com/uhyunpark/clearhouse/pkg/app/core/oracle"
	"github.com/uhyunpark/clearhouse/pkg/app/core/pnl"
	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
	"github.com/uhyunpark/clearhouse/pkg/metrics"
	"github.com/uhyunpark/clearhouse/pkg/storage"
	"github.com/uhyunpark/clearhouse/pkg/util"
)

var (
	ErrUnknownBaseToken       = errors.New("unknown base token")
	ErrBaseTokenTaken         = errors.New("base token already backs a market")
	ErrMarketNotTradable      = errors.New("market is not tradable")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrNoIndexFeed            = errors.New("no index price feed configured")
)

// DefaultCollateralDecimals is the precision of the settlement token (USDC)
const DefaultCollateralDecimals = 6

// Config wires the clearing house to its collaborators. Every field is optional.
type Config struct {
	Logger *zap.Logger

	// Store persists state. Ignored if Persister is set.
	Store *storage.Store
	// Persister overrides Store as the write path
	Persister Persister

	IndexFeed          oracle.IndexPriceFeed
	Metrics            *metrics.Metrics
	CollateralDecimals uint8

	// Clock stamps trade receipts and market launches
	Clock util.Clock
}

type ClearingHouse struct {
	mu sync.RWMutex

	log       *zap.Logger
	registry  *market.MarketRegistry
	pools     map[string]*amm.Pool
	bases     map[string]string // base asset -> symbol
	oracle    *oracle.MarkPriceOracle
	ledger    *ledger.Ledger
	calc      *pnl.Calculator
	vault     map[common.Address]fixedpoint.Amount
	nonces    map[common.Address]map[uint64]struct{}
	index     oracle.IndexPriceFeed
	store     *storage.Store
	persister Persister
	metrics   *metrics.Metrics

	collateralDecimals uint8
	onTrade            []func(TradeReceipt)
	seq                uint64
	clock              util.Clock
}

func New(cfg Config) *ClearingHouse {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	persister := cfg.Persister
	if persister == nil {
		if cfg.Store != nil {
			persister = NewPebblePersister(cfg.Store)
		} else {
			persister = nopPersister{}
		}
	}
	decimals := cfg.CollateralDecimals
	if decimals == 0 {
		decimals = DefaultCollateralDecimals
	}
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}

	registry := market.NewMarketRegistry()
	prices := oracle.NewMarkPriceOracle()
	positions := ledger.New()

	return &ClearingHouse{
		log:                log,
		registry:           registry,
		pools:              make(map[string]*amm.Pool),
		bases:              make(map[string]string),
		oracle:             prices,
		ledger:             positions,
		calc:               pnl.NewCalculator(positions, prices, registry),
		vault:              make(map[common.Address]fixedpoint.Amount),
		nonces:             make(map[common.Address]map[uint64]struct{}),
		index:              cfg.IndexFeed,
		store:              cfg.Store,
		persister:          persister,
		metrics:            cfg.Metrics,
		collateralDecimals: decimals,
		clock:              clock,
	}
}

// OnTrade registers fn to run after every settled trade, outside the writer lock.
// Hooks run in registration order on the trading goroutine.
func (ch *ClearingHouse) OnTrade(fn func(TradeReceipt)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onTrade = append(ch.onTrade, fn)
}

// Seq returns the sequence number of the last settled trade
func (ch *ClearingHouse) Seq() uint64 {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.seq
}

// Markets lists every market ordered by symbol
func (ch *ClearingHouse) Markets() []*market.Market {
	return ch.registry.ListMarkets()
}

// ActiveMarkets lists the markets currently open for trading
func (ch *ClearingHouse) ActiveMarkets() []*market.Market {
	return ch.registry.ListActiveMarkets()
}

func (ch *ClearingHouse) Market(symbol string) (*market.Market, error) {
	return ch.registry.GetMarket(symbol)
}

// MarketByBaseToken resolves the market a base token trades in
func (ch *ClearingHouse) MarketByBaseToken(base string) (*market.Market, error) {
	ch.mu.RLock()
	symbol, ok := ch.bases[base]
	ch.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBaseToken, base)
	}
	return ch.registry.GetMarket(symbol)
}

// PoolState returns a copy of a market's curve
func (ch *ClearingHouse) PoolState(symbol string) (amm.PoolState, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	pool, ok := ch.pools[symbol]
	if !ok {
		return amm.PoolState{}, fmt.Errorf("%w: %s", market.ErrMarketNotFound, symbol)
	}
	return pool.State(), nil
}

// GetTotalMarketPnl sums the unrealized PnL of every market the trader ever traded
func (ch *ClearingHouse) GetTotalMarketPnl(trader common.Address) (fixedpoint.Amount, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	ch.metrics.PnlQueried()
	return ch.calc.TotalMarketPnl(trader)
}

// GetMarketPnl is the unrealized PnL of one position
func (ch *ClearingHouse) GetMarketPnl(trader common.Address, symbol string) (fixedpoint.Amount, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	ch.metrics.PnlQueried()
	return ch.calc.MarketPnl(trader, symbol)
}

// GetPnlBreakdown returns the total with each market's line, in first-trade order
func (ch *ClearingHouse) GetPnlBreakdown(trader common.Address) (fixedpoint.Amount, []pnl.MarketPnl, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	ch.metrics.PnlQueried()
	return ch.calc.Breakdown(trader)
}

func (ch *ClearingHouse) GetMarkPrice(symbol string) (oracle.MarkPrice, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.oracle.CurrentPrice(symbol)
}

func (ch *ClearingHouse) GetSqrtMarkPriceX96(symbol string) (*uint256.Int, error) {
	mark, err := ch.GetMarkPrice(symbol)
	if err != nil {
		return nil, err
	}
	return mark.SqrtPriceX96, nil
}

// GetIndexPrice reads the external index. It may block on the feed, so it takes no lock.
func (ch *ClearingHouse) GetIndexPrice(ctx context.Context, symbol string) (*uint256.Int, error) {
	if ch.index == nil {
		return nil, ErrNoIndexFeed
	}
	if !ch.registry.Exists(symbol) {
		return nil, fmt.Errorf("%w: %s", market.ErrMarketNotFound, symbol)
	}
	return ch.index.IndexPrice(ctx, symbol)
}

func (ch *ClearingHouse) GetPosition(trader common.Address, symbol string) ledger.PositionEntry {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.ledger.Entry(trader, symbol)
}

// Position is one market of an account
type Position struct {
	Market string `json:"market"`
	ledger.PositionEntry
}

// GetPositions returns every market the trader ever traded, flat ones included
func (ch *ClearingHouse) GetPositions(trader common.Address) []Position {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	symbols := ch.ledger.Markets(trader)
	out := make([]Position, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, Position{Market: s, PositionEntry: ch.ledger.Entry(trader, s)})
	}
	return out
}
