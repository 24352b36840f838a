package clearinghouse

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/clearhouse/pkg/amm"
	"github.com/uhyunpark/clearhouse/pkg/app/core/ledger"
	"github.com/uhyunpark/clearhouse/pkg/app/core/market"
	"github.com/uhyunpark/clearhouse/pkg/app/core/oracle"
	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
	"github.com/uhyunpark/clearhouse/pkg/metrics"
	"github.com/uhyunpark/clearhouse/pkg/storage"
	"github.com/uhyunpark/clearhouse/pkg/util"
)

var (
	maker  = common.HexToAddress("0x000000000000000000000000000000000000a4e2")
	taker1 = common.HexToAddress("0x0000000000000000000000000000000000001111")
	taker2 = common.HexToAddress("0x0000000000000000000000000000000000002222")
)

func u(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), u("1000000000000000000"))
}

// price 100 quote per base
var sqrtPrice100 = u("792281625142643375935439503360")

var launch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// seeded lists ETH-USD at 100 with 100 vETH / 10000 vUSD of maker liquidity over [0, 100000)
func seeded(t *testing.T, cfg Config) *ClearingHouse {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = util.FixedClock(launch)
	}
	ch := New(cfg)

	m, err := market.NewMarketWithDefaults("ETH-USD", "vETH", "vUSD")
	require.NoError(t, err)
	require.NoError(t, ch.AddPool(m, sqrtPrice100))

	rec, err := ch.AddLiquidity(maker, AddLiquidityParams{
		Market:    "ETH-USD",
		Base:      ether(100),
		Quote:     ether(10000),
		LowerTick: 0,
		UpperTick: 100000,
	})
	require.NoError(t, err)
	require.Equal(t, "1072266834225216783033", rec.Liquidity.Dec())
	require.Equal(t, "100000000000000000000", rec.Base.Dec())
	require.Equal(t, "9650401508026951047297", rec.Quote.Dec())
	return ch
}

func buyWith100Quote(t *testing.T, ch *ClearingHouse, trader common.Address) TradeReceipt {
	t.Helper()
	rec, err := ch.OpenPosition(trader, OpenPositionParams{
		BaseToken:     "vETH",
		IsBaseToQuote: false,
		IsExactInput:  true,
		Amount:        ether(100),
	})
	require.NoError(t, err)
	return rec
}

func TestSingleTakerPnl(t *testing.T) {
	ch := seeded(t, Config{})

	rec := buyWith100Quote(t, ch, taker1)
	assert.Equal(t, "980943170969551031", rec.DeltaSize.String())
	assert.Equal(t, "-100000000000000000000", rec.DeltaQuote.String())
	assert.Equal(t, "1000000000000000000", rec.Fee.Dec())
	assert.Equal(t, ledger.Open, rec.Kind)
	assert.Equal(t, "799596584291388918366590150960", rec.SqrtPriceX96.Dec())
	assert.Equal(t, "101855079710775282431", rec.MarkPrice.Dec())
	assert.Equal(t, uint64(1), rec.Seq)
	assert.Equal(t, launch, rec.Timestamp)

	pnl, err := ch.GetTotalMarketPnl(taker1)
	require.NoError(t, err)
	assert.Equal(t, "-85955129155713749", pnl.String())

	sqrtP, err := ch.GetSqrtMarkPriceX96("ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, rec.SqrtPriceX96.Dec(), sqrtP.Dec())
}

func TestSecondTakerMovesFirstTakersPnl(t *testing.T) {
	ch := seeded(t, Config{})
	buyWith100Quote(t, ch, taker1)

	rec := buyWith100Quote(t, ch, taker2)
	assert.Equal(t, "963157927267889842", rec.DeltaSize.String())
	assert.Equal(t, "806911543440134460797740798560", rec.SqrtPriceX96.Dec())
	assert.Equal(t, "103727208253831286176", rec.MarkPrice.Dec())

	pnl1, err := ch.GetTotalMarketPnl(taker1)
	require.NoError(t, err)
	assert.Equal(t, "1750496580332248211", pnl1.String())

	pnl2, err := ch.GetTotalMarketPnl(taker2)
	require.NoError(t, err)
	assert.Equal(t, "-94317096955103169", pnl2.String())
}

func TestClosingPositionRealizes(t *testing.T) {
	ch := seeded(t, Config{})
	open := buyWith100Quote(t, ch, taker1)
	buyWith100Quote(t, ch, taker2)

	rec, err := ch.OpenPosition(taker1, OpenPositionParams{
		BaseToken:     "vETH",
		IsBaseToQuote: true,
		IsExactInput:  true,
		Amount:        open.DeltaSize.Magnitude(),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.Close, rec.Kind)
	assert.Equal(t, "99812315986064828944", rec.DeltaQuote.String())
	assert.Equal(t, "-187684013935171056", rec.Realized.String())
	assert.Equal(t, "799536563500945108497493887704", rec.SqrtPriceX96.Dec())

	pos := ch.GetPosition(taker1, "ETH-USD")
	assert.True(t, pos.IsFlat())
	assert.True(t, pos.CostBasis.IsZero())
	assert.Equal(t, "-187684013935171056", pos.RealizedPnl.String())

	// a flat position contributes nothing but stays listed
	pnl1, err := ch.GetTotalMarketPnl(taker1)
	require.NoError(t, err)
	assert.True(t, pnl1.IsZero())
	assert.Len(t, ch.GetPositions(taker1), 1)

	pnl2, err := ch.GetTotalMarketPnl(taker2)
	require.NoError(t, err)
	assert.Equal(t, "-1912199896238787157", pnl2.String())
}

func TestUntradedAccountHasZeroPnl(t *testing.T) {
	ch := seeded(t, Config{})
	pnl, err := ch.GetTotalMarketPnl(taker1)
	require.NoError(t, err)
	assert.True(t, pnl.IsZero())
	assert.Empty(t, ch.GetPositions(taker1))
}

func TestOpenPositionRejections(t *testing.T) {
	ch := seeded(t, Config{})

	bare, err := market.NewMarketWithDefaults("BTC-USD", "vBTC", "vUSD")
	require.NoError(t, err)
	require.NoError(t, ch.AddPool(bare, nil))

	tests := []struct {
		name    string
		params  OpenPositionParams
		wantErr error
	}{
		{"zero amount", OpenPositionParams{BaseToken: "vETH", IsExactInput: true, Amount: new(uint256.Int)}, ErrInvalidAmount},
		{"nil amount", OpenPositionParams{BaseToken: "vETH", IsExactInput: true}, ErrInvalidAmount},
		{"unknown base", OpenPositionParams{BaseToken: "vDOGE", IsExactInput: true, Amount: ether(1)}, ErrUnknownBaseToken},
		{"uninitialized curve", OpenPositionParams{BaseToken: "vBTC", IsExactInput: true, Amount: ether(1)}, oracle.ErrMarketNotInitialized},
		{"limit on wrong side", OpenPositionParams{BaseToken: "vETH", IsExactInput: true, Amount: ether(1),
			SqrtPriceLimitX96: fixedpoint.Q96}, amm.ErrSqrtPriceLimit},
		// one wei of quote buys no base
		{"zero size", OpenPositionParams{BaseToken: "vETH", IsExactInput: true, Amount: uint256.NewInt(1)}, ledger.ErrInvalidTradeDelta},
	}

	before := ch.StateHash()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ch.OpenPosition(taker1, tt.params)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, before, ch.StateHash(), "rejected trades must not change state")
	assert.Zero(t, ch.Seq())

	_, err = ch.GetMarkPrice("BTC-USD")
	assert.ErrorIs(t, err, oracle.ErrMarketNotInitialized)
}

func TestRejectionsLabelledByMarket(t *testing.T) {
	m := metrics.New("test")
	ch := seeded(t, Config{Metrics: m})

	for _, base := range []string{"vDOGE", "vPEPE", "0xdeadbeef"} {
		_, err := ch.OpenPosition(taker1, OpenPositionParams{BaseToken: base, IsExactInput: true, Amount: ether(1)})
		require.ErrorIs(t, err, ErrUnknownBaseToken)
	}
	_, err := ch.OpenPosition(taker1, OpenPositionParams{BaseToken: "vETH", IsExactInput: true})
	require.ErrorIs(t, err, ErrInvalidAmount)

	expected := `
# HELP test_trades_rejected_total Trades rejected before settlement, by market
# TYPE test_trades_rejected_total counter
test_trades_rejected_total{market="ETH-USD"} 1
test_trades_rejected_total{market="unknown"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_trades_rejected_total"))
}

func TestPausedMarketRejectsTrades(t *testing.T) {
	ch := seeded(t, Config{})
	require.NoError(t, ch.SetMarketStatus("ETH-USD", market.Paused))

	_, err := ch.OpenPosition(taker1, OpenPositionParams{BaseToken: "vETH", IsExactInput: true, Amount: ether(1)})
	assert.ErrorIs(t, err, ErrMarketNotTradable)

	require.NoError(t, ch.SetMarketStatus("ETH-USD", market.Active))
	buyWith100Quote(t, ch, taker1)

	assert.Error(t, ch.SetMarketStatus("ETH-USD", market.Settled))
}

func TestInitializePoolLater(t *testing.T) {
	ch := New(Config{})
	m, err := market.NewMarketWithDefaults("ETH-USD", "vETH", "vUSD")
	require.NoError(t, err)
	require.NoError(t, ch.AddPool(m, nil))

	_, err = ch.AddLiquidity(maker, AddLiquidityParams{Market: "ETH-USD", Base: ether(1), Quote: ether(100), UpperTick: 100000})
	assert.ErrorIs(t, err, oracle.ErrMarketNotInitialized)

	require.NoError(t, ch.InitializePool("ETH-USD", sqrtPrice100))
	assert.ErrorIs(t, ch.InitializePool("ETH-USD", sqrtPrice100), amm.ErrPoolAlreadyInitialized)

	mark, err := ch.GetMarkPrice("ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000000", mark.Price.Dec())
}

func TestAddPoolDuplicates(t *testing.T) {
	ch := seeded(t, Config{})

	again, _ := market.NewMarketWithDefaults("ETH-USD", "vETH2", "vUSD")
	assert.ErrorIs(t, ch.AddPool(again, sqrtPrice100), market.ErrMarketExists)

	sameBase, _ := market.NewMarketWithDefaults("ETH-PERP", "vETH", "vUSD")
	assert.ErrorIs(t, ch.AddPool(sameBase, sqrtPrice100), ErrBaseTokenTaken)
}

func TestPersistFailureLeavesStateUntouched(t *testing.T) {
	var fail bool
	ch := seeded(t, Config{Persister: PersisterFunc(func(ChangeSet) error {
		if fail {
			return errors.New("disk full")
		}
		return nil
	})})
	buyWith100Quote(t, ch, taker1)
	before := ch.StateHash()

	fail = true
	_, err := ch.OpenPosition(taker1, OpenPositionParams{BaseToken: "vETH", IsExactInput: true, Amount: ether(100)})
	require.Error(t, err)
	_, err = ch.Deposit(taker1, uint256.NewInt(1_000_000))
	require.Error(t, err)

	assert.Equal(t, before, ch.StateHash())
	pnl, err := ch.GetTotalMarketPnl(taker1)
	require.NoError(t, err)
	assert.Equal(t, "-85955129155713749", pnl.String())
}

func TestChangeSetOfFirstTrade(t *testing.T) {
	var sets []ChangeSet
	ch := seeded(t, Config{Persister: PersisterFunc(func(cs ChangeSet) error {
		sets = append(sets, cs)
		return nil
	})})
	sets = nil

	rec := buyWith100Quote(t, ch, taker1)
	require.Len(t, sets, 1)
	cs := sets[0]
	require.Len(t, cs.Positions, 1)
	assert.Equal(t, []string{"ETH-USD"}, cs.AccountMarkets[taker1])
	assert.Equal(t, rec.SqrtPriceX96.Dec(), cs.Pools["ETH-USD"].SqrtPriceX96.Dec())
	assert.Equal(t, rec.ID, cs.Trade.ID)

	// second trade in the same market does not rewrite the market list
	buyWith100Quote(t, ch, taker1)
	assert.Nil(t, sets[1].AccountMarkets)
}

func TestRestoreFromPebble(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir, nil)
	require.NoError(t, err)

	ch := seeded(t, Config{Store: store})
	first := buyWith100Quote(t, ch, taker1)
	buyWith100Quote(t, ch, taker2)
	_, err = ch.Deposit(taker1, uint256.NewInt(5_000_000))
	require.NoError(t, err)
	want := ch.StateHash()
	require.NoError(t, store.Close())

	store, err = storage.Open(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	restored := New(Config{Store: store, Clock: util.FixedClock(launch)})
	require.NoError(t, restored.Restore())
	assert.Equal(t, want, restored.StateHash())
	assert.Equal(t, uint64(2), restored.Seq())

	pnl, err := restored.GetTotalMarketPnl(taker1)
	require.NoError(t, err)
	assert.Equal(t, "1750496580332248211", pnl.String())
	assert.Equal(t, "5000000", restored.GetCollateral(taker1).String())

	trades, err := restored.RecentTrades("ETH-USD", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, uint64(2), trades[0].Seq)
	assert.Equal(t, first.ID, trades[1].ID)
	assert.Equal(t, first.DeltaSize.String(), trades[1].DeltaSize.String())

	// trading continues from the restored curve
	rec := buyWith100Quote(t, restored, taker1)
	assert.Equal(t, uint64(3), rec.Seq)
	assert.Error(t, restored.Restore())
}

func TestNoncesSurviveRestore(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir, nil)
	require.NoError(t, err)

	ch := New(Config{Store: store})
	require.NoError(t, ch.UseNonce(taker1, 1))
	require.NoError(t, ch.UseNonce(taker1, 2))
	require.NoError(t, ch.UseNonce(taker2, 1))
	assert.ErrorIs(t, ch.UseNonce(taker1, 1), ErrNonceUsed)
	require.NoError(t, store.Close())

	store, err = storage.Open(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	restored := New(Config{Store: store})
	require.NoError(t, restored.Restore())
	assert.ErrorIs(t, restored.UseNonce(taker1, 1), ErrNonceUsed)
	assert.ErrorIs(t, restored.UseNonce(taker1, 2), ErrNonceUsed)
	assert.ErrorIs(t, restored.UseNonce(taker2, 1), ErrNonceUsed)
	assert.NoError(t, restored.UseNonce(taker1, 3))
	assert.NoError(t, restored.UseNonce(taker2, 2))
}

func TestNonceNotConsumedWhenPersistFails(t *testing.T) {
	fail := true
	ch := New(Config{Persister: PersisterFunc(func(cs ChangeSet) error {
		if fail {
			return errors.New("disk full")
		}
		assert.Equal(t, []uint64{9}, cs.Nonces[taker1])
		return nil
	})})

	err := ch.UseNonce(taker1, 9)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNonceUsed)

	fail = false
	require.NoError(t, ch.UseNonce(taker1, 9))
	assert.ErrorIs(t, ch.UseNonce(taker1, 9), ErrNonceUsed)
}

func TestVault(t *testing.T) {
	ch := New(Config{})

	bal, err := ch.Deposit(taker1, uint256.NewInt(10_000_000))
	require.NoError(t, err)
	assert.Equal(t, "10000000", bal.String())

	_, err = ch.Withdraw(taker1, uint256.NewInt(10_000_001))
	assert.ErrorIs(t, err, ErrInsufficientCollateral)

	bal, err = ch.Withdraw(taker1, uint256.NewInt(4_000_000))
	require.NoError(t, err)
	assert.Equal(t, "6000000", bal.String())

	_, err = ch.Deposit(taker1, new(uint256.Int))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, uint8(DefaultCollateralDecimals), ch.CollateralDecimals())

	// collateral never shows up as pnl
	pnl, err := ch.GetTotalMarketPnl(taker1)
	require.NoError(t, err)
	assert.True(t, pnl.IsZero())
}

func TestIndexPrice(t *testing.T) {
	feed := oracle.NewStaticFeed()
	require.NoError(t, feed.Set("ETH-USD", decimal.RequireFromString("101.5")))
	ch := seeded(t, Config{IndexFeed: feed})

	p, err := ch.GetIndexPrice(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "101500000000000000000", p.Dec())

	_, err = ch.GetIndexPrice(context.Background(), "DOGE-USD")
	assert.ErrorIs(t, err, market.ErrMarketNotFound)

	_, err = New(Config{}).GetIndexPrice(context.Background(), "ETH-USD")
	assert.ErrorIs(t, err, ErrNoIndexFeed)
}

func TestOnTradeHooksRunAfterCommit(t *testing.T) {
	ch := seeded(t, Config{Metrics: metrics.New("test")})

	var seen []TradeReceipt
	ch.OnTrade(func(r TradeReceipt) {
		// the hook may read freely; the writer lock is released
		pnl, err := ch.GetMarketPnl(r.Trader, r.Market)
		require.NoError(t, err)
		assert.Equal(t, "-85955129155713749", pnl.String())
		seen = append(seen, r)
	})

	rec := buyWith100Quote(t, ch, taker1)
	require.Len(t, seen, 1)
	assert.Equal(t, rec.ID, seen[0].ID)
}

func TestConcurrentReadersSeeWholeTrades(t *testing.T) {
	ch := seeded(t, Config{})
	valid := map[string]bool{
		"0":                   true,
		"-85955129155713749":  true,
		"1750496580332248211": true,
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 1)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				pnl, err := ch.GetTotalMarketPnl(taker1)
				if err != nil || !valid[pnl.String()] {
					select {
					case errs <- pnl.String():
					default:
					}
					return
				}
			}
		}()
	}

	buyWith100Quote(t, ch, taker1)
	buyWith100Quote(t, ch, taker2)
	close(stop)
	wg.Wait()

	select {
	case got := <-errs:
		t.Fatalf("reader observed a half-settled state: %s", got)
	default:
	}
}

func TestStateHashIsDeterministic(t *testing.T) {
	a := seeded(t, Config{})
	b := seeded(t, Config{})
	assert.Equal(t, a.StateHash(), b.StateHash())

	buyWith100Quote(t, a, taker1)
	assert.NotEqual(t, a.StateHash(), b.StateHash())
	buyWith100Quote(t, b, taker1)
	assert.Equal(t, a.StateHash(), b.StateHash())
}
