package pnl

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/clearhouse/pkg/app/core/ledger"
	"github.com/uhyunpark/clearhouse/pkg/app/core/market"
	"github.com/uhyunpark/clearhouse/pkg/app/core/oracle"
	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

var taker = common.HexToAddress("0x000000000000000000000000000000000000beef")

type fixedPrices struct {
	prices map[string]*uint256.Int
	calls  int
}

func (p *fixedPrices) CurrentPrice(m string) (oracle.MarkPrice, error) {
	p.calls++
	price, ok := p.prices[m]
	if !ok {
		return oracle.MarkPrice{}, oracle.ErrMarketNotInitialized
	}
	return oracle.MarkPrice{Price: price}, nil
}

// reversedMarkets reports an account's markets in reverse order
type reversedMarkets struct{ *ledger.Ledger }

func (r reversedMarkets) Markets(a common.Address) []string {
	ms := r.Ledger.Markets(a)
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
	return ms
}

func newRegistry(t *testing.T, symbols ...string) *market.MarketRegistry {
	t.Helper()
	reg := market.NewMarketRegistry()
	for _, s := range symbols {
		m, err := market.NewMarketWithDefaults(s, "v"+s, "vUSD")
		require.NoError(t, err)
		require.NoError(t, reg.RegisterMarket(m))
	}
	return reg
}

func u(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

func TestScenarioPnlFollowsMarkPrice(t *testing.T) {
	l := ledger.New()
	_, err := l.ApplyTrade(taker, "ETH", fixedpoint.MustAmount("980943170969551031"), fixedpoint.MustAmount("-100000000000000000000"))
	require.NoError(t, err)

	prices := &fixedPrices{prices: map[string]*uint256.Int{"ETH": u("101855079710775282431")}}
	calc := NewCalculator(l, prices, newRegistry(t, "ETH"))

	total, err := calc.TotalMarketPnl(taker)
	require.NoError(t, err)
	assert.Equal(t, "-85955129155713749", total.String())

	prices.prices["ETH"] = u("103727208253831286176")
	total, err = calc.TotalMarketPnl(taker)
	require.NoError(t, err)
	assert.Equal(t, "1750496580332248211", total.String())
}

func TestFlatPositionSkipsOracle(t *testing.T) {
	l := ledger.New()
	prices := &fixedPrices{prices: map[string]*uint256.Int{}}
	calc := NewCalculator(l, prices, newRegistry(t, "ETH"))

	p, err := calc.MarketPnl(taker, "ETH")
	require.NoError(t, err)
	assert.True(t, p.IsZero())

	// round trip back to flat: the market stays listed but contributes exactly zero
	_, err = l.ApplyTrade(taker, "ETH", fixedpoint.NewAmount(5), fixedpoint.NewAmount(-500))
	require.NoError(t, err)
	_, err = l.ApplyTrade(taker, "ETH", fixedpoint.NewAmount(-5), fixedpoint.NewAmount(520))
	require.NoError(t, err)

	total, lines, err := calc.Breakdown(taker)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
	require.Len(t, lines, 1)
	assert.Nil(t, lines[0].MarkPrice)
	assert.Equal(t, 0, prices.calls)
}

func TestOpenPositionOnUninitializedMarketFails(t *testing.T) {
	l := ledger.New()
	_, err := l.ApplyTrade(taker, "ETH", fixedpoint.NewAmount(1), fixedpoint.NewAmount(-1))
	require.NoError(t, err)

	calc := NewCalculator(l, &fixedPrices{prices: map[string]*uint256.Int{}}, newRegistry(t, "ETH"))
	_, err = calc.TotalMarketPnl(taker)
	assert.ErrorIs(t, err, oracle.ErrMarketNotInitialized)
}

func TestPriceSensitivity(t *testing.T) {
	wad := fixedpoint.Wad
	long := ledger.PositionEntry{Size: fixedpoint.MustAmount("2000000000000000000"), CostBasis: fixedpoint.MustAmount("-200000000000000000000")}
	short := ledger.PositionEntry{Size: fixedpoint.MustAmount("-2000000000000000000"), CostBasis: fixedpoint.MustAmount("200000000000000000000")}

	var prevLong, prevShort fixedpoint.Amount
	for i, p := range []uint64{90, 100, 101, 150} {
		price := new(uint256.Int).Mul(uint256.NewInt(p), wad)
		l, err := Unrealized(long, price, 18)
		require.NoError(t, err)
		s, err := Unrealized(short, price, 18)
		require.NoError(t, err)
		if i > 0 {
			assert.Equal(t, 1, l.Cmp(prevLong), "long pnl must rise with price")
			assert.Equal(t, -1, s.Cmp(prevShort), "short pnl must fall with price")
		}
		prevLong, prevShort = l, s
	}
}

func TestTotalIsOrderIndependent(t *testing.T) {
	l := ledger.New()
	trades := []struct {
		market      string
		size, quote string
	}{
		{"ETH", "3000000000000000001", "-300000000000000000007"},
		{"BTC", "-12345678901234567", "370370367037037010"},
		{"SOL", "77777777777777777777", "-1555555555555555555540"},
	}
	for _, tr := range trades {
		_, err := l.ApplyTrade(taker, tr.market, fixedpoint.MustAmount(tr.size), fixedpoint.MustAmount(tr.quote))
		require.NoError(t, err)
	}

	prices := &fixedPrices{prices: map[string]*uint256.Int{
		"ETH": u("101333333333333333333"),
		"BTC": u("30111111111111111111111"),
		"SOL": u("19999999999999999999"),
	}}
	reg := newRegistry(t, "ETH", "BTC", "SOL")

	forward, err := NewCalculator(l, prices, reg).TotalMarketPnl(taker)
	require.NoError(t, err)
	backward, err := NewCalculator(reversedMarkets{l}, prices, reg).TotalMarketPnl(taker)
	require.NoError(t, err)
	assert.True(t, forward.Equal(backward))

	var want fixedpoint.Accumulator
	for _, tr := range trades {
		p, err := NewCalculator(l, prices, reg).MarketPnl(taker, tr.market)
		require.NoError(t, err)
		want.Add(p)
	}
	sum, err := want.Result()
	require.NoError(t, err)
	assert.Equal(t, sum.String(), forward.String())
}
