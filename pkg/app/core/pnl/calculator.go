// Package pnl values open positions at the current mark price.
package pnl

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/clearhouse/pkg/app/core/ledger"
	"github.com/uhyunpark/clearhouse/pkg/app/core/market"
	"github.com/uhyunpark/clearhouse/pkg/app/core/oracle"
	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

// Positions is the read side of the ledger
type Positions interface {
	Entry(account common.Address, market string) ledger.PositionEntry
	Markets(account common.Address) []string
}

// Prices is the read side of the mark price oracle
type Prices interface {
	CurrentPrice(market string) (oracle.MarkPrice, error)
}

// Markets resolves market definitions
type Markets interface {
	GetMarket(symbol string) (*market.Market, error)
}

// MarketPnl is one line of a breakdown. MarkPrice is nil for flat positions.
type MarketPnl struct {
	Market    string               `json:"market"`
	Position  ledger.PositionEntry `json:"position"`
	MarkPrice *uint256.Int         `json:"markPrice,omitempty"`
	Pnl       fixedpoint.Amount    `json:"pnl"`
}

type Calculator struct {
	positions Positions
	prices    Prices
	markets   Markets
}

func NewCalculator(positions Positions, prices Prices, markets Markets) *Calculator {
	return &Calculator{positions: positions, prices: prices, markets: markets}
}

// Unrealized = size * price / 10^baseDecimals + costBasis, the product rounded toward zero
func Unrealized(e ledger.PositionEntry, price *uint256.Int, baseDecimals uint8) (fixedpoint.Amount, error) {
	if e.Size.IsZero() {
		return fixedpoint.Zero, nil
	}
	unit, err := fixedpoint.Pow10(uint(baseDecimals))
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	value, err := fixedpoint.MulDivAmount(e.Size, price, unit)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	return value.Add(e.CostBasis)
}

// MarketPnl values one position. A flat position is 0 and the oracle is not consulted.
func (c *Calculator) MarketPnl(account common.Address, symbol string) (fixedpoint.Amount, error) {
	line, err := c.line(account, symbol)
	return line.Pnl, err
}

func (c *Calculator) line(account common.Address, symbol string) (MarketPnl, error) {
	e := c.positions.Entry(account, symbol)
	line := MarketPnl{Market: symbol, Position: e}
	if e.IsFlat() {
		return line, nil
	}

	m, err := c.markets.GetMarket(symbol)
	if err != nil {
		return line, err
	}
	mark, err := c.prices.CurrentPrice(symbol)
	if err != nil {
		return line, err
	}
	pnl, err := Unrealized(e, mark.Price, m.BaseDecimals)
	if err != nil {
		return line, fmt.Errorf("pnl %s in %s: %w", account.Hex(), symbol, err)
	}
	line.MarkPrice = mark.Price
	line.Pnl = pnl
	return line, nil
}

// TotalMarketPnl sums MarketPnl over every market the account ever traded.
// Terms go into one unbounded accumulator, so the order of markets cannot change the result.
func (c *Calculator) TotalMarketPnl(account common.Address) (fixedpoint.Amount, error) {
	total, _, err := c.Breakdown(account)
	return total, err
}

// Breakdown returns the total and each market's contribution in first-trade order
func (c *Calculator) Breakdown(account common.Address) (fixedpoint.Amount, []MarketPnl, error) {
	symbols := c.positions.Markets(account)
	lines := make([]MarketPnl, 0, len(symbols))

	var acc fixedpoint.Accumulator
	for _, s := range symbols {
		line, err := c.line(account, s)
		if err != nil {
			return fixedpoint.Amount{}, nil, err
		}
		acc.Add(line.Pnl)
		lines = append(lines, line)
	}

	total, err := acc.Result()
	if err != nil {
		return fixedpoint.Amount{}, nil, fmt.Errorf("total pnl %s: %w", account.Hex(), err)
	}
	return total, lines, nil
}
