package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearhouse/params"
	"github.com/uhyunpark/clearhouse/pkg/app/clearinghouse"
	"github.com/uhyunpark/clearhouse/pkg/app/core/oracle"
)

// applyGenesis lists every market of g with its seed liquidity
func applyGenesis(ch *clearinghouse.ClearingHouse, g *params.Genesis, feed *oracle.StaticFeed, log *zap.Logger) error {
	for _, spec := range g.Markets {
		m, err := spec.Market()
		if err != nil {
			return fmt.Errorf("market %s: %w", spec.Symbol, err)
		}
		sqrtP, err := spec.StartSqrtPriceX96()
		if err != nil {
			return fmt.Errorf("market %s: %w", spec.Symbol, err)
		}
		if err := ch.AddPool(m, sqrtP); err != nil {
			return err
		}

		index, ok, err := spec.Index()
		if err != nil {
			return fmt.Errorf("market %s: %w", spec.Symbol, err)
		}
		if ok {
			if err := feed.Set(m.Symbol, index); err != nil {
				return err
			}
		}

		for _, l := range spec.Liquidity {
			base, quote, err := l.Amounts(m.BaseDecimals, m.QuoteDecimals)
			if err != nil {
				return fmt.Errorf("market %s: %w", spec.Symbol, err)
			}
			if _, err := ch.AddLiquidity(common.HexToAddress(l.Maker), clearinghouse.AddLiquidityParams{
				Market:    m.Symbol,
				Base:      base,
				Quote:     quote,
				LowerTick: l.LowerTick,
				UpperTick: l.UpperTick,
			}); err != nil {
				return fmt.Errorf("seed liquidity %s: %w", spec.Symbol, err)
			}
		}
	}

	log.Info("genesis_applied", zap.Int("markets", len(g.Markets)))
	return nil
}

// indexFromGenesis loads index prices on restart, when markets come from the store
func indexFromGenesis(g *params.Genesis, feed *oracle.StaticFeed) error {
	for _, spec := range g.Markets {
		index, ok, err := spec.Index()
		if err != nil {
			return fmt.Errorf("market %s: %w", spec.Symbol, err)
		}
		if ok {
			if err := feed.Set(spec.Symbol, index); err != nil {
				return err
			}
		}
	}
	return nil
}
