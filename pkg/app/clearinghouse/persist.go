package clearinghouse

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearhouse/pkg/amm"
	"github.com/uhyunpark/clearhouse/pkg/app/core/ledger"
	"github.com/uhyunpark/clearhouse/pkg/app/core/market"
	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
	"github.com/uhyunpark/clearhouse/pkg/storage"
)

// ChangeSet is everything one operation writes. It is persisted as a unit before
// any of it becomes visible in memory.
type ChangeSet struct {
	Markets        []*market.Market
	Pools          map[string]amm.PoolState
	Positions      []ledger.Change
	AccountMarkets map[common.Address][]string
	Collateral     map[common.Address]fixedpoint.Amount
	Nonces         map[common.Address][]uint64
	Trade          *TradeReceipt
}

// Persister makes a ChangeSet durable. A failed Persist must leave nothing behind.
type Persister interface {
	Persist(cs ChangeSet) error
}

// PersisterFunc adapts a function to Persister
type PersisterFunc func(cs ChangeSet) error

func (f PersisterFunc) Persist(cs ChangeSet) error { return f(cs) }

type nopPersister struct{}

func (nopPersister) Persist(ChangeSet) error { return nil }

// PebblePersister writes each ChangeSet as one Pebble batch
type PebblePersister struct {
	store *storage.Store
}

func NewPebblePersister(store *storage.Store) *PebblePersister {
	return &PebblePersister{store: store}
}

func (p *PebblePersister) Persist(cs ChangeSet) error {
	b := p.store.NewBatch()
	defer b.Close()

	for _, m := range cs.Markets {
		if err := b.SaveMarket(m); err != nil {
			return err
		}
	}
	for symbol, st := range cs.Pools {
		if err := b.SavePool(symbol, st); err != nil {
			return err
		}
	}
	for _, ch := range cs.Positions {
		if err := b.SavePosition(ch.Account, ch.Market, ch.After); err != nil {
			return err
		}
	}
	for addr, markets := range cs.AccountMarkets {
		if err := b.SaveAccountMarkets(addr, markets); err != nil {
			return err
		}
	}
	for addr, balance := range cs.Collateral {
		if err := b.SaveCollateral(addr, balance); err != nil {
			return err
		}
	}
	for addr, nonces := range cs.Nonces {
		for _, n := range nonces {
			if err := b.SaveNonce(addr, n); err != nil {
				return err
			}
		}
	}
	if t := cs.Trade; t != nil {
		if err := b.SaveTrade(t.Market, t.Seq, t.ID.String(), t); err != nil {
			return err
		}
		if err := b.SetSeq(t.Seq); err != nil {
			return err
		}
	}
	return b.Commit()
}

// Restore loads persisted state into an empty clearing house
func (ch *ClearingHouse) Restore() error {
	if ch.store == nil {
		return nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.registry.Count() > 0 || ch.seq > 0 {
		return fmt.Errorf("restore into a clearing house that already has state")
	}

	markets, err := ch.store.LoadMarkets()
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	for _, m := range markets {
		st, ok, err := ch.store.LoadPool(m.Symbol)
		if err != nil {
			return fmt.Errorf("load pool %s: %w", m.Symbol, err)
		}
		var pool *amm.Pool
		if ok {
			pool, err = amm.RestorePool(st)
		} else {
			pool, err = amm.NewPool(m.FeePips, m.TickSpacing)
		}
		if err != nil {
			return fmt.Errorf("restore pool %s: %w", m.Symbol, err)
		}
		if err := ch.register(m, pool); err != nil {
			return err
		}
	}

	accountMarkets, err := ch.store.LoadAccountMarkets()
	if err != nil {
		return fmt.Errorf("load account markets: %w", err)
	}
	positions, err := ch.store.LoadAllPositions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for addr, symbols := range accountMarkets {
		ch.ledger.Restore(addr, symbols, positions[addr])
	}

	collateral, err := ch.store.LoadAllCollateral()
	if err != nil {
		return fmt.Errorf("load collateral: %w", err)
	}
	for addr, balance := range collateral {
		ch.vault[addr] = balance
	}

	nonces, err := ch.store.LoadNonces()
	if err != nil {
		return fmt.Errorf("load nonces: %w", err)
	}
	for addr, ns := range nonces {
		for _, n := range ns {
			ch.markNonce(addr, n)
		}
	}

	if ch.seq, err = ch.store.LoadSeq(); err != nil {
		return err
	}

	ch.log.Info("state_restored",
		zap.Int("markets", len(markets)),
		zap.Int("accounts", len(accountMarkets)),
		zap.Int("nonce_accounts", len(nonces)),
		zap.Uint64("seq", ch.seq),
	)
	return nil
}

// RecentTrades returns up to limit settled trades of a market, newest first.
// Without a store there is no history and the result is empty.
func (ch *ClearingHouse) RecentTrades(symbol string, limit int) ([]TradeReceipt, error) {
	if ch.store == nil || limit <= 0 {
		return nil, nil
	}
	raw, err := ch.store.LoadRecentTrades(symbol, limit)
	if err != nil {
		return nil, err
	}
	out := make([]TradeReceipt, 0, len(raw))
	for _, r := range raw {
		var t TradeReceipt
		if err := json.Unmarshal(r, &t); err != nil {
			return nil, fmt.Errorf("decode trade of %s: %w", symbol, err)
		}
		out = append(out, t)
	}
	return out, nil
}
