// Package ledger owns every trader's position per market.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

var (
	// ErrInvalidTradeDelta is returned for a zero size delta; nothing is mutated
	ErrInvalidTradeDelta = errors.New("invalid trade delta")
	ErrStaleChange       = errors.New("position changed since the trade was prepared")
)

// PositionEntry is one trader's exposure in one market.
// Size is in base units; CostBasis and RealizedPnl in 18-decimal quote units.
// A flat entry (Size == 0) always has CostBasis == 0.
type PositionEntry struct {
	Size        fixedpoint.Amount `json:"size"`
	CostBasis   fixedpoint.Amount `json:"costBasis"`
	RealizedPnl fixedpoint.Amount `json:"realizedPnl"`
}

// IsFlat reports Size == 0
func (e PositionEntry) IsFlat() bool { return e.Size.IsZero() }

// Kind classifies how a trade changed a position
type Kind int8

const (
	Open Kind = iota
	Increase
	Reduce
	Close
	Flip
)

func (k Kind) String() string {
	switch k {
	case Open:
		return "open"
	case Increase:
		return "increase"
	case Reduce:
		return "reduce"
	case Close:
		return "close"
	case Flip:
		return "flip"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for _, c := range []Kind{Open, Increase, Reduce, Close, Flip} {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown position change %q", b)
}

// Key identifies a position
type Key struct {
	Account common.Address
	Market  string
}

// Change is a prepared, not yet applied, position update
type Change struct {
	Key
	Kind      Kind
	Before    PositionEntry
	After     PositionEntry
	Realized  fixedpoint.Amount // realized by this trade alone
	NewMarket bool              // first trade of Account in Market
}

// Ledger maps (account, market) to PositionEntry. Missing entries read as zero.
// It also keeps, per account, every market the account ever traded in first-trade order.
type Ledger struct {
	mu      sync.RWMutex
	entries map[Key]PositionEntry
	markets map[common.Address][]string
}

func New() *Ledger {
	return &Ledger{
		entries: make(map[Key]PositionEntry),
		markets: make(map[common.Address][]string),
	}
}

// Entry returns the position, or a zero entry if the account never traded the market
func (l *Ledger) Entry(account common.Address, market string) PositionEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[Key{account, market}]
}

// Markets returns every market the account has traded, in first-trade order.
// Markets are never removed, even after the position returns to flat.
func (l *Ledger) Markets(account common.Address) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.markets[account]...)
}

// Prepare computes the effect of a trade without mutating anything.
// deltaSize is the signed change in base units; deltaQuote the signed quote flow to the
// trader (negative when paying).
func (l *Ledger) Prepare(account common.Address, market string, deltaSize, deltaQuote fixedpoint.Amount) (Change, error) {
	if deltaSize.IsZero() {
		return Change{}, fmt.Errorf("%w: zero size for %s in %s", ErrInvalidTradeDelta, account.Hex(), market)
	}

	l.mu.RLock()
	key := Key{account, market}
	before := l.entries[key]
	newMarket := !l.hasMarket(account, market)
	l.mu.RUnlock()

	ch, err := settle(before, deltaSize, deltaQuote)
	if err != nil {
		return Change{}, fmt.Errorf("settle %s in %s: %w", account.Hex(), market, err)
	}
	ch.Key = key
	ch.NewMarket = newMarket
	return ch, nil
}

// Apply commits a prepared change. Fails with ErrStaleChange if the entry moved since Prepare.
func (l *Ledger) Apply(ch Change) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur := l.entries[ch.Key]; !sameEntry(cur, ch.Before) {
		return fmt.Errorf("%w: %s in %s", ErrStaleChange, ch.Account.Hex(), ch.Market)
	}
	l.entries[ch.Key] = ch.After
	if !l.hasMarket(ch.Account, ch.Market) {
		l.markets[ch.Account] = append(l.markets[ch.Account], ch.Market)
	}
	return nil
}

// ApplyTrade prepares and applies in one step
func (l *Ledger) ApplyTrade(account common.Address, market string, deltaSize, deltaQuote fixedpoint.Amount) (Change, error) {
	ch, err := l.Prepare(account, market, deltaSize, deltaQuote)
	if err != nil {
		return Change{}, err
	}
	return ch, l.Apply(ch)
}

func (l *Ledger) hasMarket(account common.Address, market string) bool {
	for _, m := range l.markets[account] {
		if m == market {
			return true
		}
	}
	return false
}

func sameEntry(a, b PositionEntry) bool {
	return a.Size.Equal(b.Size) && a.CostBasis.Equal(b.CostBasis) && a.RealizedPnl.Equal(b.RealizedPnl)
}

// settle applies a trade to an entry. Three distinct branches:
//
//	increase: same sign as size, or from flat. Basis accumulates.
//	reduce:   opposite sign, |d| <= |size|. Basis shrinks pro rata, rounding toward zero.
//	flip:     opposite sign, |d| > |size|. Old basis is fully realized, the residual opens
//	          at the trade's own price.
func settle(e PositionEntry, d, dq fixedpoint.Amount) (Change, error) {
	ch := Change{Before: e}
	after := e

	switch {
	case e.Size.IsZero() || e.Size.Sign() == d.Sign():
		size, err := e.Size.Add(d)
		if err != nil {
			return ch, err
		}
		cost, err := e.CostBasis.Add(dq)
		if err != nil {
			return ch, err
		}
		after.Size, after.CostBasis = size, cost
		ch.Kind = Increase
		if e.Size.IsZero() {
			ch.Kind = Open
		}

	case d.Magnitude().Cmp(e.Size.Magnitude()) <= 0:
		// share of the basis that leaves with the closed size
		removed, err := fixedpoint.MulDivAmount(e.CostBasis, d.Magnitude(), e.Size.Magnitude())
		if err != nil {
			return ch, err
		}
		size, err := e.Size.Add(d)
		if err != nil {
			return ch, err
		}
		cost, err := e.CostBasis.Sub(removed)
		if err != nil {
			return ch, err
		}
		realized, err := dq.Add(removed)
		if err != nil {
			return ch, err
		}
		after.Size, after.CostBasis, ch.Realized = size, cost, realized
		ch.Kind = Reduce
		if size.IsZero() {
			ch.Kind = Close
		}

	default:
		residual, err := e.Size.Add(d)
		if err != nil {
			return ch, err
		}
		openBasis, err := fixedpoint.MulDivAmount(dq, residual.Magnitude(), d.Magnitude())
		if err != nil {
			return ch, err
		}
		closeQuote, err := dq.Sub(openBasis)
		if err != nil {
			return ch, err
		}
		realized, err := closeQuote.Add(e.CostBasis)
		if err != nil {
			return ch, err
		}
		after.Size, after.CostBasis, ch.Realized = residual, openBasis, realized
		ch.Kind = Flip
	}

	if !ch.Realized.IsZero() {
		total, err := e.RealizedPnl.Add(ch.Realized)
		if err != nil {
			return ch, err
		}
		after.RealizedPnl = total
	}
	ch.After = after
	return ch, nil
}

// Restore loads a persisted entry and its market membership, in the order given
func (l *Ledger) Restore(account common.Address, markets []string, entries map[string]PositionEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, m := range markets {
		if !l.hasMarket(account, m) {
			l.markets[account] = append(l.markets[account], m)
		}
		if e, ok := entries[m]; ok {
			l.entries[Key{account, m}] = e
		}
	}
}

// Accounts returns every account with at least one trade, sorted by address
func (l *Ledger) Accounts() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]common.Address, 0, len(l.markets))
	for a := range l.markets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
