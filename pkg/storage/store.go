// Package storage persists clearing house state in Pebble.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearhouse/pkg/amm"
	"github.com/uhyunpark/clearhouse/pkg/app/core/ledger"
	"github.com/uhyunpark/clearhouse/pkg/app/core/market"
	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

// Store provides Pebble-based persistence for markets, pools, positions and collateral.
// Writers go through the clearing house's lock; every trade is one batch.
type Store struct {
	db *pebble.DB
}

// Open opens a Pebble database at the given path. Pebble's own messages go to log,
// which may be nil.
func Open(dbPath string, log *zap.Logger) (*Store, error) {
	return open(dbPath, nil, log)
}

// OpenInMemory opens a store backed by an in-memory filesystem
func OpenInMemory(log *zap.Logger) (*Store, error) {
	return open("", vfs.NewMem(), log)
}

func open(dbPath string, fs vfs.FS, log *zap.Logger) (*Store, error) {
	cache := pebble.NewCache(128 << 20) // 128MB cache
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                    cache,
		MemTableSize:             64 << 20, // 64MB memtable
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20, // 64MB
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10, // 512KB
		FS:                       fs,
		Logger:                   newPebbleLogger(log),
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// getJSON decodes the value at key into v. Reports false if the key does not exist.
func (s *Store) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// scan calls fn for every key under prefix, in key order
func (s *Store) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// LoadMarkets loads all market definitions ordered by symbol
func (s *Store) LoadMarkets() ([]*market.Market, error) {
	var out []*market.Market
	err := s.scan([]byte(prefixMarket), func(key, value []byte) error {
		var m market.Market
		if err := json.Unmarshal(value, &m); err != nil {
			return fmt.Errorf("failed to unmarshal market %s: %w", key, err)
		}
		out = append(out, &m)
		return nil
	})
	return out, err
}

// LoadPool loads one pool. Returns false if the market has no pool yet.
func (s *Store) LoadPool(symbol string) (amm.PoolState, bool, error) {
	var st amm.PoolState
	ok, err := s.getJSON(poolKey(symbol), &st)
	return st, ok, err
}

// LoadPosition loads a position; a missing position is a zero entry
func (s *Store) LoadPosition(addr common.Address, symbol string) (ledger.PositionEntry, error) {
	var e ledger.PositionEntry
	_, err := s.getJSON(positionKey(addr, symbol), &e)
	return e, err
}

// LoadAllPositions loads every position of every account
func (s *Store) LoadAllPositions() (map[common.Address]map[string]ledger.PositionEntry, error) {
	out := make(map[common.Address]map[string]ledger.PositionEntry)
	err := s.scan([]byte(prefixPosition), func(key, value []byte) error {
		addr, symbol, err := positionKeyParts(key)
		if err != nil {
			return err
		}
		var e ledger.PositionEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("failed to unmarshal position %s: %w", key, err)
		}
		if out[addr] == nil {
			out[addr] = make(map[string]ledger.PositionEntry)
		}
		out[addr][symbol] = e
		return nil
	})
	return out, err
}

// LoadAccountMarkets loads every account's market list in first-trade order
func (s *Store) LoadAccountMarkets() (map[common.Address][]string, error) {
	out := make(map[common.Address][]string)
	err := s.scan([]byte(prefixAccountMarkets), func(key, value []byte) error {
		addr, err := addressFromKey(key, prefixAccountMarkets)
		if err != nil {
			return err
		}
		var markets []string
		if err := json.Unmarshal(value, &markets); err != nil {
			return fmt.Errorf("failed to unmarshal markets of %s: %w", addr.Hex(), err)
		}
		out[addr] = markets
		return nil
	})
	return out, err
}

// LoadCollateral returns an account's collateral, zero if it never deposited
func (s *Store) LoadCollateral(addr common.Address) (fixedpoint.Amount, error) {
	var a fixedpoint.Amount
	_, err := s.getJSON(collateralKey(addr), &a)
	return a, err
}

// LoadAllCollateral loads every non-empty collateral balance
func (s *Store) LoadAllCollateral() (map[common.Address]fixedpoint.Amount, error) {
	out := make(map[common.Address]fixedpoint.Amount)
	err := s.scan([]byte(prefixCollateral), func(key, value []byte) error {
		addr, err := addressFromKey(key, prefixCollateral)
		if err != nil {
			return err
		}
		var a fixedpoint.Amount
		if err := json.Unmarshal(value, &a); err != nil {
			return fmt.Errorf("failed to unmarshal collateral of %s: %w", addr.Hex(), err)
		}
		out[addr] = a
		return nil
	})
	return out, err
}

// LoadNonces loads every consumed nonce, grouped by trader
func (s *Store) LoadNonces() (map[common.Address][]uint64, error) {
	out := make(map[common.Address][]uint64)
	err := s.scan([]byte(prefixNonce), func(key, _ []byte) error {
		addr, nonce, err := nonceKeyParts(key)
		if err != nil {
			return err
		}
		out[addr] = append(out[addr], nonce)
		return nil
	})
	return out, err
}

// LoadSeq returns the last committed trade sequence number
func (s *Store) LoadSeq() (uint64, error) {
	data, closer, err := s.db.Get([]byte(keySeq))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get trade seq: %w", err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt trade seq of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// LoadRecentTrades loads the most recent N trades for a symbol, newest first.
// Values are returned raw for the caller to decode.
func (s *Store) LoadRecentTrades(symbol string, limit int) ([]json.RawMessage, error) {
	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var trades []json.RawMessage
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		trades = append(trades, append(json.RawMessage(nil), iter.Value()...))
	}
	return trades, iter.Error()
}
