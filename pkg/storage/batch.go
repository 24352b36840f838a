package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/clearhouse/pkg/amm"
	"github.com/uhyunpark/clearhouse/pkg/app/core/ledger"
	"github.com/uhyunpark/clearhouse/pkg/app/core/market"
	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

// Batch stages writes that become visible together on Commit, or not at all
type Batch struct {
	batch *pebble.Batch
}

// NewBatch creates a new batch writer
func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return b.batch.Set(key, data, nil)
}

// SaveMarket adds a market definition to the batch
func (b *Batch) SaveMarket(m *market.Market) error {
	return b.setJSON(marketKey(m.Symbol), m)
}

// SavePool adds a pool state to the batch
func (b *Batch) SavePool(symbol string, st amm.PoolState) error {
	return b.setJSON(poolKey(symbol), st)
}

// SavePosition adds a position to the batch
func (b *Batch) SavePosition(addr common.Address, symbol string, e ledger.PositionEntry) error {
	return b.setJSON(positionKey(addr, symbol), e)
}

// SaveAccountMarkets adds an account's market list to the batch
func (b *Batch) SaveAccountMarkets(addr common.Address, markets []string) error {
	return b.setJSON(accountMarketsKey(addr), markets)
}

// SaveCollateral adds a collateral balance to the batch
func (b *Batch) SaveCollateral(addr common.Address, balance fixedpoint.Amount) error {
	return b.setJSON(collateralKey(addr), balance)
}

// SaveTrade adds a trade receipt to the batch
func (b *Batch) SaveTrade(symbol string, seq uint64, tradeID string, receipt any) error {
	return b.setJSON(tradeKey(symbol, seq, tradeID), receipt)
}

// SaveNonce marks a trader's nonce as consumed
func (b *Batch) SaveNonce(addr common.Address, nonce uint64) error {
	return b.batch.Set(nonceKey(addr, nonce), nil, nil)
}

// SetSeq records the last trade sequence number
func (b *Batch) SetSeq(seq uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return b.batch.Set([]byte(keySeq), buf[:], nil)
}

// Commit writes the batch to Pebble atomically
func (b *Batch) Commit() error {
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Close releases the batch; uncommitted writes are discarded
func (b *Batch) Close() error {
	return b.batch.Close()
}
