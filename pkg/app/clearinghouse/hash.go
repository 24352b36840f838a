package clearinghouse

import (
	"encoding/binary"
	"hash"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

// StateHash digests markets, curves, positions, collateral and the trade sequence.
// Two clearing houses that settled the same trades in the same order hash equal,
// including one restored from disk.
func (ch *ClearingHouse) StateHash() common.Hash {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	h := sha3.NewLegacyKeccak256()

	for _, m := range ch.registry.ListMarkets() {
		writeString(h, m.Symbol)
		writeString(h, m.Status.String())

		st := ch.pools[m.Symbol].State()
		writeUint(h, st.SqrtPriceX96)
		writeInt32(h, st.Tick)
		writeUint(h, st.Liquidity)
		for _, t := range st.Ticks {
			writeInt32(h, t.Index)
			writeUint(h, t.LiquidityGross)
			writeAmount(h, t.LiquidityNet)
		}
	}

	for _, addr := range ch.ledger.Accounts() {
		h.Write(addr.Bytes())
		for _, symbol := range ch.ledger.Markets(addr) {
			e := ch.ledger.Entry(addr, symbol)
			writeString(h, symbol)
			writeAmount(h, e.Size)
			writeAmount(h, e.CostBasis)
			writeAmount(h, e.RealizedPnl)
		}
	}

	holders := make([]common.Address, 0, len(ch.vault))
	for addr := range ch.vault {
		holders = append(holders, addr)
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].Cmp(holders[j]) < 0 })
	for _, addr := range holders {
		h.Write(addr.Bytes())
		writeAmount(h, ch.vault[addr])
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], ch.seq)
	h.Write(seq[:])

	return common.BytesToHash(h.Sum(nil))
}

// length prefixed so adjacent strings cannot run together
func writeString(h hash.Hash, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func writeInt32(h hash.Hash, v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	h.Write(b[:])
}

func writeUint(h hash.Hash, v *uint256.Int) {
	b := v.Bytes32()
	h.Write(b[:])
}

func writeAmount(h hash.Hash, a fixedpoint.Amount) {
	b := a.Bytes32()
	h.Write(b[:])
}
