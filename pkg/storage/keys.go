package storage

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
//   mkt:<symbol>                    → market.Market
//   pool:<symbol>                   → amm.PoolState
//   pos:<address>:<symbol>          → ledger.PositionEntry
//   am:<address>                    → []string, markets in first-trade order
//   col:<address>                   → collateral balance
//   trade:<symbol>:<seq>:<id>       → trade receipt
//   nonce:<address>:<nonce>         → empty, a consumed order nonce
//   meta:seq                        → last trade sequence number

// Key prefixes
const (
	prefixMarket         = "mkt:"
	prefixPool           = "pool:"
	prefixPosition       = "pos:"
	prefixAccountMarkets = "am:"
	prefixCollateral     = "col:"
	prefixTrade          = "trade:"
	prefixNonce          = "nonce:"
	keySeq               = "meta:seq"
)

// addrHexLen = "0x" + 40 hex chars
const addrHexLen = 42

func marketKey(symbol string) []byte {
	return []byte(prefixMarket + symbol)
}

func poolKey(symbol string) []byte {
	return []byte(prefixPool + symbol)
}

// positionKey returns the key for a position
// Format: "pos:{address}:{symbol}"
// Example: "pos:0x742d35Cc...:ETH-USD"
func positionKey(addr common.Address, symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPosition, addr.Hex(), symbol))
}

func accountMarketsKey(addr common.Address) []byte {
	return []byte(prefixAccountMarkets + addr.Hex())
}

func collateralKey(addr common.Address) []byte {
	return []byte(prefixCollateral + addr.Hex())
}

// tradeKey returns the key for a trade
// Format: "trade:{symbol}:{seq}:{tradeID}"
// Note: seq is zero-padded (20 digits) for lexicographic sorting
func tradeKey(symbol string, seq uint64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, symbol, seq, tradeID))
}

// tradePrefix returns the prefix for all trades of a symbol
// Format: "trade:{symbol}:"
func tradePrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, symbol))
}

// nonceKey returns the key marking a consumed nonce
// Format: "nonce:{address}:{nonce}", nonce zero-padded like trade seqs
func nonceKey(addr common.Address, nonce uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixNonce, addr.Hex(), nonce))
}

// nonceKeyParts is the inverse of nonceKey
func nonceKeyParts(key []byte) (common.Address, uint64, error) {
	addr, err := addressFromKey(key, prefixNonce)
	if err != nil {
		return common.Address{}, 0, err
	}
	rest := key[len(prefixNonce)+addrHexLen:]
	if len(rest) < 2 || rest[0] != ':' {
		return common.Address{}, 0, fmt.Errorf("invalid nonce key: %s", key)
	}
	nonce, err := strconv.ParseUint(string(rest[1:]), 10, 64)
	if err != nil {
		return common.Address{}, 0, fmt.Errorf("invalid nonce key %s: %w", key, err)
	}
	return addr, nonce, nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "pos:" -> upper bound "pos;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// addressFromKey extracts the address that follows prefix in key
func addressFromKey(key []byte, prefix string) (common.Address, error) {
	if len(key) < len(prefix)+addrHexLen {
		return common.Address{}, fmt.Errorf("invalid key length: %d", len(key))
	}
	addrHex := string(key[len(prefix) : len(prefix)+addrHexLen])
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, fmt.Errorf("invalid address in key: %s", addrHex)
	}
	return common.HexToAddress(addrHex), nil
}

// positionKeyParts is the inverse of positionKey
func positionKeyParts(key []byte) (common.Address, string, error) {
	addr, err := addressFromKey(key, prefixPosition)
	if err != nil {
		return common.Address{}, "", err
	}
	rest := key[len(prefixPosition)+addrHexLen:]
	if len(rest) < 2 || rest[0] != ':' {
		return common.Address{}, "", fmt.Errorf("invalid position key: %s", key)
	}
	return addr, string(rest[1:]), nil
}
