package clearinghouse

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var ErrNonceUsed = errors.New("nonce already used")

// UseNonce consumes an order nonce of trader. Each nonce is accepted once; with a
// store configured the consumed set survives restarts.
func (ch *ClearingHouse) UseNonce(trader common.Address, nonce uint64) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, used := ch.nonces[trader][nonce]; used {
		return fmt.Errorf("%w: %s nonce %d", ErrNonceUsed, trader.Hex(), nonce)
	}

	cs := ChangeSet{Nonces: map[common.Address][]uint64{trader: {nonce}}}
	if err := ch.persist(cs); err != nil {
		return err
	}
	ch.markNonce(trader, nonce)

	ch.log.Debug("nonce_consumed", zap.String("trader", trader.Hex()), zap.Uint64("nonce", nonce))
	return nil
}

// markNonce records a consumed nonce in memory. Caller holds ch.mu.
func (ch *ClearingHouse) markNonce(trader common.Address, nonce uint64) {
	used, ok := ch.nonces[trader]
	if !ok {
		used = make(map[uint64]struct{})
		ch.nonces[trader] = used
	}
	used[nonce] = struct{}{}
}
