package clearinghouse

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

// Collateral is kept apart from PnL: deposits and withdrawals never touch a position,
// and trades never move collateral.

// Deposit credits settlement tokens (raw units, CollateralDecimals) to an account
func (ch *ClearingHouse) Deposit(addr common.Address, amount *uint256.Int) (fixedpoint.Amount, error) {
	return ch.moveCollateral(addr, amount, false)
}

// Withdraw debits settlement tokens; the balance cannot go negative
func (ch *ClearingHouse) Withdraw(addr common.Address, amount *uint256.Int) (fixedpoint.Amount, error) {
	return ch.moveCollateral(addr, amount, true)
}

// GetCollateral returns the balance in raw settlement token units
func (ch *ClearingHouse) GetCollateral(addr common.Address) fixedpoint.Amount {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.vault[addr]
}

// CollateralDecimals is the precision of collateral balances
func (ch *ClearingHouse) CollateralDecimals() uint8 { return ch.collateralDecimals }

func (ch *ClearingHouse) moveCollateral(addr common.Address, amount *uint256.Int, withdraw bool) (fixedpoint.Amount, error) {
	if amount == nil || amount.IsZero() {
		return fixedpoint.Amount{}, ErrInvalidAmount
	}
	delta, err := fixedpoint.AmountFromMagnitude(amount, withdraw)
	if err != nil {
		return fixedpoint.Amount{}, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	balance, err := ch.vault[addr].Add(delta)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	if balance.Sign() < 0 {
		return fixedpoint.Amount{}, fmt.Errorf("%w: %s has %s, wants %s",
			ErrInsufficientCollateral, addr.Hex(), ch.vault[addr], amount.Dec())
	}

	cs := ChangeSet{Collateral: map[common.Address]fixedpoint.Amount{addr: balance}}
	if err := ch.persist(cs); err != nil {
		return fixedpoint.Amount{}, err
	}
	ch.vault[addr] = balance

	event := "collateral_deposited"
	if withdraw {
		event = "collateral_withdrawn"
	}
	ch.log.Info(event,
		zap.String("account", addr.Hex()),
		zap.String("amount", amount.Dec()),
		zap.Stringer("balance", balance),
	)
	return balance, nil
}
