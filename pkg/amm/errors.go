package amm

import "errors"

var (
	ErrTickOutOfRange         = errors.New("tick out of range")
	ErrSqrtPriceOutOfRange    = errors.New("sqrt price out of range")
	ErrPoolNotInitialized     = errors.New("pool not initialized")
	ErrPoolAlreadyInitialized = errors.New("pool already initialized")
	ErrInvalidTickRange       = errors.New("invalid tick range")
	ErrSqrtPriceLimit         = errors.New("sqrt price limit")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrZeroAmount             = errors.New("amount must be non-zero")
	ErrLiquidityOverflow      = errors.New("liquidity overflow")
	ErrStaleSwap              = errors.New("swap simulated against a stale pool state")
)
