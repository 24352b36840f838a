// Package amm implements the concentrated liquidity curve a market's mark price is
// read from. All math reproduces the Uniswap V3 core libraries bit for bit.
package amm

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

// DefaultTickSpacing maps the standard fee tiers to their tick spacing
func DefaultTickSpacing(feePips uint32) int32 {
	switch feePips {
	case 100:
		return 1
	case 500:
		return 10
	case 3000:
		return 60
	case 10000:
		return 200
	default:
		return 60
	}
}

// SwapParams describes a swap from the pool's point of view
type SwapParams struct {
	ZeroForOne bool         // token0 in, token1 out
	ExactInput bool         // Amount is the input (fee inclusive) rather than the desired output
	Amount     *uint256.Int // > 0
	// SqrtPriceLimitX96 bounds how far the price may move. nil or zero means no limit.
	SqrtPriceLimitX96 *uint256.Int
}

// SwapResult is a simulated swap and the pool state it leads to.
// Amount0 and Amount1 are signed from the pool's side: positive flows into the pool.
type SwapResult struct {
	ZeroForOne   bool
	ExactInput   bool
	Amount0      fixedpoint.Amount
	Amount1      fixedpoint.Amount
	FeeAmount    *uint256.Int // charged in the input token
	SqrtPriceX96 *uint256.Int
	Tick         int32
	Liquidity    *uint256.Int

	seq uint64
}

// PoolState is the persisted form of a pool
type PoolState struct {
	FeePips      uint32       `json:"feePips"`
	TickSpacing  int32        `json:"tickSpacing"`
	SqrtPriceX96 *uint256.Int `json:"sqrtPriceX96"`
	Tick         int32        `json:"tick"`
	Liquidity    *uint256.Int `json:"liquidity"`
	Ticks        []TickInfo   `json:"ticks"`
}

// Pool is a single concentrated liquidity curve between token0 (base) and token1 (quote).
// Swaps are two-phase: Simulate is pure, Apply commits a result if nothing changed in between.
type Pool struct {
	mu sync.RWMutex

	feePips             uint32
	tickSpacing         int32
	maxLiquidityPerTick *uint256.Int

	initialized  bool
	sqrtPriceX96 *uint256.Int
	tick         int32
	liquidity    *uint256.Int
	ticks        *tickIndex

	// bumped by every mutation, guards Apply against stale simulations
	seq uint64
}

// NewPool creates an uninitialized pool
func NewPool(feePips uint32, tickSpacing int32) (*Pool, error) {
	if feePips >= FeeDenominator {
		return nil, fmt.Errorf("fee %d pips must be below %d", feePips, FeeDenominator)
	}
	if tickSpacing <= 0 || tickSpacing >= 16384 {
		return nil, fmt.Errorf("tick spacing %d out of range", tickSpacing)
	}

	minTick := (MinTick / tickSpacing) * tickSpacing
	maxTick := (MaxTick / tickSpacing) * tickSpacing
	numTicks := uint64((maxTick-minTick)/tickSpacing) + 1

	return &Pool{
		feePips:             feePips,
		tickSpacing:         tickSpacing,
		maxLiquidityPerTick: new(uint256.Int).Div(maxUint128, uint256.NewInt(numTicks)),
		sqrtPriceX96:        new(uint256.Int),
		liquidity:           new(uint256.Int),
		ticks:               newTickIndex(tickSpacing),
	}, nil
}

func (p *Pool) FeePips() uint32    { return p.feePips }
func (p *Pool) TickSpacing() int32 { return p.tickSpacing }

// Initialized reports whether the pool has a price
func (p *Pool) Initialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

// SqrtPriceX96 returns a copy of the current sqrt price
func (p *Pool) SqrtPriceX96() (*uint256.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.initialized {
		return nil, ErrPoolNotInitialized
	}
	return new(uint256.Int).Set(p.sqrtPriceX96), nil
}

// Tick returns the current tick
func (p *Pool) Tick() int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tick
}

// Liquidity returns the in-range liquidity
func (p *Pool) Liquidity() *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(uint256.Int).Set(p.liquidity)
}

// Initialize sets the starting price. Can only be called once.
func (p *Pool) Initialize(sqrtPriceX96 *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return ErrPoolAlreadyInitialized
	}
	tick, err := TickAtSqrtRatio(sqrtPriceX96)
	if err != nil {
		return err
	}
	p.sqrtPriceX96 = new(uint256.Int).Set(sqrtPriceX96)
	p.tick = tick
	p.initialized = true
	p.seq++
	return nil
}

func (p *Pool) checkTicks(lower, upper int32) error {
	switch {
	case lower >= upper:
		return fmt.Errorf("%w: lower %d >= upper %d", ErrInvalidTickRange, lower, upper)
	case lower < MinTick || upper > MaxTick:
		return fmt.Errorf("%w: [%d, %d] outside [%d, %d]", ErrInvalidTickRange, lower, upper, MinTick, MaxTick)
	case lower%p.tickSpacing != 0 || upper%p.tickSpacing != 0:
		return fmt.Errorf("%w: ticks must be multiples of %d", ErrInvalidTickRange, p.tickSpacing)
	}
	return nil
}

// Mint adds liquidity to [lower, upper) and returns the token amounts it requires
func (p *Pool) Mint(lower, upper int32, liquidity *uint256.Int) (amount0, amount1 *uint256.Int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, nil, ErrPoolNotInitialized
	}
	if err := p.checkTicks(lower, upper); err != nil {
		return nil, nil, err
	}
	if liquidity.IsZero() {
		return nil, nil, ErrZeroAmount
	}

	sqrtLower, err := SqrtRatioAtTick(lower)
	if err != nil {
		return nil, nil, err
	}
	sqrtUpper, err := SqrtRatioAtTick(upper)
	if err != nil {
		return nil, nil, err
	}

	amount0, amount1 = new(uint256.Int), new(uint256.Int)
	newLiquidity := p.liquidity
	switch {
	case p.tick < lower:
		amount0, err = Amount0Delta(sqrtLower, sqrtUpper, liquidity, true)
	case p.tick < upper:
		if amount0, err = Amount0Delta(p.sqrtPriceX96, sqrtUpper, liquidity, true); err != nil {
			return nil, nil, err
		}
		if amount1, err = Amount1Delta(sqrtLower, p.sqrtPriceX96, liquidity, true); err != nil {
			return nil, nil, err
		}
		sum, addErr := fixedpoint.AddChecked(p.liquidity, liquidity)
		if addErr != nil {
			return nil, nil, addErr
		}
		if newLiquidity, err = toUint128(sum); err != nil {
			return nil, nil, err
		}
	default:
		amount1, err = Amount1Delta(sqrtLower, sqrtUpper, liquidity, true)
	}
	if err != nil {
		return nil, nil, err
	}

	// both boundaries are validated before either is written
	if err := p.checkTickCapacity(lower, liquidity); err != nil {
		return nil, nil, err
	}
	if err := p.checkTickCapacity(upper, liquidity); err != nil {
		return nil, nil, err
	}
	if err := p.ticks.update(lower, liquidity, false, p.maxLiquidityPerTick); err != nil {
		return nil, nil, err
	}
	if err := p.ticks.update(upper, liquidity, true, p.maxLiquidityPerTick); err != nil {
		return nil, nil, err
	}
	p.liquidity = newLiquidity
	p.seq++
	return amount0, amount1, nil
}

func (p *Pool) checkTickCapacity(tick int32, liquidity *uint256.Int) error {
	gross := new(uint256.Int)
	if info, ok := p.ticks.get(tick); ok {
		gross.Set(info.LiquidityGross)
	}
	sum, err := fixedpoint.AddChecked(gross, liquidity)
	if err != nil || sum.Gt(p.maxLiquidityPerTick) {
		return fmt.Errorf("%w: tick %d", ErrLiquidityOverflow, tick)
	}
	return nil
}

// Simulate runs a swap against the current state without changing it
func (p *Pool) Simulate(params SwapParams) (SwapResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.initialized {
		return SwapResult{}, ErrPoolNotInitialized
	}
	if params.Amount == nil || params.Amount.IsZero() {
		return SwapResult{}, ErrZeroAmount
	}

	limit := params.SqrtPriceLimitX96
	if limit == nil || limit.IsZero() {
		if params.ZeroForOne {
			limit = new(uint256.Int).AddUint64(MinSqrtRatio, 1)
		} else {
			limit = new(uint256.Int).SubUint64(MaxSqrtRatio, 1)
		}
	}
	if params.ZeroForOne {
		if !limit.Lt(p.sqrtPriceX96) || !limit.Gt(MinSqrtRatio) {
			return SwapResult{}, fmt.Errorf("%w: %s", ErrSqrtPriceLimit, limit.Dec())
		}
	} else if !limit.Gt(p.sqrtPriceX96) || !limit.Lt(MaxSqrtRatio) {
		return SwapResult{}, fmt.Errorf("%w: %s", ErrSqrtPriceLimit, limit.Dec())
	}

	var (
		remaining = new(uint256.Int).Set(params.Amount)
		sqrtPrice = new(uint256.Int).Set(p.sqrtPriceX96)
		tick      = p.tick
		liquidity = new(uint256.Int).Set(p.liquidity)
		totalIn   = new(uint256.Int) // including fees
		totalOut  = new(uint256.Int)
		totalFee  = new(uint256.Int)
	)

	for !remaining.IsZero() && !sqrtPrice.Eq(limit) {
		sqrtStart := new(uint256.Int).Set(sqrtPrice)

		tickNext, initialized := p.ticks.nextInitializedTickWithinOneWord(tick, params.ZeroForOne)
		if tickNext < MinTick {
			tickNext = MinTick
		} else if tickNext > MaxTick {
			tickNext = MaxTick
		}
		sqrtNext, err := SqrtRatioAtTick(tickNext)
		if err != nil {
			return SwapResult{}, err
		}

		target := sqrtNext
		if (params.ZeroForOne && sqrtNext.Lt(limit)) || (!params.ZeroForOne && sqrtNext.Gt(limit)) {
			target = limit
		}

		step, err := ComputeSwapStep(sqrtPrice, target, liquidity, remaining, params.ExactInput, p.feePips)
		if err != nil {
			return SwapResult{}, err
		}
		sqrtPrice = step.SqrtPriceNextX96

		in := new(uint256.Int).Add(step.AmountIn, step.FeeAmount)
		if params.ExactInput {
			remaining.Sub(remaining, in)
		} else {
			remaining.Sub(remaining, step.AmountOut)
		}
		totalIn.Add(totalIn, in)
		totalOut.Add(totalOut, step.AmountOut)
		totalFee.Add(totalFee, step.FeeAmount)

		switch {
		case sqrtPrice.Eq(sqrtNext):
			if initialized {
				info, _ := p.ticks.get(tickNext)
				net := info.LiquidityNet
				if params.ZeroForOne {
					if net, err = net.Neg(); err != nil {
						return SwapResult{}, err
					}
				}
				if liquidity, err = addLiquidityDelta(liquidity, net); err != nil {
					return SwapResult{}, err
				}
			}
			if params.ZeroForOne {
				tick = tickNext - 1
			} else {
				tick = tickNext
			}
		case !sqrtPrice.Eq(sqrtStart):
			if tick, err = TickAtSqrtRatio(sqrtPrice); err != nil {
				return SwapResult{}, err
			}
		}
	}

	if totalIn.IsZero() && totalOut.IsZero() {
		return SwapResult{}, ErrInsufficientLiquidity
	}

	in, err := fixedpoint.AmountFromMagnitude(totalIn, false)
	if err != nil {
		return SwapResult{}, err
	}
	out, err := fixedpoint.AmountFromMagnitude(totalOut, true)
	if err != nil {
		return SwapResult{}, err
	}

	res := SwapResult{
		ZeroForOne:   params.ZeroForOne,
		ExactInput:   params.ExactInput,
		FeeAmount:    totalFee,
		SqrtPriceX96: sqrtPrice,
		Tick:         tick,
		Liquidity:    liquidity,
		seq:          p.seq,
	}
	if params.ZeroForOne {
		res.Amount0, res.Amount1 = in, out
	} else {
		res.Amount0, res.Amount1 = out, in
	}
	return res, nil
}

// Apply commits a simulated swap. It fails with ErrStaleSwap if the pool changed
// since the simulation.
func (p *Pool) Apply(res SwapResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if res.seq != p.seq {
		return ErrStaleSwap
	}
	p.sqrtPriceX96 = new(uint256.Int).Set(res.SqrtPriceX96)
	p.tick = res.Tick
	p.liquidity = new(uint256.Int).Set(res.Liquidity)
	p.seq++
	return nil
}

// Swap simulates and applies in one call
func (p *Pool) Swap(params SwapParams) (SwapResult, error) {
	res, err := p.Simulate(params)
	if err != nil {
		return SwapResult{}, err
	}
	return res, p.Apply(res)
}

// State returns a deep copy of the pool for persistence
func (p *Pool) State() PoolState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PoolState{
		FeePips:      p.feePips,
		TickSpacing:  p.tickSpacing,
		SqrtPriceX96: new(uint256.Int).Set(p.sqrtPriceX96),
		Tick:         p.tick,
		Liquidity:    new(uint256.Int).Set(p.liquidity),
		Ticks:        p.ticks.snapshot(),
	}
}

// StateAfter returns the state the pool would have once res is applied
func (p *Pool) StateAfter(res SwapResult) PoolState {
	st := p.State()
	st.SqrtPriceX96 = new(uint256.Int).Set(res.SqrtPriceX96)
	st.Tick = res.Tick
	st.Liquidity = new(uint256.Int).Set(res.Liquidity)
	return st
}

// RestorePool rebuilds a pool from persisted state
func RestorePool(st PoolState) (*Pool, error) {
	p, err := NewPool(st.FeePips, st.TickSpacing)
	if err != nil {
		return nil, err
	}
	if st.SqrtPriceX96 == nil || st.SqrtPriceX96.IsZero() {
		return p, nil
	}
	if _, err := TickAtSqrtRatio(st.SqrtPriceX96); err != nil {
		return nil, err
	}
	for _, t := range st.Ticks {
		info := t.clone()
		p.ticks.ticks[t.Index] = &info
		p.ticks.insert(t.Index)
	}
	p.sqrtPriceX96 = new(uint256.Int).Set(st.SqrtPriceX96)
	p.tick = st.Tick
	if st.Liquidity != nil {
		p.liquidity = new(uint256.Int).Set(st.Liquidity)
	}
	p.initialized = true
	return p, nil
}

func addLiquidityDelta(liquidity *uint256.Int, delta fixedpoint.Amount) (*uint256.Int, error) {
	if delta.Sign() < 0 {
		z, err := fixedpoint.SubChecked(liquidity, delta.Magnitude())
		if err != nil {
			return nil, fmt.Errorf("%w: liquidity underflow", ErrLiquidityOverflow)
		}
		return z, nil
	}
	z, err := fixedpoint.AddChecked(liquidity, delta.Magnitude())
	if err != nil {
		return nil, err
	}
	return toUint128(z)
}

// Clone returns an independent copy of the pool
func (p *Pool) Clone() (*Pool, error) {
	st := p.State()
	if !p.Initialized() {
		return NewPool(st.FeePips, st.TickSpacing)
	}
	return RestorePool(st)
}
