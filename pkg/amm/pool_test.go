package amm

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

func u(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fixedpoint.Wad)
}

// sqrt(100) * 2^96
var price100 = u("792281625142643375935439503360")

func TestSqrtRatioAtTickBounds(t *testing.T) {
	minR, err := SqrtRatioAtTick(MinTick)
	require.NoError(t, err)
	assert.True(t, minR.Eq(MinSqrtRatio))

	maxR, err := SqrtRatioAtTick(MaxTick)
	require.NoError(t, err)
	assert.True(t, maxR.Eq(MaxSqrtRatio))

	zero, err := SqrtRatioAtTick(0)
	require.NoError(t, err)
	assert.True(t, zero.Eq(fixedpoint.Q96))

	_, err = SqrtRatioAtTick(MaxTick + 1)
	assert.ErrorIs(t, err, ErrTickOutOfRange)
}

func TestTickAtSqrtRatio(t *testing.T) {
	tests := []struct {
		name  string
		price *uint256.Int
		tick  int32
	}{
		{"min ratio", MinSqrtRatio, MinTick},
		{"one", fixedpoint.Q96, 0},
		{"price 100", price100, 46054},
		{"just below max", new(uint256.Int).SubUint64(MaxSqrtRatio, 1), MaxTick - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, err := TickAtSqrtRatio(tt.price)
			require.NoError(t, err)
			assert.Equal(t, tt.tick, tick)
		})
	}

	_, err := TickAtSqrtRatio(MaxSqrtRatio)
	assert.ErrorIs(t, err, ErrSqrtPriceOutOfRange)
}

func TestNextInitializedTickWithinOneWord(t *testing.T) {
	ti := newTickIndex(1)
	maxL := maxUint128
	for _, tick := range []int32{-200, -55, -4, 70, 78, 84, 139, 240, 535} {
		require.NoError(t, ti.update(tick, uint256.NewInt(1), false, maxL))
	}

	tests := []struct {
		tick        int32
		lte         bool
		next        int32
		initialized bool
	}{
		{78, false, 84, true},
		{77, false, 78, true},
		{-56, false, -55, true},
		{255, false, 511, false},
		{-257, false, -200, true},
		{78, true, 78, true},
		{79, true, 78, true},
		{258, true, 256, false},
		{-55, true, -55, true},
		{-56, true, -200, true},
	}
	for _, tt := range tests {
		next, initialized := ti.nextInitializedTickWithinOneWord(tt.tick, tt.lte)
		assert.Equal(t, tt.next, next, "tick %d lte %v", tt.tick, tt.lte)
		assert.Equal(t, tt.initialized, initialized, "tick %d lte %v", tt.tick, tt.lte)
	}
}

func TestLiquidityForAmounts(t *testing.T) {
	sa, _ := SqrtRatioAtTick(0)
	sb, _ := SqrtRatioAtTick(100000)

	l, err := LiquidityForAmounts(price100, sa, sb, ether(100), ether(10000))
	require.NoError(t, err)
	assert.Equal(t, "1072266834225216783033", l.Dec())
}

func newSeededPool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool(10000, DefaultTickSpacing(10000))
	require.NoError(t, err)
	require.NoError(t, p.Initialize(price100))

	amount0, amount1, err := p.Mint(0, 100000, u("1072266834225216783033"))
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000000", amount0.Dec())
	assert.Equal(t, "9650401508026951047297", amount1.Dec())
	return p
}

func TestSwapExactQuoteIn(t *testing.T) {
	p := newSeededPool(t)

	res, err := p.Swap(SwapParams{ZeroForOne: false, ExactInput: true, Amount: ether(100)})
	require.NoError(t, err)
	assert.Equal(t, "-980943170969551031", res.Amount0.String())
	assert.Equal(t, "100000000000000000000", res.Amount1.String())
	assert.Equal(t, "1000000000000000000", res.FeeAmount.Dec())

	sp, err := p.SqrtPriceX96()
	require.NoError(t, err)
	assert.Equal(t, "799596584291388918366590150960", sp.Dec())
	assert.Equal(t, int32(46237), p.Tick())

	res, err = p.Swap(SwapParams{ZeroForOne: false, ExactInput: true, Amount: ether(100)})
	require.NoError(t, err)
	assert.Equal(t, "-963157927267889842", res.Amount0.String())

	sp, _ = p.SqrtPriceX96()
	assert.Equal(t, "806911543440134460797740798560", sp.Dec())
}

func TestSimulateDoesNotMutate(t *testing.T) {
	p := newSeededPool(t)
	before := p.State()

	res, err := p.Simulate(SwapParams{ZeroForOne: true, ExactInput: false, Amount: ether(50)})
	require.NoError(t, err)
	assert.Equal(t, "-50000000000000000000", res.Amount1.String())
	assert.Equal(t, 1, res.Amount0.Sign())
	assert.True(t, res.SqrtPriceX96.Lt(before.SqrtPriceX96))

	assert.Equal(t, before, p.State())
}

func TestApplyRejectsStaleSimulation(t *testing.T) {
	p := newSeededPool(t)

	first, err := p.Simulate(SwapParams{ExactInput: true, Amount: ether(1)})
	require.NoError(t, err)
	second, err := p.Simulate(SwapParams{ExactInput: true, Amount: ether(2)})
	require.NoError(t, err)

	require.NoError(t, p.Apply(first))
	assert.ErrorIs(t, p.Apply(second), ErrStaleSwap)
}

func TestSwapStopsAtRangeEdge(t *testing.T) {
	p := newSeededPool(t)

	// far more quote than the range holds: the price runs to the upper tick and stops
	res, err := p.Swap(SwapParams{ExactInput: true, Amount: ether(1_000_000_000)})
	require.NoError(t, err)
	// two steps, each rounding the output down
	assert.Equal(t, "-99999999999999999999", res.Amount0.String())
	assert.True(t, res.Amount1.Magnitude().Lt(ether(1_000_000_000)))
	sp, err := p.SqrtPriceX96()
	require.NoError(t, err)
	assert.True(t, sp.Eq(new(uint256.Int).SubUint64(MaxSqrtRatio, 1)))
	assert.True(t, p.Liquidity().IsZero())
	assert.Equal(t, MaxTick-1, p.Tick())
}

func TestSwapErrors(t *testing.T) {
	p, err := NewPool(3000, 60)
	require.NoError(t, err)

	_, err = p.Simulate(SwapParams{ExactInput: true, Amount: ether(1)})
	assert.ErrorIs(t, err, ErrPoolNotInitialized)

	require.NoError(t, p.Initialize(fixedpoint.Q96))
	assert.ErrorIs(t, p.Initialize(fixedpoint.Q96), ErrPoolAlreadyInitialized)

	_, err = p.Simulate(SwapParams{ExactInput: true, Amount: new(uint256.Int)})
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = p.Simulate(SwapParams{ZeroForOne: true, ExactInput: true, Amount: ether(1), SqrtPriceLimitX96: new(uint256.Int).Lsh(fixedpoint.Q96, 1)})
	assert.ErrorIs(t, err, ErrSqrtPriceLimit)

	_, err = p.Simulate(SwapParams{ExactInput: true, Amount: ether(1)})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	_, _, err = p.Mint(60, 30, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidTickRange)
	_, _, err = p.Mint(-61, 60, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidTickRange)
}

func TestRestorePoolRoundTrip(t *testing.T) {
	p := newSeededPool(t)
	_, err := p.Swap(SwapParams{ExactInput: true, Amount: ether(100)})
	require.NoError(t, err)

	restored, err := RestorePool(p.State())
	require.NoError(t, err)
	assert.Equal(t, p.State(), restored.State())

	a, err := p.Simulate(SwapParams{ExactInput: true, Amount: ether(100)})
	require.NoError(t, err)
	b, err := restored.Simulate(SwapParams{ExactInput: true, Amount: ether(100)})
	require.NoError(t, err)
	assert.True(t, a.SqrtPriceX96.Eq(b.SqrtPriceX96))
}

func TestCloneIsIndependent(t *testing.T) {
	p := newSeededPool(t)
	before := p.State()

	c, err := p.Clone()
	require.NoError(t, err)
	_, err = c.Swap(SwapParams{ExactInput: true, Amount: ether(100)})
	require.NoError(t, err)

	assert.Equal(t, before, p.State())
	assert.NotEqual(t, before, c.State())

	bare, err := NewPool(3000, 60)
	require.NoError(t, err)
	c, err = bare.Clone()
	require.NoError(t, err)
	assert.False(t, c.Initialized())
	assert.Equal(t, uint32(3000), c.FeePips())
	assert.Equal(t, int32(60), c.TickSpacing())
}
