package amm

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
)

// TickInfo is the liquidity bookkeeping of one initialized tick
type TickInfo struct {
	Index          int32             `json:"index"`
	LiquidityGross *uint256.Int      `json:"liquidityGross"`
	LiquidityNet   fixedpoint.Amount `json:"liquidityNet"` // added when crossed left to right
}

func (t TickInfo) clone() TickInfo {
	return TickInfo{
		Index:          t.Index,
		LiquidityGross: new(uint256.Int).Set(t.LiquidityGross),
		LiquidityNet:   t.LiquidityNet,
	}
}

// tickIndex keeps initialized ticks sorted. Searches are bounded by 256-tick words of
// compressed ticks so a swap is cut into exactly the same steps as the on-chain bitmap.
type tickIndex struct {
	spacing int32
	ticks   map[int32]*TickInfo
	sorted  []int32
}

func newTickIndex(spacing int32) *tickIndex {
	return &tickIndex{spacing: spacing, ticks: make(map[int32]*TickInfo)}
}

func (ti *tickIndex) get(tick int32) (*TickInfo, bool) {
	info, ok := ti.ticks[tick]
	return info, ok
}

// update adds liquidity to a tick boundary; upper boundaries subtract from net
func (ti *tickIndex) update(tick int32, liquidity *uint256.Int, upper bool, maxPerTick *uint256.Int) error {
	info, ok := ti.ticks[tick]
	if !ok {
		info = &TickInfo{Index: tick, LiquidityGross: new(uint256.Int)}
	}

	gross, err := fixedpoint.AddChecked(info.LiquidityGross, liquidity)
	if err != nil || gross.Gt(maxPerTick) {
		return fmt.Errorf("%w: tick %d", ErrLiquidityOverflow, tick)
	}

	delta, err := fixedpoint.AmountFromMagnitude(liquidity, upper)
	if err != nil {
		return err
	}
	net, err := info.LiquidityNet.Add(delta)
	if err != nil {
		return err
	}
	if net.Magnitude().Gt(maxUint128) {
		return fmt.Errorf("%w: tick %d net", ErrLiquidityOverflow, tick)
	}

	info.LiquidityGross = gross
	info.LiquidityNet = net
	if !ok {
		ti.ticks[tick] = info
		ti.insert(tick)
	}
	return nil
}

func (ti *tickIndex) insert(tick int32) {
	i := sort.Search(len(ti.sorted), func(i int) bool { return ti.sorted[i] >= tick })
	ti.sorted = append(ti.sorted, 0)
	copy(ti.sorted[i+1:], ti.sorted[i:])
	ti.sorted[i] = tick
}

func (ti *tickIndex) compress(tick int32) int32 {
	c := tick / ti.spacing
	if tick < 0 && tick%ti.spacing != 0 {
		c-- // round toward negative infinity
	}
	return c
}

// nextInitializedTickWithinOneWord returns the next initialized tick at or below
// (lte) or strictly above the current tick, staying inside the current word.
// If none is found the word boundary is returned with initialized=false.
func (ti *tickIndex) nextInitializedTickWithinOneWord(tick int32, lte bool) (int32, bool) {
	compressed := ti.compress(tick)

	if lte {
		wordStart := (compressed >> 8) << 8
		// largest initialized tick <= compressed*spacing
		i := sort.Search(len(ti.sorted), func(i int) bool { return ti.sorted[i] > compressed*ti.spacing })
		if i > 0 && ti.sorted[i-1] >= wordStart*ti.spacing {
			return ti.sorted[i-1], true
		}
		return wordStart * ti.spacing, false
	}

	start := compressed + 1
	wordEnd := (start>>8)<<8 + 255
	i := sort.Search(len(ti.sorted), func(i int) bool { return ti.sorted[i] >= start*ti.spacing })
	if i < len(ti.sorted) && ti.sorted[i] <= wordEnd*ti.spacing {
		return ti.sorted[i], true
	}
	return wordEnd * ti.spacing, false
}

// snapshot returns copies of all initialized ticks in ascending order
func (ti *tickIndex) snapshot() []TickInfo {
	out := make([]TickInfo, 0, len(ti.sorted))
	for _, t := range ti.sorted {
		out = append(out, ti.ticks[t].clone())
	}
	return out
}
