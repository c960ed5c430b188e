package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newLong(qty, entry string) *Position {
	return &Position{
		Strategy:   "s1",
		Venue:      "mock",
		Symbol:     "BTC/USDT",
		Side:       PositionLong,
		Quantity:   d(qty),
		EntryPrice: d(entry),
		OpenedAt:   time.Now(),
	}
}

func TestApplyFill(t *testing.T) {
	now := time.Now()

	t.Run("adding averages the entry", func(t *testing.T) {
		p := newLong("1", "100")
		realized := p.ApplyFill(SideBuy, d("1"), d("110"), now)
		assert.True(t, realized.IsZero())
		assert.True(t, p.Quantity.Equal(d("2")))
		assert.True(t, p.EntryPrice.Equal(d("105")), "got %s", p.EntryPrice)
	})

	t.Run("partial close realizes on the closed portion", func(t *testing.T) {
		p := newLong("2", "100")
		realized := p.ApplyFill(SideSell, d("1"), d("110"), now)
		assert.True(t, realized.Equal(d("10")))
		assert.True(t, p.Quantity.Equal(d("1")))
		assert.Equal(t, PositionLong, p.Side)
		assert.True(t, p.EntryPrice.Equal(d("100")))
	})

	t.Run("round trip long realizes +10 and flattens", func(t *testing.T) {
		p := newLong("1", "100")
		realized := p.ApplyFill(SideSell, d("1"), d("110"), now)
		assert.True(t, realized.Equal(d("10")))
		assert.True(t, p.Quantity.IsZero())
	})

	t.Run("round trip short realizes +10 and flattens", func(t *testing.T) {
		p := newLong("1", "110")
		p.Side = PositionShort
		realized := p.ApplyFill(SideBuy, d("1"), d("100"), now)
		assert.True(t, realized.Equal(d("10")))
		assert.True(t, p.Quantity.IsZero())
	})

	t.Run("oversized opposing fill flips the position", func(t *testing.T) {
		p := newLong("1", "100")
		realized := p.ApplyFill(SideSell, d("3"), d("110"), now)
		assert.True(t, realized.Equal(d("10")))
		assert.Equal(t, PositionShort, p.Side)
		assert.True(t, p.Quantity.Equal(d("2")))
		assert.True(t, p.EntryPrice.Equal(d("110")))
	})

	t.Run("losing short accrues negative realized", func(t *testing.T) {
		p := newLong("1", "100")
		p.Side = PositionShort
		realized := p.ApplyFill(SideBuy, d("1"), d("120"), now)
		assert.True(t, realized.Equal(d("-20")))
	})
}

func TestMarkToMarket(t *testing.T) {
	t.Run("long gains when mark above entry", func(t *testing.T) {
		p := newLong("2", "100")
		upnl := p.MarkToMarket(d("105"))
		assert.True(t, upnl.Equal(d("10")))
		assert.True(t, p.UnrealizedPct().Equal(d("5")), "got %s", p.UnrealizedPct())
	})

	t.Run("short gains when mark below entry", func(t *testing.T) {
		p := newLong("2", "100")
		p.Side = PositionShort
		upnl := p.MarkToMarket(d("90"))
		assert.True(t, upnl.Equal(d("20")))
	})
}

func TestTWAPPlanGeneration(t *testing.T) {
	start := time.Now()
	plan := NewTWAPPlan("p1", "mock", "BTC/USDT", SideBuy, d("1.0"), 3, time.Second, start)

	assert.Len(t, plan.Slices, 3)

	// Slice quantities always sum to the total despite rounding.
	sum := decimal.Zero
	for i, s := range plan.Slices {
		sum = sum.Add(s.Quantity)
		assert.Equal(t, i, s.Sequence)
		assert.Equal(t, SlicePending, s.State)
		assert.Equal(t, start.Add(time.Duration(i)*time.Second), s.ScheduledAt)
	}
	assert.True(t, sum.Equal(d("1.0")), "slice sum %s", sum)
}

func TestTWAPPlanAggregate(t *testing.T) {
	start := time.Now()
	plan := NewTWAPPlan("p1", "mock", "BTC/USDT", SideBuy, d("1.0"), 2, time.Second, start)

	plan.RecordSliceResult(0, "c0", d("0.5"), d("100"), SliceDone, "", start)
	plan.RecordSliceResult(1, "c1", d("0.5"), d("110"), SliceDone, "", start)

	assert.Equal(t, 2, plan.CompletedSlices)
	assert.True(t, plan.FilledQuantity.Equal(d("1.0")))
	assert.True(t, plan.AvgFillPrice.Equal(d("105")))

	// Parent fill equals the sum of slice fills.
	sum := decimal.Zero
	for _, s := range plan.Slices {
		sum = sum.Add(s.FilledQty)
	}
	assert.True(t, sum.Equal(plan.FilledQuantity))
}

func TestIcebergPlan(t *testing.T) {
	start := time.Now()
	plan := NewIcebergPlan("p1", "mock", "BTC/USDT", SideBuy, d("10"), d("0.1"), decimal.Zero, start)

	assert.True(t, plan.VisibleQuantity.Equal(d("1")))
	assert.True(t, plan.NextSliceQuantity().Equal(d("1")))

	// Drain the plan slice by slice.
	for i := 0; i < 10; i++ {
		qty := plan.NextSliceQuantity()
		plan.RecordChildResult(qty, d("100"))
	}
	assert.True(t, plan.Remaining.IsZero())
	assert.True(t, plan.NextSliceQuantity().IsZero())
	assert.True(t, plan.FilledQuantity.Equal(d("10")))

	// Final partial slice smaller than visible.
	p2 := NewIcebergPlan("p2", "mock", "BTC/USDT", SideBuy, d("2.5"), d("0.4"), decimal.Zero, start)
	assert.True(t, p2.VisibleQuantity.Equal(d("1")))
	p2.RecordChildResult(d("1"), d("100"))
	p2.RecordChildResult(d("1"), d("100"))
	assert.True(t, p2.NextSliceQuantity().Equal(d("0.5")))
}
