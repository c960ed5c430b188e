package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SliceState is the lifecycle of one TWAP slice.
type SliceState string

const (
	SlicePending   SliceState = "pending"
	SliceExecuting SliceState = "executing"
	SliceDone      SliceState = "done"
	SliceFailed    SliceState = "failed"
	SliceCanceled  SliceState = "canceled"
)

// TWAPSlice is one scheduled child of a TWAP plan. The scheduling fields are
// immutable after plan generation; only the execution fields mutate.
type TWAPSlice struct {
	Sequence     int             `json:"sequence"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	Quantity     decimal.Decimal `json:"quantity"`
	State        SliceState      `json:"state"`
	ChildOrderID string          `json:"child_order_id,omitempty"`
	FilledQty    decimal.Decimal `json:"filled_quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// TWAPPlan is the parent-order state machine record for time-sliced
// execution. Slices run strictly in sequence order.
type TWAPPlan struct {
	ParentID        string          `json:"parent_id"`
	Symbol          string          `json:"symbol"`
	Venue           string          `json:"venue"`
	Side            Side            `json:"side"`
	TotalQuantity   decimal.Decimal `json:"total_quantity"`
	SliceCount      int             `json:"slice_count"`
	Interval        time.Duration   `json:"interval"`
	Slices          []TWAPSlice     `json:"slices"`
	CompletedSlices int             `json:"completed_slices"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	StartedAt       time.Time       `json:"started_at"`
	Canceled        bool            `json:"canceled"`
}

// NewTWAPPlan generates the slice schedule: slice i runs at start + i*interval
// for quantity total/count. Rounding residue from the division lands on the
// final slice so the slice quantities always sum to the total.
func NewTWAPPlan(parentID, venue, symbol string, side Side, total decimal.Decimal, count int, interval time.Duration, start time.Time) *TWAPPlan {
	per := total.Div(decimal.NewFromInt(int64(count))).RoundDown(8)
	slices := make([]TWAPSlice, count)
	allocated := decimal.Zero
	for i := 0; i < count; i++ {
		qty := per
		if i == count-1 {
			qty = total.Sub(allocated)
		}
		allocated = allocated.Add(qty)
		slices[i] = TWAPSlice{
			Sequence:    i,
			ScheduledAt: start.Add(time.Duration(i) * interval),
			Quantity:    qty,
			State:       SlicePending,
		}
	}
	return &TWAPPlan{
		ParentID:      parentID,
		Symbol:        symbol,
		Venue:         venue,
		Side:          side,
		TotalQuantity: total,
		SliceCount:    count,
		Interval:      interval,
		Slices:        slices,
		StartedAt:     start,
	}
}

// RecordSliceResult writes a finished child's fill back into its slice and
// folds it into the parent aggregate.
func (p *TWAPPlan) RecordSliceResult(i int, childID string, filled, avgPrice decimal.Decimal, state SliceState, errMsg string, now time.Time) {
	s := &p.Slices[i]
	s.ChildOrderID = childID
	s.FilledQty = filled
	s.AvgPrice = avgPrice
	s.State = state
	s.Error = errMsg
	t := now
	s.ExecutedAt = &t

	if filled.IsPositive() {
		prev := p.AvgFillPrice.Mul(p.FilledQuantity)
		p.FilledQuantity = p.FilledQuantity.Add(filled)
		p.AvgFillPrice = prev.Add(avgPrice.Mul(filled)).Div(p.FilledQuantity)
	}
	p.CompletedSlices++
}

// IcebergPlan is the parent-order record for concealed execution. Slices are
// generated lazily, one at a time; only the active slice is tracked.
type IcebergPlan struct {
	ParentID        string          `json:"parent_id"`
	Symbol          string          `json:"symbol"`
	Venue           string          `json:"venue"`
	Side            Side            `json:"side"`
	TotalQuantity   decimal.Decimal `json:"total_quantity"`
	VisibleRatio    decimal.Decimal `json:"visible_ratio"`
	VisibleQuantity decimal.Decimal `json:"visible_quantity"`
	LimitPrice      decimal.Decimal `json:"limit_price,omitempty"`
	Remaining       decimal.Decimal `json:"remaining"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	CompletedSlices int             `json:"completed_slices"`
	ActiveChildID   string          `json:"active_child_id,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	Stopped         bool            `json:"stopped"`
	StopReason      string          `json:"stop_reason,omitempty"`
}

// NewIcebergPlan computes the visible quantity r*total and initializes the
// remaining counter. The caller is responsible for checking the visible
// quantity against the venue minimum before starting the plan.
func NewIcebergPlan(parentID, venue, symbol string, side Side, total, ratio, limitPrice decimal.Decimal, start time.Time) *IcebergPlan {
	return &IcebergPlan{
		ParentID:        parentID,
		Symbol:          symbol,
		Venue:           venue,
		Side:            side,
		TotalQuantity:   total,
		VisibleRatio:    ratio,
		VisibleQuantity: total.Mul(ratio).RoundDown(8),
		LimitPrice:      limitPrice,
		Remaining:       total,
		StartedAt:       start,
	}
}

// NextSliceQuantity is min(visible, remaining), zero when the plan is done.
func (p *IcebergPlan) NextSliceQuantity() decimal.Decimal {
	if p.Stopped || !p.Remaining.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(p.VisibleQuantity, p.Remaining)
}

// RecordChildResult folds a terminated child's fill into the plan.
func (p *IcebergPlan) RecordChildResult(filled, avgPrice decimal.Decimal) {
	if filled.IsPositive() {
		prev := p.AvgFillPrice.Mul(p.FilledQuantity)
		p.FilledQuantity = p.FilledQuantity.Add(filled)
		p.AvgFillPrice = prev.Add(avgPrice.Mul(filled)).Div(p.FilledQuantity)
	}
	p.Remaining = p.Remaining.Sub(filled)
	if p.Remaining.IsNegative() {
		p.Remaining = decimal.Zero
	}
	p.CompletedSlices++
	p.ActiveChildID = ""
}
