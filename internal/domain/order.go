// Package domain holds the core types shared by every service: orders,
// executions, positions, alerts and market data. The domain layer is pure -
// it has no infrastructure dependencies and no I/O.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of the known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType discriminates the order intent variants.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeTWAP       OrderType = "twap"
	OrderTypeIceberg    OrderType = "iceberg"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// Valid reports whether the order type is one of the known values.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeTWAP, OrderTypeIceberg,
		OrderTypeStopLoss, OrderTypeTakeProfit:
		return true
	}
	return false
}

// IsAlgorithmic reports whether the type spawns a parent-order state machine
// (child slices over time) instead of a single venue order.
func (t OrderType) IsAlgorithmic() bool {
	return t == OrderTypeTWAP || t == OrderTypeIceberg
}

// OrderStatus is the order lifecycle state. See the transition table in
// CanTransition.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusSubmitted OrderStatus = "submitted"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCanceled  OrderStatus = "canceled"
	StatusRejected  OrderStatus = "rejected"
	StatusExpired   OrderStatus = "expired"
	StatusFailed    OrderStatus = "failed"
)

// IsTerminal reports whether the status is final. Venue events against a
// terminal order are ignored.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// transitions maps each non-terminal status to the statuses it may move to.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:   {StatusSubmitted, StatusRejected, StatusFailed, StatusCanceled},
	StatusSubmitted: {StatusPartial, StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusFailed},
	StatusPartial:   {StatusFilled, StatusCanceled},
}

// CanTransition reports whether the order state machine allows from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TimeInForce is the venue-level directive on how long an unfilled order
// stays live.
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
	TIFGoodTillDate      TimeInForce = "GTD"
)

// Valid reports whether the time-in-force is one of the known values.
func (t TimeInForce) Valid() bool {
	switch t {
	case TIFGoodTillCancel, TIFImmediateOrCancel, TIFFillOrKill, TIFGoodTillDate:
		return true
	}
	return false
}

// Execution is a single fill-fact against an order. Executions are
// append-only for the life of the order.
type Execution struct {
	Timestamp   time.Time       `json:"timestamp"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"fee_currency"`
	TradeID     string          `json:"trade_id"`
}

// Order is the canonical order record. The service layer owns mutation;
// other components read it by value.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	VenueOrderID  string          `json:"venue_order_id,omitempty"`
	ParentID      string          `json:"parent_id,omitempty"`
	Strategy      string          `json:"strategy"`
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	Status        OrderStatus     `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`

	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Executions     []Execution     `json:"executions,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
}

// Transition moves the order to a new status, maintaining the lifecycle
// timestamps. It returns an error if the state machine forbids the move;
// a transition out of a terminal state is always forbidden.
func (o *Order) Transition(to OrderStatus, now time.Time) error {
	if o.Status == to {
		return nil
	}
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("invalid order transition %s -> %s", o.Status, to)
	}
	if o.Status == StatusPending {
		t := now
		o.SubmittedAt = &t
	}
	if to == StatusFilled {
		t := now
		o.FilledAt = &t
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// ApplyExecution appends a fill-fact and updates the running fill aggregate
// (cumulative quantity and volume-weighted average price). Fills that would
// push the cumulative quantity above the requested quantity are rejected.
// The status moves to partial or filled as appropriate.
func (o *Order) ApplyExecution(exec Execution) error {
	if o.Status.IsTerminal() && o.Status != StatusPartial {
		return fmt.Errorf("execution against terminal order %s (status %s)", o.ID, o.Status)
	}
	newFilled := o.FilledQuantity.Add(exec.Quantity)
	if newFilled.GreaterThan(o.Quantity) {
		return fmt.Errorf("fill overflows order %s: %s filled of %s requested",
			o.ID, newFilled, o.Quantity)
	}

	// VWAP across all executions so far.
	prevNotional := o.AvgFillPrice.Mul(o.FilledQuantity)
	addNotional := exec.Price.Mul(exec.Quantity)
	if newFilled.IsPositive() {
		o.AvgFillPrice = prevNotional.Add(addNotional).Div(newFilled)
	}
	o.FilledQuantity = newFilled
	o.Executions = append(o.Executions, exec)
	o.UpdatedAt = exec.Timestamp

	if o.FilledQuantity.Equal(o.Quantity) {
		return o.Transition(StatusFilled, exec.Timestamp)
	}
	if o.Status == StatusSubmitted {
		return o.Transition(StatusPartial, exec.Timestamp)
	}
	return nil
}

// RemainingQuantity is the unfilled portion of the order.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// FilledValue is the notional value of the filled portion.
func (o *Order) FilledValue() decimal.Decimal {
	return o.AvgFillPrice.Mul(o.FilledQuantity)
}
