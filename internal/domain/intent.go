package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Intent is the user-supplied description of an order before it has been
// accepted and given an internal id. The wire form is flat JSON; Validate
// enforces the per-type required fields, so each type effectively carries
// only its own variant of the union.
type Intent struct {
	Strategy      string          `json:"strategy"`
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce     `json:"tif,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Priority      int             `json:"priority,omitempty"`

	// TWAP variant.
	TWAPSlices   int `json:"twap_slices,omitempty"`
	TWAPInterval int `json:"twap_interval,omitempty"` // seconds between slices

	// Iceberg variant.
	IcebergVisibleRatio decimal.Decimal `json:"iceberg_visible_ratio,omitempty"`
}

// Validate checks the intrinsic invariants of the intent. A failure here is
// a validation error in the §7 taxonomy: never retried, surfaced as 400.
func (in *Intent) Validate() error {
	if in.Strategy == "" {
		return fmt.Errorf("strategy is required")
	}
	if in.Venue == "" {
		return fmt.Errorf("venue is required")
	}
	if in.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !in.Side.Valid() {
		return fmt.Errorf("invalid side %q", in.Side)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("invalid order type %q", in.Type)
	}
	if !in.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	if in.TimeInForce != "" && !in.TimeInForce.Valid() {
		return fmt.Errorf("invalid time in force %q", in.TimeInForce)
	}
	if in.Priority < 0 || in.Priority > 10 {
		return fmt.Errorf("priority must be between 0 and 10")
	}

	switch in.Type {
	case OrderTypeLimit:
		if !in.Price.IsPositive() {
			return fmt.Errorf("limit order requires a price")
		}
	case OrderTypeTWAP:
		if in.TWAPSlices < 2 {
			return fmt.Errorf("twap requires at least 2 slices")
		}
		if in.TWAPInterval < 1 {
			return fmt.Errorf("twap requires an interval of at least 1 second")
		}
	case OrderTypeIceberg:
		if !in.IcebergVisibleRatio.IsPositive() || in.IcebergVisibleRatio.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("iceberg visible ratio must be in (0, 1]")
		}
	case OrderTypeStopLoss, OrderTypeTakeProfit:
		if !in.StopPrice.IsPositive() {
			return fmt.Errorf("%s order requires a stop price", in.Type)
		}
	}
	return nil
}

// Notional is the approximate order value used by the risk gate: price (or
// the supplied reference price for market orders) times quantity.
func (in *Intent) Notional(reference decimal.Decimal) decimal.Decimal {
	px := in.Price
	if px.IsZero() {
		px = reference
	}
	return px.Mul(in.Quantity)
}

// ToOrder materializes a pending order record from the intent with the
// given system-assigned id.
func (in *Intent) ToOrder(id string, now time.Time) *Order {
	tif := in.TimeInForce
	if tif == "" {
		tif = TIFGoodTillCancel
	}
	return &Order{
		ID:            id,
		ClientOrderID: in.ClientOrderID,
		Strategy:      in.Strategy,
		Venue:         in.Venue,
		Symbol:        in.Symbol,
		Side:          in.Side,
		Type:          in.Type,
		Quantity:      in.Quantity,
		Price:         in.Price,
		StopPrice:     in.StopPrice,
		TimeInForce:   tif,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
