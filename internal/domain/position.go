package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Position is an open exposure keyed by (strategy, venue, symbol). A
// position row exists iff its quantity is non-zero; the service deletes the
// row when a fill flattens it.
type Position struct {
	Strategy         string          `json:"strategy"`
	Venue            string          `json:"venue"`
	Symbol           string          `json:"symbol"`
	Side             PositionSide    `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	Leverage         decimal.Decimal `json:"leverage,omitempty"`
	Margin           decimal.Decimal `json:"margin,omitempty"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price,omitempty"`
	OpenedAt         time.Time       `json:"opened_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Key identifies the position row.
func (p *Position) Key() string {
	return p.Strategy + ":" + p.Venue + ":" + p.Symbol
}

// Notional is the current mark value of the position. Falls back to entry
// price when no mark has been observed yet.
func (p *Position) Notional() decimal.Decimal {
	px := p.MarkPrice
	if px.IsZero() {
		px = p.EntryPrice
	}
	return px.Mul(p.Quantity)
}

// direction maps an order side onto the position side it opens.
func direction(side Side) PositionSide {
	if side == SideBuy {
		return PositionLong
	}
	return PositionShort
}

// CloseSide returns the order side that reduces this position.
func (p *Position) CloseSide() Side {
	if p.Side == PositionLong {
		return SideSell
	}
	return SideBuy
}

// ApplyFill mutates the position with a fill of (side, qty, px) and returns
// the realized P&L delta of the fill. The netting algebra:
//
//   - same direction: quantity adds, entry price becomes the weighted average
//   - opposing, smaller than position: quantity reduces, P&L realizes on the
//     closed portion
//   - opposing, equal: the position flattens (caller deletes the row)
//   - opposing, larger: the position flips, the excess opens at the fill price
func (p *Position) ApplyFill(side Side, qty, px decimal.Decimal, now time.Time) decimal.Decimal {
	p.UpdatedAt = now

	if direction(side) == p.Side {
		// Adding in the same direction: weighted-average entry.
		total := p.Quantity.Add(qty)
		p.EntryPrice = p.EntryPrice.Mul(p.Quantity).Add(px.Mul(qty)).Div(total)
		p.Quantity = total
		return decimal.Zero
	}

	// Opposing fill: realize P&L on the closed portion. For a long the
	// closed portion earns (px - entry); for a short it earns (entry - px).
	closed := decimal.Min(qty, p.Quantity)
	perUnit := px.Sub(p.EntryPrice)
	if p.Side == PositionShort {
		perUnit = perUnit.Neg()
	}
	realized := perUnit.Mul(closed)
	p.RealizedPnL = p.RealizedPnL.Add(realized)

	switch {
	case qty.LessThan(p.Quantity):
		p.Quantity = p.Quantity.Sub(qty)
	case qty.Equal(p.Quantity):
		p.Quantity = decimal.Zero
	default:
		// Flip: the excess opens a fresh exposure in the other direction.
		p.Side = direction(side)
		p.Quantity = qty.Sub(p.Quantity)
		p.EntryPrice = px
		p.OpenedAt = now
	}
	return realized
}

// MarkToMarket updates the mark price and the unrealized P&L against it.
// Returns the unrealized P&L.
func (p *Position) MarkToMarket(mark decimal.Decimal) decimal.Decimal {
	p.MarkPrice = mark
	perUnit := mark.Sub(p.EntryPrice)
	if p.Side == PositionShort {
		perUnit = perUnit.Neg()
	}
	p.UnrealizedPnL = perUnit.Mul(p.Quantity)
	return p.UnrealizedPnL
}

// UnrealizedPct is the unrealized P&L as a percentage of entry notional.
func (p *Position) UnrealizedPct() decimal.Decimal {
	entry := p.EntryPrice.Mul(p.Quantity)
	if entry.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPnL.Div(entry).Mul(decimal.NewFromInt(100))
}
