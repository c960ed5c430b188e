// Package venue provides the uniform facade over each supported trading
// venue: REST market data and trading calls plus the public websocket
// stream. Adapters normalize symbols at the boundary and surface failures
// through the typed errors in errors.go.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
)

// SubmitRequest describes a market or limit order submission.
type SubmitRequest struct {
	Symbol        string
	Side          domain.Side
	Type          domain.OrderType // market or limit only
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit only
	TimeInForce   domain.TimeInForce
	ClientOrderID string
}

// OrderState is the venue's view of one order, mapped onto the canonical
// statuses.
type OrderState struct {
	VenueOrderID   string
	ClientOrderID  string
	Symbol         string
	Side           domain.Side
	Type           domain.OrderType
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	Status         domain.OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Executions     []domain.Execution
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Channel names a public stream data channel.
type Channel string

const (
	ChannelTicker Channel = "ticker"
	ChannelBook   Channel = "book"
	ChannelTrade  Channel = "trade"
	ChannelCandle Channel = "candle"
)

// Event is one parsed stream event. Exactly one field is non-nil.
type Event struct {
	Ticker *domain.Ticker
	Book   *domain.OrderBook
	Trade  *domain.PublicTrade
	Candle *domain.Candle
}

// Stream is one websocket connection to a venue's public feed. The stream
// owns reconnection: on socket loss it reconnects with exponential backoff
// and re-issues every subscription previously held.
type Stream interface {
	// Subscribe adds symbols to a channel. Subscriptions are tracked in
	// memory and survive reconnects.
	Subscribe(ctx context.Context, ch Channel, symbols []string) error
	// Events yields parsed events until Close.
	Events() <-chan Event
	Close() error
}

// Venue is the uniform adapter interface. Optional capabilities return
// ErrNotSupported when the venue lacks them.
type Venue interface {
	Name() string

	// Market data.
	Instrument(ctx context.Context, symbol string) (*domain.Instrument, error)
	Ticker(ctx context.Context, symbol string) (*domain.Ticker, error)
	OrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error)
	Trades(ctx context.Context, symbol string, limit int) ([]domain.PublicTrade, error)
	Candles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)

	// Account.
	Balances(ctx context.Context) ([]domain.Balance, error)
	OpenPositions(ctx context.Context) ([]domain.Position, error)

	// Trading.
	SubmitOrder(ctx context.Context, req SubmitRequest) (*OrderState, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	GetOrder(ctx context.Context, symbol, venueOrderID string) (*OrderState, error)
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderState, error)
	OpenOrders(ctx context.Context, symbol string) ([]OrderState, error)

	// Streaming.
	OpenStream(ctx context.Context) (Stream, error)

	// Optional capabilities.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol, mode string) error
	FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
}
