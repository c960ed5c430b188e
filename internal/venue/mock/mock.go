// Package mock implements an in-process venue used by tests and the default
// dev wiring. Market orders fill immediately at the posted ticker price;
// limit orders fill when marketable against the ticker, otherwise they rest
// open until canceled or force-filled.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

// Venue is the mock implementation of venue.Venue.
type Venue struct {
	name string

	mu          sync.Mutex
	tickers     map[string]domain.Ticker
	books       map[string]domain.OrderBook
	instruments map[string]domain.Instrument
	balances    []domain.Balance
	positions   []domain.Position
	orders      map[string]*venue.OrderState // by venue order id
	byClientID  map[string]string            // client id -> venue order id
	seq         int

	// Failure injection.
	nextSubmitErr error
	submitErrLeft int
	restLimitOpen bool // when true, marketable limits also rest open

	lastStream *Stream
}

// New creates a mock venue with sensible defaults for BTC/USDT and ETH/USDT.
func New(name string) *Venue {
	v := &Venue{
		name:        name,
		tickers:     make(map[string]domain.Ticker),
		books:       make(map[string]domain.OrderBook),
		instruments: make(map[string]domain.Instrument),
		orders:      make(map[string]*venue.OrderState),
		byClientID:  make(map[string]string),
	}
	for _, sym := range []string{"BTC/USDT", "ETH/USDT"} {
		v.instruments[sym] = domain.Instrument{
			Venue:        name,
			Symbol:       sym,
			MinQuantity:  decimal.RequireFromString("0.0001"),
			MinNotional:  decimal.RequireFromString("10"),
			PriceStep:    decimal.RequireFromString("0.01"),
			QuantityStep: decimal.RequireFromString("0.0001"),
			Active:       true,
		}
	}
	v.SetTicker("BTC/USDT", decimal.RequireFromString("50000"))
	v.SetTicker("ETH/USDT", decimal.RequireFromString("3000"))
	return v
}

// SetTicker posts a last/bid/ask around the given price.
func (v *Venue) SetTicker(symbol string, last decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	spread := last.Mul(decimal.RequireFromString("0.0001"))
	v.tickers[symbol] = domain.Ticker{
		Venue:     v.name,
		Symbol:    symbol,
		Timestamp: time.Now(),
		Last:      last,
		Bid:       last.Sub(spread),
		Ask:       last.Add(spread),
	}
	v.books[symbol] = domain.OrderBook{
		Venue:     v.name,
		Symbol:    symbol,
		Timestamp: time.Now(),
		Bids:      []domain.BookLevel{{Price: last.Sub(spread), Quantity: decimal.NewFromInt(10)}},
		Asks:      []domain.BookLevel{{Price: last.Add(spread), Quantity: decimal.NewFromInt(10)}},
	}
}

// SetInstrument installs instrument metadata.
func (v *Venue) SetInstrument(ins domain.Instrument) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ins.Venue = v.name
	v.instruments[ins.Symbol] = ins
}

// SetBalances installs account balances.
func (v *Venue) SetBalances(balances []domain.Balance) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances = balances
}

// SetPositions installs venue-native open positions for Sync tests.
func (v *Venue) SetPositions(positions []domain.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions = positions
}

// FailNextSubmits makes the next n submissions return err.
func (v *Venue) FailNextSubmits(n int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextSubmitErr = err
	v.submitErrLeft = n
}

// RestLimitOrders makes limit orders rest open even when marketable.
func (v *Venue) RestLimitOrders(rest bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.restLimitOpen = rest
}

func (v *Venue) Name() string { return v.name }

func (v *Venue) Instrument(_ context.Context, symbol string) (*domain.Instrument, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ins, ok := v.instruments[symbol]
	if !ok {
		return nil, &venue.RejectionError{Venue: v.name, Code: "unknown_instrument", Message: "unknown instrument " + symbol}
	}
	return &ins, nil
}

func (v *Venue) Ticker(_ context.Context, symbol string) (*domain.Ticker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.tickers[symbol]
	if !ok {
		return nil, &venue.RejectionError{Venue: v.name, Code: "unknown_instrument", Message: "no ticker for " + symbol}
	}
	return &t, nil
}

func (v *Venue) OrderBook(_ context.Context, symbol string, _ int) (*domain.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.books[symbol]
	if !ok {
		return nil, &venue.RejectionError{Venue: v.name, Code: "unknown_instrument", Message: "no book for " + symbol}
	}
	return &b, nil
}

func (v *Venue) Trades(context.Context, string, int) ([]domain.PublicTrade, error) {
	return nil, nil
}

func (v *Venue) Candles(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}

func (v *Venue) Balances(context.Context) ([]domain.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.Balance(nil), v.balances...), nil
}

// OpenPositions reports injected positions. A mock with none behaves like
// a spot account and returns ErrNotSupported so callers take the balances
// path.
func (v *Venue) OpenPositions(context.Context) ([]domain.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.positions == nil {
		return nil, venue.ErrNotSupported
	}
	return append([]domain.Position(nil), v.positions...), nil
}

// SubmitOrder accepts market and limit orders. Quantities below the
// instrument minimum are rejected the way a real venue would.
func (v *Venue) SubmitOrder(_ context.Context, req venue.SubmitRequest) (*venue.OrderState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.submitErrLeft > 0 {
		v.submitErrLeft--
		return nil, v.nextSubmitErr
	}

	ins, ok := v.instruments[req.Symbol]
	if !ok {
		return nil, &venue.RejectionError{Venue: v.name, Code: "unknown_instrument", Message: "unknown instrument " + req.Symbol}
	}
	if req.Quantity.LessThan(ins.MinQuantity) {
		return nil, &venue.RejectionError{Venue: v.name, Code: "min_quantity", Message: "quantity below venue minimum"}
	}
	ticker, ok := v.tickers[req.Symbol]
	if !ok {
		return nil, &venue.RejectionError{Venue: v.name, Code: "no_price", Message: "no market price for " + req.Symbol}
	}

	v.seq++
	now := time.Now()
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	state := &venue.OrderState{
		VenueOrderID:  fmt.Sprintf("%s-%d", v.name, v.seq),
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        domain.StatusSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	fillPrice := ticker.Ask
	if req.Side == domain.SideSell {
		fillPrice = ticker.Bid
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		v.fillLocked(state, fillPrice, now)
	case domain.OrderTypeLimit:
		marketable := (req.Side == domain.SideBuy && req.Price.GreaterThanOrEqual(ticker.Ask)) ||
			(req.Side == domain.SideSell && req.Price.LessThanOrEqual(ticker.Bid))
		if marketable && !v.restLimitOpen {
			v.fillLocked(state, req.Price, now)
		} else if req.TimeInForce == domain.TIFImmediateOrCancel || req.TimeInForce == domain.TIFFillOrKill {
			state.Status = domain.StatusExpired
		}
	default:
		return nil, &venue.RejectionError{Venue: v.name, Code: "bad_type", Message: "unsupported order type " + string(req.Type)}
	}

	v.orders[state.VenueOrderID] = state
	v.byClientID[clientID] = state.VenueOrderID
	copied := *state
	return &copied, nil
}

func (v *Venue) fillLocked(state *venue.OrderState, price decimal.Decimal, now time.Time) {
	state.Status = domain.StatusFilled
	state.FilledQuantity = state.Quantity
	state.AvgFillPrice = price
	state.Executions = []domain.Execution{{
		Timestamp:   now,
		Price:       price,
		Quantity:    state.Quantity,
		Fee:         price.Mul(state.Quantity).Mul(decimal.RequireFromString("0.001")),
		FeeCurrency: "USDT",
		TradeID:     uuid.NewString(),
	}}
	state.UpdatedAt = now
}

// FillOpenOrder force-fills a resting order at the given price. Test hook
// standing in for the matching engine.
func (v *Venue) FillOpenOrder(venueOrderID string, price decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.orders[venueOrderID]
	if !ok {
		return venue.ErrOrderNotFound
	}
	if state.Status.IsTerminal() {
		return fmt.Errorf("order %s already terminal", venueOrderID)
	}
	v.fillLocked(state, price, time.Now())
	return nil
}

func (v *Venue) CancelOrder(_ context.Context, _ string, venueOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.orders[venueOrderID]
	if !ok {
		return venue.ErrOrderNotFound
	}
	if state.Status.IsTerminal() {
		return nil // idempotent
	}
	state.Status = domain.StatusCanceled
	state.UpdatedAt = time.Now()
	return nil
}

func (v *Venue) GetOrder(_ context.Context, _ string, venueOrderID string) (*venue.OrderState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.orders[venueOrderID]
	if !ok {
		return nil, venue.ErrOrderNotFound
	}
	copied := *state
	return &copied, nil
}

func (v *Venue) GetOrderByClientID(_ context.Context, _ string, clientOrderID string) (*venue.OrderState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byClientID[clientOrderID]
	if !ok {
		return nil, venue.ErrOrderNotFound
	}
	copied := *v.orders[id]
	return &copied, nil
}

func (v *Venue) OpenOrders(_ context.Context, symbol string) ([]venue.OrderState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []venue.OrderState
	for _, state := range v.orders {
		if state.Status.IsTerminal() {
			continue
		}
		if symbol != "" && state.Symbol != symbol {
			continue
		}
		out = append(out, *state)
	}
	return out, nil
}

// Stream is the mock stream; tests inject events through Emit.
type Stream struct {
	mu     sync.Mutex
	events chan venue.Event
	subs   map[venue.Channel][]string
	closed bool
}

func (v *Venue) OpenStream(context.Context) (venue.Stream, error) {
	s := &Stream{
		events: make(chan venue.Event, 256),
		subs:   make(map[venue.Channel][]string),
	}
	v.mu.Lock()
	v.lastStream = s
	v.mu.Unlock()
	return s, nil
}

// LastStream returns the most recently opened stream. Test hook.
func (v *Venue) LastStream() *Stream {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastStream
}

func (s *Stream) Subscribe(_ context.Context, ch venue.Channel, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[ch] = append(s.subs[ch], symbols...)
	return nil
}

func (s *Stream) Events() <-chan venue.Event { return s.events }

// Emit pushes an event into the stream. Test hook.
func (s *Stream) Emit(ev venue.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Optional capabilities: the mock venue supports none of them.

func (v *Venue) SetLeverage(context.Context, string, int) error {
	return venue.ErrNotSupported
}

func (v *Venue) SetMarginMode(context.Context, string, string) error {
	return venue.ErrNotSupported
}

func (v *Venue) FundingRate(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, venue.ErrNotSupported
}
