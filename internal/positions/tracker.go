// Package positions tracks open exposure per (strategy, venue, symbol),
// nets executor fills into it, and mirrors the result plus a P&L snapshot
// into the shared KV for the risk components.
package positions

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

// stablecoins are quoted at an entry price of 1.0 during balance syncs.
var stablecoins = map[string]bool{
	"USDT": true,
	"USDC": true,
	"DAI":  true,
	"BUSD": true,
}

// Tracker is the in-memory position book.
type Tracker struct {
	cache    kv.Store
	registry *venue.Registry
	userID   string
	log      zerolog.Logger

	mu            sync.Mutex
	positions     map[string]*domain.Position
	realizedToday decimal.Decimal
	day           string
	consecutive   int
	initialEquity decimal.Decimal
	peakEquity    decimal.Decimal
}

// NewTracker creates the tracker. initialEquity seeds drawdown tracking;
// zero means equity-based rules stay quiet until a sync provides one.
func NewTracker(cache kv.Store, registry *venue.Registry, userID string, initialEquity decimal.Decimal, log zerolog.Logger) *Tracker {
	return &Tracker{
		cache:         cache,
		registry:      registry,
		userID:        userID,
		log:           log.With().Str("component", "positions").Logger(),
		positions:     make(map[string]*domain.Position),
		realizedToday: decimal.Zero,
		day:           utcDay(time.Now()),
		initialEquity: initialEquity,
		peakEquity:    initialEquity,
	}
}

func utcDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

// UpdateFromFill nets one fill into the book and returns the realized P&L
// delta. A flattened position is removed from the book.
func (t *Tracker) UpdateFromFill(ctx context.Context, strategy, venueName, symbol string, side domain.Side, qty, px decimal.Decimal, now time.Time) decimal.Decimal {
	t.mu.Lock()
	t.rollDayLocked(now)

	key := strategy + ":" + venueName + ":" + symbol
	pos, ok := t.positions[key]
	realized := decimal.Zero
	if !ok {
		pos = &domain.Position{
			Strategy:   strategy,
			Venue:      venueName,
			Symbol:     symbol,
			Quantity:   qty,
			EntryPrice: px,
			OpenedAt:   now,
			UpdatedAt:  now,
		}
		if side == domain.SideBuy {
			pos.Side = domain.PositionLong
		} else {
			pos.Side = domain.PositionShort
		}
		t.positions[key] = pos
	} else {
		realized = pos.ApplyFill(side, qty, px, now)
		if pos.Quantity.IsZero() {
			delete(t.positions, key)
		}
	}

	if !realized.IsZero() {
		t.realizedToday = t.realizedToday.Add(realized)
		if realized.IsNegative() {
			t.consecutive++
		} else {
			t.consecutive = 0
		}
	}
	t.mu.Unlock()

	t.Snapshot(ctx)
	return realized
}

// rollDayLocked resets the daily realized counter at the UTC day boundary.
func (t *Tracker) rollDayLocked(now time.Time) {
	if day := utcDay(now); day != t.day {
		t.day = day
		t.realizedToday = decimal.Zero
	}
}

// MarkToMarket refreshes every position's unrealized P&L from the
// latest-value ticker cache. Positions with no cached ticker keep their
// previous mark.
func (t *Tracker) MarkToMarket(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pos := range t.positions {
		raw, err := t.cache.Get(ctx, kv.KeyTicker(pos.Venue, pos.Symbol))
		if err != nil {
			continue
		}
		var ticker domain.Ticker
		if err := json.Unmarshal([]byte(raw), &ticker); err != nil || !ticker.Last.IsPositive() {
			continue
		}
		pos.MarkToMarket(ticker.Last)
	}
}

// Sync replaces the book's rows for one venue with venue-reported truth.
// Derivatives venues report positions directly; spot venues fall back to
// non-zero balances, valued at the cached ticker price (stablecoins at 1).
func (t *Tracker) Sync(ctx context.Context, venueName string) error {
	v, err := t.registry.Get(ctx, venueName)
	if err != nil {
		return err
	}

	reported, err := v.OpenPositions(ctx)
	if errors.Is(err, venue.ErrNotSupported) {
		reported, err = t.positionsFromBalances(ctx, v, venueName)
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	t.mu.Lock()
	for key, pos := range t.positions {
		if pos.Venue == venueName {
			delete(t.positions, key)
		}
	}
	equity := decimal.Zero
	for i := range reported {
		pos := reported[i]
		pos.Venue = venueName
		if pos.Strategy == "" {
			pos.Strategy = "external"
		}
		pos.UpdatedAt = now
		t.positions[pos.Key()] = &pos
		equity = equity.Add(pos.Notional())
	}
	if equity.IsPositive() {
		if !t.initialEquity.IsPositive() {
			t.initialEquity = equity
		}
		if equity.GreaterThan(t.peakEquity) {
			t.peakEquity = equity
		}
	}
	t.mu.Unlock()

	t.Snapshot(ctx)
	t.log.Info().Str("venue", venueName).Int("positions", len(reported)).Msg("Positions synced")
	return nil
}

func (t *Tracker) positionsFromBalances(ctx context.Context, v venue.Venue, venueName string) ([]domain.Position, error) {
	balances, err := v.Balances(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Position
	for _, b := range balances {
		total := b.Free.Add(b.Locked)
		if !total.IsPositive() {
			continue
		}
		entry := decimal.NewFromInt(1)
		symbol := b.Asset
		if !stablecoins[b.Asset] {
			symbol = b.Asset + "/USDT"
			raw, err := t.cache.Get(ctx, kv.KeyTicker(venueName, symbol))
			if err == nil {
				var ticker domain.Ticker
				if json.Unmarshal([]byte(raw), &ticker) == nil && ticker.Last.IsPositive() {
					entry = ticker.Last
				}
			}
		}
		out = append(out, domain.Position{
			Symbol:     symbol,
			Side:       domain.PositionLong,
			Quantity:   total,
			EntryPrice: entry,
		})
	}
	return out, nil
}

// CloseAll flattens every open position with an opposite-side market
// order at its venue and returns the keys it closed. A failed close
// leaves the position in the book; the sweep continues and the last
// error is returned so the caller knows it was incomplete.
func (t *Tracker) CloseAll(ctx context.Context) ([]string, error) {
	var closed []string
	var lastErr error
	for _, pos := range t.All() {
		v, err := t.registry.Get(ctx, pos.Venue)
		if err != nil {
			lastErr = err
			t.log.Error().Err(err).Str("venue", pos.Venue).Msg("Close-all venue unavailable")
			continue
		}
		state, err := v.SubmitOrder(ctx, venue.SubmitRequest{
			Symbol:   pos.Symbol,
			Side:     pos.CloseSide(),
			Type:     domain.OrderTypeMarket,
			Quantity: pos.Quantity,
		})
		if err != nil {
			lastErr = err
			t.log.Error().Err(err).Str("position", pos.Key()).Msg("Close-all order failed")
			continue
		}
		filled := state.FilledQuantity
		if !filled.IsPositive() {
			filled = pos.Quantity
		}
		px := state.AvgFillPrice
		if !px.IsPositive() {
			px = pos.EntryPrice
		}
		t.UpdateFromFill(ctx, pos.Strategy, pos.Venue, pos.Symbol, pos.CloseSide(), filled, px, time.Now().UTC())
		closed = append(closed, pos.Key())
	}
	if len(closed) > 0 {
		t.log.Warn().Int("closed", len(closed)).Msg("Closed all open positions")
	}
	return closed, lastErr
}

// All returns copies of every open position, ordered by key for stable
// output.
func (t *Tracker) All() []domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// TotalExposure is the summed notional across the book.
func (t *Tracker) TotalExposure() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := decimal.Zero
	for _, pos := range t.positions {
		total = total.Add(pos.Notional())
	}
	return total
}

// Exposure returns the notional held in one symbol across strategies.
func (t *Tracker) Exposure(symbol string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := decimal.Zero
	for _, pos := range t.positions {
		if pos.Symbol == symbol {
			total = total.Add(pos.Notional())
		}
	}
	return total
}

// PnL returns the current P&L snapshot.
func (t *Tracker) PnL() domain.PnLSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pnlLocked()
}

func (t *Tracker) pnlLocked() domain.PnLSnapshot {
	unrealized := decimal.Zero
	exposure := decimal.Zero
	for _, pos := range t.positions {
		unrealized = unrealized.Add(pos.UnrealizedPnL)
		exposure = exposure.Add(pos.Notional())
	}
	// Equity is cash-based: starting equity plus realized and unrealized
	// P&L. Opening a position moves money between cash and exposure, not
	// out of equity. Without a starting figure the book's marked value is
	// the only estimate available.
	equity := t.initialEquity.Add(t.realizedToday).Add(unrealized)
	if !t.initialEquity.IsPositive() {
		equity = exposure.Add(unrealized)
	}
	if equity.GreaterThan(t.peakEquity) {
		t.peakEquity = equity
	}
	return domain.PnLSnapshot{
		UserID:            t.userID,
		RealizedToday:     t.realizedToday,
		Unrealized:        unrealized,
		Equity:            equity,
		InitialEquity:     t.initialEquity,
		PeakEquity:        t.peakEquity,
		ConsecutiveLosses: t.consecutive,
		UpdatedAt:         time.Now().UTC(),
	}
}

// Snapshot mirrors the book and the P&L snapshot into the shared KV.
func (t *Tracker) Snapshot(ctx context.Context) {
	t.mu.Lock()
	book := make([]domain.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		book = append(book, *pos)
	}
	pnl := t.pnlLocked()
	t.mu.Unlock()

	if data, err := json.Marshal(book); err == nil {
		if err := t.cache.Set(ctx, kv.KeyPositions(t.userID), string(data), 0); err != nil {
			t.log.Warn().Err(err).Msg("Position snapshot write failed")
		}
	}
	if data, err := json.Marshal(pnl); err == nil {
		if err := t.cache.Set(ctx, kv.KeyPnL(t.userID), string(data), 0); err != nil {
			t.log.Warn().Err(err).Msg("PnL snapshot write failed")
		}
	}
}
