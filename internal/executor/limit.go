package executor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

// executeLimit submits a limit order. IOC/FOK orders settle after a short
// wait and come back terminal; GTC orders return as soon as the venue
// acknowledges, with a detached monitor watching the resting order for
// fills.
func (e *Executor) executeLimit(ctx context.Context, v venue.Venue, order *domain.Order, finalAttempt bool) (domain.OrderStatus, error) {
	if t, err := v.Ticker(ctx, order.Symbol); err == nil && t.Last.IsPositive() {
		e.checkLimitPrice(order, t.Last)
	}

	state, err := v.SubmitOrder(ctx, venue.SubmitRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          domain.OrderTypeLimit,
		Quantity:      order.Quantity,
		Price:         order.Price,
		TimeInForce:   order.TimeInForce,
		ClientOrderID: e.clientID(order),
	})
	if err != nil {
		return e.submitFailure(ctx, order.ID, err, finalAttempt)
	}

	if order.TimeInForce == domain.TIFImmediateOrCancel || order.TimeInForce == domain.TIFFillOrKill {
		return e.settleImmediate(ctx, v, order, state)
	}

	updated, err := e.applyVenueState(ctx, order.ID, state)
	if err != nil {
		return domain.StatusFailed, err
	}
	if !updated.Status.IsTerminal() {
		go e.monitorResting(v, updated.ID, updated.Symbol, updated.VenueOrderID)
	}
	return updated.Status, nil
}

// checkLimitPrice logs the price-sanity warnings: a gross deviation from
// the market, and an aggressive price crossing the market by more than 5%.
func (e *Executor) checkLimitPrice(order *domain.Order, reference decimal.Decimal) {
	deviation := order.Price.Sub(reference).Div(reference)
	if deviation.Abs().GreaterThan(decimal.NewFromFloat(0.20)) {
		e.log.Warn().
			Str("order_id", order.ID).
			Str("price", order.Price.String()).
			Str("reference", reference.String()).
			Msg("Limit price deviates more than 20% from market")
		return
	}
	aggressive := (order.Side == domain.SideBuy && deviation.GreaterThan(decimal.NewFromFloat(0.05))) ||
		(order.Side == domain.SideSell && deviation.LessThan(decimal.NewFromFloat(-0.05)))
	if aggressive {
		e.log.Warn().
			Str("order_id", order.ID).
			Str("side", string(order.Side)).
			Str("price", order.Price.String()).
			Str("reference", reference.String()).
			Msg("Limit price crosses the market by more than 5%")
	}
}

// settleImmediate finishes an IOC/FOK order: wait for the venue to
// settle, re-fetch once, and close out whatever did not fill. An untouched
// order expires; a partially filled one is canceled, since the state
// machine has no partial-to-expired edge.
func (e *Executor) settleImmediate(ctx context.Context, v venue.Venue, order *domain.Order, state *venue.OrderState) (domain.OrderStatus, error) {
	if e.cfg.SettleWait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(e.cfg.SettleWait):
		}
	}
	if fresh, err := v.GetOrder(ctx, order.Symbol, state.VenueOrderID); err == nil {
		state = fresh
	}
	updated, err := e.applyVenueState(ctx, order.ID, state)
	if err != nil {
		return domain.StatusFailed, err
	}
	if !updated.Status.IsTerminal() {
		final, msg := domain.StatusExpired, "immediate order not filled"
		if updated.FilledQuantity.IsPositive() {
			final, msg = domain.StatusCanceled, "immediate order partially filled"
		}
		e.markTerminal(ctx, order.ID, final, msg)
		return final, nil
	}
	return updated.Status, nil
}

// monitorResting polls a resting GTC order until it goes terminal or the
// watch window closes. An order still resting when the window closes
// simply stops being watched; reconciliation picks it up from there.
func (e *Executor) monitorResting(v venue.Venue, orderID, symbol, venueOrderID string) {
	poll := e.cfg.LimitPollEvery
	if poll <= 0 {
		poll = 5 * time.Second
	}
	window := e.cfg.LimitMonitorFor
	if window <= 0 {
		window = 300 * time.Second
	}

	ctx, cancel := context.WithTimeout(e.baseCtx, window)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Debug().Str("order_id", orderID).Msg("Resting order watch window closed")
			return
		case <-ticker.C:
		}

		state, err := v.GetOrder(ctx, symbol, venueOrderID)
		if err != nil {
			e.log.Warn().Err(err).Str("order_id", orderID).Msg("Resting order poll failed")
			continue
		}
		updated, err := e.applyVenueState(ctx, orderID, state)
		if err != nil {
			e.log.Error().Err(err).Str("order_id", orderID).Msg("Resting order state apply failed")
			return
		}
		if updated.Status.IsTerminal() {
			return
		}
	}
}
