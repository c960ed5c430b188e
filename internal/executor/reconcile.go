package executor

import (
	"context"
	"errors"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

// Reconcile refreshes every open non-algorithmic order against the
// venue's view of it. Crashed workers and dropped submit responses leave
// orders whose outcome is indeterminate locally; the client-order id
// makes the venue the tiebreaker.
func (e *Executor) Reconcile(ctx context.Context) error {
	var lastErr error
	for _, o := range e.store.Open() {
		if o.Type.IsAlgorithmic() {
			// Parents settle through their plan runners.
			continue
		}

		v, err := e.registry.Get(ctx, o.Venue)
		if err != nil {
			lastErr = err
			continue
		}

		var state *venue.OrderState
		if o.VenueOrderID != "" {
			state, err = v.GetOrder(ctx, o.Symbol, o.VenueOrderID)
		} else {
			state, err = v.GetOrderByClientID(ctx, o.Symbol, e.clientID(o))
		}
		if err != nil {
			if errors.Is(err, venue.ErrOrderNotFound) {
				// Never reached the venue: the queue still owns it.
				if o.Status == domain.StatusPending {
					continue
				}
				e.log.Warn().Str("order_id", o.ID).Msg("Open order unknown at venue")
				continue
			}
			lastErr = err
			continue
		}

		if _, err := e.applyVenueState(ctx, o.ID, state); err != nil {
			lastErr = err
			e.log.Error().Err(err).Str("order_id", o.ID).Msg("Reconcile apply failed")
		}
	}
	return lastErr
}
