package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

func TestReconcileAdoptsVenueFill(t *testing.T) {
	// The submit reached the venue and filled, but the worker died before
	// recording anything: locally the order is still pending with no venue
	// id. The sweep finds it by client order id.
	f := newFixture(t, testExecConfig())
	ctx := context.Background()

	intent := marketIntent("0.5")
	order := f.insertPending(t, intent)

	_, err := f.venue.SubmitOrder(ctx, venue.SubmitRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          domain.OrderTypeMarket,
		Quantity:      order.Quantity,
		ClientOrderID: order.ID,
	})
	require.NoError(t, err)

	require.NoError(t, f.ex.Reconcile(ctx))

	got, err := f.store.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.NotEmpty(t, got.VenueOrderID)
	assert.True(t, got.FilledQuantity.Equal(d("0.5")))
	assert.True(t, f.tracker.Exposure("BTC/USDT").IsPositive())
}

func TestReconcilePicksUpRestingLimitFill(t *testing.T) {
	f := newFixture(t, testExecConfig())
	ctx := context.Background()
	f.venue.RestLimitOrders(true)

	intent := marketIntent("0.5")
	intent.Type = domain.OrderTypeLimit
	intent.Price = d("49000")
	order := f.insertPending(t, intent)

	_, err := f.ex.Execute(ctx, order.ID, intent, true)
	require.NoError(t, err)

	mid, err := f.store.Get(order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSubmitted, mid.Status)

	// The resting order fills after the monitor window; stop the detached
	// monitor so only the sweep can observe the fill.
	f.ex.Shutdown()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.venue.FillOpenOrder(mid.VenueOrderID, d("49000")))

	require.NoError(t, f.ex.Reconcile(ctx))

	got, err := f.store.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
}

func TestReconcileLeavesQueuedOrdersAlone(t *testing.T) {
	f := newFixture(t, testExecConfig())
	ctx := context.Background()

	// Never submitted anywhere: the queue still owns it.
	order := f.insertPending(t, marketIntent("0.5"))

	require.NoError(t, f.ex.Reconcile(ctx))

	got, err := f.store.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}
