package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/config"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/orders"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/positions"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/queue"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/testutil"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue/mock"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	ex      *Executor
	store   *orders.Store
	venue   *mock.Venue
	tracker *positions.Tracker
	cache   *kv.MemoryStore
}

func testExecConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		MaxSlippageBps:  50,
		LimitMonitorFor: 5 * time.Second,
		LimitPollEvery:  10 * time.Millisecond,
		SettleWait:      0,
	}
}

func newFixture(t *testing.T, cfg config.ExecutorConfig) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, "orders")
	repo, err := orders.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	store, err := orders.NewStore(context.Background(), repo, zerolog.Nop())
	require.NoError(t, err)

	cache := kv.NewMemoryStore()
	t.Cleanup(func() { cache.Close() })

	v := mock.New("mock")
	registry := venue.NewRegistry(map[string]venue.Factory{
		"mock": func(domain.Credentials, zerolog.Logger) (venue.Venue, error) { return v, nil },
	}, nil, zerolog.Nop())
	tracker := positions.NewTracker(cache, registry, "default", d("100000"), zerolog.Nop())

	ex := New(store, registry, tracker, cache, cfg, zerolog.Nop())
	t.Cleanup(ex.Shutdown)

	return &fixture{ex: ex, store: store, venue: v, tracker: tracker, cache: cache}
}

func (f *fixture) insertPending(t *testing.T, intent *domain.Intent) *domain.Order {
	t.Helper()
	order := intent.ToOrder(uuid.NewString(), time.Now().UTC())
	require.NoError(t, f.store.Insert(context.Background(), order))
	return order
}

func marketIntent(qty string) *domain.Intent {
	return &domain.Intent{
		Strategy: "manual",
		Venue:    "mock",
		Symbol:   "BTC/USDT",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: d(qty),
	}
}

func TestMarketOrderFillsAndUpdatesPositions(t *testing.T) {
	f := newFixture(t, testExecConfig())
	intent := marketIntent("0.5")
	order := f.insertPending(t, intent)

	status, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, status)

	got, err := f.store.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.NotEmpty(t, got.VenueOrderID)
	require.Len(t, got.Executions, 1)
	assert.True(t, got.FilledQuantity.Equal(d("0.5")))
	assert.NotNil(t, got.SubmittedAt)
	assert.NotNil(t, got.FilledAt)

	assert.True(t, f.tracker.Exposure("BTC/USDT").IsPositive())
}

func TestMarketOrderRejectionIsTerminal(t *testing.T) {
	f := newFixture(t, testExecConfig())
	f.venue.FailNextSubmits(1, &venue.RejectionError{Venue: "mock", Code: "insufficient_balance", Message: "insufficient balance"})
	intent := marketIntent("0.5")
	order := f.insertPending(t, intent)

	status, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.Error(t, err)
	assert.Equal(t, domain.StatusRejected, status)

	got, err := f.store.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.Contains(t, got.ErrorMessage, "insufficient balance")
}

func TestMarketOrderTransientKeepsPendingUntilFinalAttempt(t *testing.T) {
	f := newFixture(t, testExecConfig())
	f.venue.FailNextSubmits(2, &venue.TransientError{Venue: "mock", Err: errors.New("connection reset")})
	intent := marketIntent("0.5")
	order := f.insertPending(t, intent)
	ctx := context.Background()

	status, err := f.ex.Execute(ctx, order.ID, intent, false)
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, status)

	// Retries remain, so the order stays pending for the next attempt.
	got, err := f.store.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	status, err = f.ex.Execute(ctx, order.ID, intent, true)
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, status)

	got, err = f.store.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "connection reset")
}

func TestMarketOrderBelowVenueMinimumRejected(t *testing.T) {
	f := newFixture(t, testExecConfig())
	intent := marketIntent("0.00001")
	order := f.insertPending(t, intent)

	status, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.Error(t, err)
	assert.Equal(t, domain.StatusRejected, status)

	got, _ := f.store.Get(order.ID)
	assert.Contains(t, got.ErrorMessage, "below venue minimum")
}

func TestCanceledOrderIsSkipped(t *testing.T) {
	f := newFixture(t, testExecConfig())
	intent := marketIntent("0.5")
	order := f.insertPending(t, intent)
	_, err := f.store.Mutate(context.Background(), order.ID, func(o *domain.Order) error {
		return o.Transition(domain.StatusCanceled, time.Now().UTC())
	})
	require.NoError(t, err)

	status, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, status)

	got, _ := f.store.Get(order.ID)
	assert.Empty(t, got.Executions)
}

func TestConditionalOrderHasNoStrategyYet(t *testing.T) {
	f := newFixture(t, testExecConfig())
	intent := &domain.Intent{
		Strategy:  "manual",
		Venue:     "mock",
		Symbol:    "BTC/USDT",
		Side:      domain.SideSell,
		Type:      domain.OrderTypeStopLoss,
		Quantity:  d("0.5"),
		StopPrice: d("45000"),
	}
	order := f.insertPending(t, intent)

	status, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.Error(t, err)
	assert.Equal(t, domain.StatusRejected, status)
}

func TestLimitIOCExpiresWhenUnfilled(t *testing.T) {
	f := newFixture(t, testExecConfig())
	intent := &domain.Intent{
		Strategy:    "manual",
		Venue:       "mock",
		Symbol:      "BTC/USDT",
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeLimit,
		Quantity:    d("0.5"),
		Price:       d("40000"), // well below the ask, not marketable
		TimeInForce: domain.TIFImmediateOrCancel,
	}
	order := f.insertPending(t, intent)

	status, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, status)

	got, _ := f.store.Get(order.ID)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.True(t, got.FilledQuantity.IsZero())
}

// partialFillVenue reports a fixed order state on lookup, standing in for
// a venue that filled part of an immediate order before it stopped matching.
type partialFillVenue struct {
	venue.Venue
	state *venue.OrderState
}

func (v *partialFillVenue) GetOrder(context.Context, string, string) (*venue.OrderState, error) {
	return v.state, nil
}

func TestLimitIOCPartialFillSettlesAsCanceled(t *testing.T) {
	f := newFixture(t, testExecConfig())
	intent := &domain.Intent{
		Strategy:    "manual",
		Venue:       "mock",
		Symbol:      "BTC/USDT",
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeLimit,
		Quantity:    d("1"),
		Price:       d("50000"),
		TimeInForce: domain.TIFImmediateOrCancel,
	}
	order := f.insertPending(t, intent)

	state := &venue.OrderState{
		VenueOrderID:   "v-ioc-1",
		Symbol:         "BTC/USDT",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Price:          d("50000"),
		Quantity:       d("1"),
		Status:         domain.StatusPartial,
		FilledQuantity: d("0.4"),
		AvgFillPrice:   d("50000"),
	}
	v := &partialFillVenue{Venue: f.venue, state: state}

	// A partially filled immediate order closes as canceled, keeping its
	// fills; only an untouched one expires.
	status, err := f.ex.settleImmediate(context.Background(), v, order, state)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, status)

	got, err := f.store.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(d("0.4")), "got %s", got.FilledQuantity)
	assert.Contains(t, got.ErrorMessage, "partially filled")
}

func TestLimitGTCMonitorPicksUpLateFill(t *testing.T) {
	f := newFixture(t, testExecConfig())
	f.venue.RestLimitOrders(true)
	intent := &domain.Intent{
		Strategy: "manual",
		Venue:    "mock",
		Symbol:   "BTC/USDT",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: d("0.5"),
		Price:    d("50100"),
	}
	order := f.insertPending(t, intent)

	status, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, status)

	got, err := f.store.Get(order.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.VenueOrderID)

	// The matching engine fills the resting order; the monitor folds it in.
	require.NoError(t, f.venue.FillOpenOrder(got.VenueOrderID, d("50100")))
	require.Eventually(t, func() bool {
		o, err := f.store.Get(order.ID)
		return err == nil && o.Status == domain.StatusFilled
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, f.tracker.Exposure("BTC/USDT").IsPositive())
}

func TestTWAPPlanFillsAllSlices(t *testing.T) {
	f := newFixture(t, testExecConfig())
	intent := &domain.Intent{
		Strategy:     "manual",
		Venue:        "mock",
		Symbol:       "BTC/USDT",
		Side:         domain.SideBuy,
		Type:         domain.OrderTypeTWAP,
		Quantity:     d("0.3"),
		TWAPSlices:   3,
		TWAPInterval: 1,
	}
	order := f.insertPending(t, intent)

	status, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, status)

	require.Eventually(t, func() bool {
		o, err := f.store.Get(order.ID)
		return err == nil && o.Status == domain.StatusFilled
	}, 10*time.Second, 50*time.Millisecond)

	got, _ := f.store.Get(order.ID)
	assert.True(t, got.FilledQuantity.Equal(d("0.3")))

	plan, ok := f.ex.Plans().TWAPProgress(order.ID)
	require.True(t, ok)
	assert.Equal(t, 3, plan.CompletedSlices)
	for _, s := range plan.Slices {
		assert.Equal(t, domain.SliceDone, s.State)
	}

	children := f.store.Children(order.ID)
	require.Len(t, children, 3)
	for i, c := range children {
		assert.Equal(t, domain.StatusFilled, c.Status, "child %d", i)
		assert.Equal(t, order.ID, c.ParentID)
	}
}

func TestTWAPSliceFailureDoesNotAbortPlan(t *testing.T) {
	f := newFixture(t, testExecConfig())
	f.venue.FailNextSubmits(1, &venue.RejectionError{Venue: "mock", Code: "busy", Message: "matching engine busy"})
	intent := &domain.Intent{
		Strategy:     "manual",
		Venue:        "mock",
		Symbol:       "BTC/USDT",
		Side:         domain.SideBuy,
		Type:         domain.OrderTypeTWAP,
		Quantity:     d("0.3"),
		TWAPSlices:   3,
		TWAPInterval: 1,
	}
	order := f.insertPending(t, intent)

	_, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, err := f.store.Get(order.ID)
		return err == nil && o.Status.IsTerminal()
	}, 10*time.Second, 50*time.Millisecond)

	got, _ := f.store.Get(order.ID)
	assert.Equal(t, domain.StatusCanceled, got.Status)
	assert.Contains(t, got.ErrorMessage, "1 of 3")
	assert.True(t, got.FilledQuantity.Equal(d("0.2")))

	plan, ok := f.ex.Plans().TWAPProgress(order.ID)
	require.True(t, ok)
	assert.Equal(t, domain.SliceFailed, plan.Slices[0].State)
	assert.Equal(t, domain.SliceDone, plan.Slices[1].State)
	assert.Equal(t, domain.SliceDone, plan.Slices[2].State)
}

func TestTWAPCancelMarksPendingSlices(t *testing.T) {
	f := newFixture(t, testExecConfig())
	intent := &domain.Intent{
		Strategy:     "manual",
		Venue:        "mock",
		Symbol:       "BTC/USDT",
		Side:         domain.SideBuy,
		Type:         domain.OrderTypeTWAP,
		Quantity:     d("0.3"),
		TWAPSlices:   3,
		TWAPInterval: 600, // slices 1 and 2 are far in the future
	}
	order := f.insertPending(t, intent)
	ctx := context.Background()

	_, err := f.ex.Execute(ctx, order.ID, intent, false)
	require.NoError(t, err)

	// First slice runs immediately.
	require.Eventually(t, func() bool {
		plan, ok := f.ex.Plans().TWAPProgress(order.ID)
		return ok && plan.CompletedSlices >= 1
	}, 5*time.Second, 10*time.Millisecond)

	handled, err := f.ex.CancelPlan(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, handled)

	got, _ := f.store.Get(order.ID)
	assert.Equal(t, domain.StatusCanceled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(d("0.1")))

	plan, ok := f.ex.Plans().TWAPProgress(order.ID)
	require.True(t, ok)
	assert.True(t, plan.Canceled)
	assert.Equal(t, domain.SliceDone, plan.Slices[0].State)
	assert.Equal(t, domain.SliceCanceled, plan.Slices[1].State)
	assert.Equal(t, domain.SliceCanceled, plan.Slices[2].State)
}

func TestIcebergFillsSliceBySlice(t *testing.T) {
	f := newFixture(t, testExecConfig())
	intent := &domain.Intent{
		Strategy:            "manual",
		Venue:               "mock",
		Symbol:              "BTC/USDT",
		Side:                domain.SideBuy,
		Type:                domain.OrderTypeIceberg,
		Quantity:            d("0.4"),
		Price:               d("50100"), // marketable, each slice fills on submit
		IcebergVisibleRatio: d("0.5"),
	}
	order := f.insertPending(t, intent)

	status, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, status)

	require.Eventually(t, func() bool {
		o, err := f.store.Get(order.ID)
		return err == nil && o.Status == domain.StatusFilled
	}, 5*time.Second, 10*time.Millisecond)

	plan, ok := f.ex.Plans().IcebergProgress(order.ID)
	require.True(t, ok)
	assert.Equal(t, 2, plan.CompletedSlices)
	assert.True(t, plan.Remaining.IsZero())
	assert.True(t, plan.FilledQuantity.Equal(d("0.4")))

	children := f.store.Children(order.ID)
	require.Len(t, children, 2)
}

func TestIcebergStopsWhenSliceStarves(t *testing.T) {
	oldPoll, oldFor := icebergPollEvery, icebergSliceFor
	icebergPollEvery, icebergSliceFor = 10*time.Millisecond, 50*time.Millisecond
	t.Cleanup(func() { icebergPollEvery, icebergSliceFor = oldPoll, oldFor })

	f := newFixture(t, testExecConfig())
	f.venue.RestLimitOrders(true) // slices rest unfilled
	intent := &domain.Intent{
		Strategy:            "manual",
		Venue:               "mock",
		Symbol:              "BTC/USDT",
		Side:                domain.SideBuy,
		Type:                domain.OrderTypeIceberg,
		Quantity:            d("0.4"),
		Price:               d("50100"),
		IcebergVisibleRatio: d("0.5"),
	}
	order := f.insertPending(t, intent)

	_, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, err := f.store.Get(order.ID)
		return err == nil && o.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	got, _ := f.store.Get(order.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)

	plan, ok := f.ex.Plans().IcebergProgress(order.ID)
	require.True(t, ok)
	assert.True(t, plan.Stopped)
	assert.Contains(t, plan.StopReason, "filled")
	// The starved slice stopped the plan; no second slice was created.
	assert.Equal(t, 1, plan.CompletedSlices)
}

func TestIcebergVisibleBelowMinimumRejected(t *testing.T) {
	f := newFixture(t, testExecConfig())
	intent := &domain.Intent{
		Strategy:            "manual",
		Venue:               "mock",
		Symbol:              "BTC/USDT",
		Side:                domain.SideBuy,
		Type:                domain.OrderTypeIceberg,
		Quantity:            d("0.0004"),
		IcebergVisibleRatio: d("0.1"), // visible 0.00004 < min 0.0001
	}
	order := f.insertPending(t, intent)

	status, err := f.ex.Execute(context.Background(), order.ID, intent, false)
	require.Error(t, err)
	assert.Equal(t, domain.StatusRejected, status)

	got, _ := f.store.Get(order.ID)
	assert.Contains(t, got.ErrorMessage, "below venue minimum")
}

func TestWorkerPoolDrainsQueue(t *testing.T) {
	f := newFixture(t, testExecConfig())
	q := queue.New(f.cache, queue.Config{Workers: 1}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intent := marketIntent("0.5")
	order := f.insertPending(t, intent)
	_, err := q.Enqueue(ctx, order.ID, intent, 5)
	require.NoError(t, err)

	pool := NewWorkerPool(f.ex, q, 1, zerolog.Nop())
	go pool.Run(ctx)

	require.Eventually(t, func() bool {
		o, err := f.store.Get(order.ID)
		return err == nil && o.Status == domain.StatusFilled
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, err := q.Status(ctx)
		return err == nil && stats.Completed == 1 && stats.InFlight == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSlippageBps(t *testing.T) {
	// Buy above reference is adverse.
	assert.True(t, slippageBps(domain.SideBuy, d("50100"), d("50000")).Equal(d("20")))
	// Sell below reference is adverse.
	assert.True(t, slippageBps(domain.SideSell, d("49900"), d("50000")).Equal(d("20")))
	// Favorable fills come out negative.
	assert.True(t, slippageBps(domain.SideBuy, d("49900"), d("50000")).IsNegative())
	assert.True(t, slippageBps(domain.SideBuy, d("50000"), decimal.Zero).IsZero())
}
