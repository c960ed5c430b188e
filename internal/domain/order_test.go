package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestOrder(qty string) *Order {
	now := time.Now()
	return &Order{
		ID:        "ord-1",
		Strategy:  "s1",
		Venue:     "mock",
		Symbol:    "BTC/USDT",
		Side:      SideBuy,
		Type:      OrderTypeMarket,
		Quantity:  d(qty),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderTransitions(t *testing.T) {
	now := time.Now()

	t.Run("pending to submitted sets submitted_at", func(t *testing.T) {
		o := newTestOrder("1")
		require.NoError(t, o.Transition(StatusSubmitted, now))
		assert.Equal(t, StatusSubmitted, o.Status)
		require.NotNil(t, o.SubmittedAt)
	})

	t.Run("terminal states are final", func(t *testing.T) {
		for _, terminal := range []OrderStatus{StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusFailed} {
			o := newTestOrder("1")
			o.Status = terminal
			err := o.Transition(StatusSubmitted, now)
			assert.Error(t, err, "transition out of %s should fail", terminal)
		}
	})

	t.Run("partial may fill or cancel only", func(t *testing.T) {
		assert.True(t, CanTransition(StatusPartial, StatusFilled))
		assert.True(t, CanTransition(StatusPartial, StatusCanceled))
		assert.False(t, CanTransition(StatusPartial, StatusRejected))
		assert.False(t, CanTransition(StatusPartial, StatusSubmitted))
	})

	t.Run("same state transition is a no-op", func(t *testing.T) {
		o := newTestOrder("1")
		o.Status = StatusSubmitted
		require.NoError(t, o.Transition(StatusSubmitted, now))
	})
}

func TestApplyExecution(t *testing.T) {
	now := time.Now()

	t.Run("partial then filled with vwap", func(t *testing.T) {
		o := newTestOrder("1.0")
		require.NoError(t, o.Transition(StatusSubmitted, now))

		require.NoError(t, o.ApplyExecution(Execution{Timestamp: now, Price: d("100"), Quantity: d("0.4")}))
		assert.Equal(t, StatusPartial, o.Status)
		assert.True(t, o.FilledQuantity.Equal(d("0.4")))

		require.NoError(t, o.ApplyExecution(Execution{Timestamp: now, Price: d("110"), Quantity: d("0.6")}))
		assert.Equal(t, StatusFilled, o.Status)
		assert.True(t, o.FilledQuantity.Equal(d("1.0")))
		// VWAP = (100*0.4 + 110*0.6) / 1.0 = 106
		assert.True(t, o.AvgFillPrice.Equal(d("106")), "got %s", o.AvgFillPrice)
		require.NotNil(t, o.FilledAt)
		assert.Len(t, o.Executions, 2)
	})

	t.Run("overfill is rejected", func(t *testing.T) {
		o := newTestOrder("1.0")
		require.NoError(t, o.Transition(StatusSubmitted, now))
		require.NoError(t, o.ApplyExecution(Execution{Timestamp: now, Price: d("100"), Quantity: d("0.9")}))
		err := o.ApplyExecution(Execution{Timestamp: now, Price: d("100"), Quantity: d("0.2")})
		assert.Error(t, err)
		assert.True(t, o.FilledQuantity.Equal(d("0.9")))
	})

	t.Run("fill against terminal order is rejected", func(t *testing.T) {
		o := newTestOrder("1.0")
		o.Status = StatusCanceled
		err := o.ApplyExecution(Execution{Timestamp: now, Price: d("100"), Quantity: d("0.1")})
		assert.Error(t, err)
	})

	t.Run("executions sum to filled quantity", func(t *testing.T) {
		o := newTestOrder("2.0")
		require.NoError(t, o.Transition(StatusSubmitted, now))
		for i := 0; i < 4; i++ {
			require.NoError(t, o.ApplyExecution(Execution{Timestamp: now, Price: d("50"), Quantity: d("0.5")}))
		}
		sum := decimal.Zero
		for _, e := range o.Executions {
			sum = sum.Add(e.Quantity)
		}
		assert.True(t, sum.Equal(o.FilledQuantity))
		assert.True(t, o.FilledQuantity.LessThanOrEqual(o.Quantity))
	})
}

func TestIntentValidate(t *testing.T) {
	base := Intent{
		Strategy: "s1",
		Venue:    "mock",
		Symbol:   "BTC/USDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: d("0.1"),
	}

	t.Run("valid market intent", func(t *testing.T) {
		in := base
		assert.NoError(t, in.Validate())
	})

	t.Run("limit requires price", func(t *testing.T) {
		in := base
		in.Type = OrderTypeLimit
		assert.Error(t, in.Validate())
		in.Price = d("100")
		assert.NoError(t, in.Validate())
	})

	t.Run("twap requires slices and interval", func(t *testing.T) {
		in := base
		in.Type = OrderTypeTWAP
		in.TWAPSlices = 1
		in.TWAPInterval = 1
		assert.Error(t, in.Validate())
		in.TWAPSlices = 2
		in.TWAPInterval = 0
		assert.Error(t, in.Validate())
		in.TWAPInterval = 1
		assert.NoError(t, in.Validate())
	})

	t.Run("iceberg ratio bounds", func(t *testing.T) {
		in := base
		in.Type = OrderTypeIceberg
		in.IcebergVisibleRatio = decimal.Zero
		assert.Error(t, in.Validate())
		in.IcebergVisibleRatio = d("1.5")
		assert.Error(t, in.Validate())
		in.IcebergVisibleRatio = d("0.1")
		assert.NoError(t, in.Validate())
	})

	t.Run("stop orders require stop price", func(t *testing.T) {
		in := base
		in.Type = OrderTypeStopLoss
		assert.Error(t, in.Validate())
		in.StopPrice = d("90")
		assert.NoError(t, in.Validate())
	})

	t.Run("priority bounds", func(t *testing.T) {
		in := base
		in.Priority = 11
		assert.Error(t, in.Validate())
		in.Priority = -1
		assert.Error(t, in.Validate())
	})

	t.Run("zero quantity", func(t *testing.T) {
		in := base
		in.Quantity = decimal.Zero
		assert.Error(t, in.Validate())
	})
}
