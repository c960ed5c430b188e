package executor

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

// Iceberg slice cadence. Package-level so tests can shrink the windows.
var (
	icebergPollEvery = 5 * time.Second
	icebergSliceFor  = 5 * time.Minute
)

// fillRatioFloor is the per-slice fill ratio below which the plan stops:
// a starved or rejected slice means the market is not taking the order,
// and creating the next slice would just leak intent.
var fillRatioFloor = decimal.NewFromFloat(0.99)

// startIceberg checks the visible quantity against the venue minimum,
// moves the parent to submitted and detaches the runner.
func (e *Executor) startIceberg(ctx context.Context, v venue.Venue, order *domain.Order, intent *domain.Intent) (domain.OrderStatus, error) {
	if e.plans.Known(order.ID) {
		return order.Status, nil
	}
	if intent == nil || !intent.IcebergVisibleRatio.IsPositive() {
		msg := "iceberg parameters missing from intent"
		e.markTerminal(ctx, order.ID, domain.StatusRejected, msg)
		return domain.StatusRejected, fmt.Errorf("%s", msg)
	}

	ins, err := v.Instrument(ctx, order.Symbol)
	if err != nil {
		return e.submitFailure(ctx, order.ID, err, true)
	}
	plan := domain.NewIcebergPlan(order.ID, order.Venue, order.Symbol, order.Side,
		order.Quantity, intent.IcebergVisibleRatio, order.Price, time.Now().UTC())
	if plan.VisibleQuantity.LessThan(ins.MinQuantity) {
		msg := fmt.Sprintf("visible quantity %s below venue minimum %s", plan.VisibleQuantity, ins.MinQuantity)
		e.markTerminal(ctx, order.ID, domain.StatusRejected, msg)
		return domain.StatusRejected, fmt.Errorf("%s", msg)
	}

	updated, err := e.store.Mutate(ctx, order.ID, func(o *domain.Order) error {
		return o.Transition(domain.StatusSubmitted, time.Now().UTC())
	})
	if err != nil {
		return domain.StatusFailed, err
	}
	e.publishEvent(ctx, updated)

	runCtx, stop := context.WithCancel(e.baseCtx)
	r := &icebergRunner{
		ex:       e,
		v:        v,
		strategy: updated.Strategy,
		plan:     plan,
		stop:     stop,
		done:     make(chan struct{}),
	}
	e.plans.addIceberg(order.ID, r)
	go r.run(runCtx)

	e.log.Info().
		Str("order_id", order.ID).
		Str("visible", plan.VisibleQuantity.String()).
		Msg("Iceberg plan started")
	return domain.StatusSubmitted, nil
}

type icebergRunner struct {
	ex       *Executor
	v        venue.Venue
	strategy string
	stop     context.CancelFunc
	done     chan struct{}

	mu   sync.Mutex
	plan *domain.IcebergPlan
}

func (r *icebergRunner) requestCancel() {
	r.mu.Lock()
	r.plan.Stopped = true
	r.plan.StopReason = "canceled"
	r.mu.Unlock()
	r.stop()
}

func (r *icebergRunner) snapshot() *domain.IcebergPlan {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *r.plan
	return &copied
}

// run emits one visible slice at a time until the total is filled, the
// market starves a slice, or the plan is canceled.
func (r *icebergRunner) run(ctx context.Context) {
	defer close(r.done)

	for {
		r.mu.Lock()
		qty := r.plan.NextSliceQuantity()
		seq := r.plan.CompletedSlices
		price := r.plan.LimitPrice
		r.mu.Unlock()
		if !qty.IsPositive() || ctx.Err() != nil {
			break
		}

		if !price.IsPositive() {
			t, err := r.v.Ticker(ctx, r.plan.Symbol)
			if err != nil {
				r.stopPlan("no market price for slice: " + err.Error())
				break
			}
			// Passive by default: join the book rather than cross it.
			if r.plan.Side == domain.SideBuy {
				price = t.Bid
			} else {
				price = t.Ask
			}
		}

		filled, ok := r.runSlice(ctx, seq, qty, price)
		if !ok {
			break
		}
		if filled.LessThan(qty.Mul(fillRatioFloor)) {
			r.stopPlan(fmt.Sprintf("slice %d filled %s of %s", seq, filled, qty))
			break
		}
	}

	r.finalize()
}

// runSlice submits one limit child and babysits it until it terminates or
// the slice window closes. Returns the child's filled quantity and false
// when the plan should stop without applying the fill-ratio rule again.
func (r *icebergRunner) runSlice(ctx context.Context, seq int, qty, price decimal.Decimal) (decimal.Decimal, bool) {
	now := time.Now().UTC()
	child := &domain.Order{
		ID:            uuid.NewString(),
		ClientOrderID: fmt.Sprintf("%s_slice_%d", r.plan.ParentID, seq),
		ParentID:      r.plan.ParentID,
		Strategy:      r.strategy,
		Venue:         r.plan.Venue,
		Symbol:        r.plan.Symbol,
		Side:          r.plan.Side,
		Type:          domain.OrderTypeLimit,
		Quantity:      qty,
		Price:         price,
		TimeInForce:   domain.TIFGoodTillCancel,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.ex.store.Insert(context.Background(), child); err != nil {
		r.stopPlan("persist child: " + err.Error())
		return decimal.Zero, false
	}

	state, err := r.v.SubmitOrder(ctx, venue.SubmitRequest{
		Symbol:        child.Symbol,
		Side:          child.Side,
		Type:          domain.OrderTypeLimit,
		Quantity:      child.Quantity,
		Price:         child.Price,
		TimeInForce:   child.TimeInForce,
		ClientOrderID: child.ClientOrderID,
	})
	if err != nil {
		r.ex.markTerminal(context.Background(), child.ID, failureStatus(err), err.Error())
		r.stopPlan("slice submit failed: " + err.Error())
		return decimal.Zero, false
	}

	r.mu.Lock()
	r.plan.ActiveChildID = child.ID
	r.mu.Unlock()

	final := r.watchChild(ctx, child.ID, state)

	r.mu.Lock()
	r.plan.RecordChildResult(final.FilledQuantity, final.AvgFillPrice)
	canceled := r.plan.Stopped && r.plan.StopReason == "canceled"
	r.mu.Unlock()

	r.ex.foldIntoParent(context.Background(), r.plan.ParentID, child.ID, final.FilledQuantity, final.AvgFillPrice)

	if canceled {
		r.mu.Lock()
		r.plan.Remaining = decimal.Zero
		r.mu.Unlock()
		return final.FilledQuantity, false
	}
	return final.FilledQuantity, true
}

// watchChild polls the resting child until it terminates, the slice
// window closes, or the plan is canceled. The child is canceled at the
// venue in the latter two cases and its final state folded in.
func (r *icebergRunner) watchChild(ctx context.Context, childID string, state *venue.OrderState) *domain.Order {
	updated, err := r.ex.applyVenueState(context.Background(), childID, state)
	if err == nil && updated.Status.IsTerminal() {
		return updated
	}

	deadline := time.Now().Add(icebergSliceFor)
	for {
		stop := false
		select {
		case <-ctx.Done():
			stop = true
		case <-time.After(icebergPollEvery):
		}
		if !stop && time.Now().After(deadline) {
			stop = true
		}

		if fresh, err := r.v.GetOrder(context.Background(), r.plan.Symbol, state.VenueOrderID); err == nil {
			state = fresh
		}
		updated, err = r.ex.applyVenueState(context.Background(), childID, state)
		if err == nil && updated.Status.IsTerminal() {
			return updated
		}

		if stop {
			_ = r.v.CancelOrder(context.Background(), r.plan.Symbol, state.VenueOrderID)
			if fresh, err := r.v.GetOrder(context.Background(), r.plan.Symbol, state.VenueOrderID); err == nil {
				state = fresh
			}
			updated, err = r.ex.applyVenueState(context.Background(), childID, state)
			if err != nil || !updated.Status.IsTerminal() {
				r.ex.markTerminal(context.Background(), childID, domain.StatusCanceled, "iceberg slice window closed")
				updated, _ = r.ex.store.Get(childID)
			}
			return updated
		}
	}
}

func (r *icebergRunner) stopPlan(reason string) {
	r.mu.Lock()
	if !r.plan.Stopped {
		r.plan.Stopped = true
		r.plan.StopReason = reason
	}
	r.mu.Unlock()
	r.ex.log.Warn().Str("parent_id", r.plan.ParentID).Str("reason", reason).Msg("Iceberg plan stopped")
}

// finalize settles the parent once the loop exits. A fully filled parent
// was already moved to filled by the aggregate fills.
func (r *icebergRunner) finalize() {
	r.mu.Lock()
	filled := r.plan.FilledQuantity
	reason := r.plan.StopReason
	stopped := r.plan.Stopped
	r.plan.ActiveChildID = ""
	r.mu.Unlock()

	ctx := context.Background()
	parent, err := r.ex.store.Get(r.plan.ParentID)
	if err != nil || parent.Status.IsTerminal() {
		return
	}

	switch {
	case stopped && !filled.IsPositive():
		r.ex.markTerminal(ctx, r.plan.ParentID, domain.StatusFailed, "iceberg stopped: "+reason)
	case stopped:
		r.ex.markTerminal(ctx, r.plan.ParentID, domain.StatusCanceled, "iceberg stopped: "+reason)
	default:
		// Loop exhausted the remaining quantity but rounding left the
		// parent short of filled.
		r.ex.markTerminal(ctx, r.plan.ParentID, domain.StatusCanceled, "")
	}
}

// failureStatus maps a submit error to the child's terminal status.
func failureStatus(err error) domain.OrderStatus {
	if venue.IsRejection(err) {
		return domain.StatusRejected
	}
	return domain.StatusFailed
}
