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

// startTWAP moves the parent to submitted, registers the plan and detaches
// the runner. The worker's envelope completes immediately; the plan keeps
// going on its own schedule.
func (e *Executor) startTWAP(ctx context.Context, v venue.Venue, order *domain.Order, intent *domain.Intent) (domain.OrderStatus, error) {
	if e.plans.Known(order.ID) {
		return order.Status, nil
	}
	if intent == nil || intent.TWAPSlices < 2 || intent.TWAPInterval < 1 {
		msg := "twap parameters missing from intent"
		e.markTerminal(ctx, order.ID, domain.StatusRejected, msg)
		return domain.StatusRejected, fmt.Errorf("%s", msg)
	}

	plan := domain.NewTWAPPlan(order.ID, order.Venue, order.Symbol, order.Side,
		order.Quantity, intent.TWAPSlices, time.Duration(intent.TWAPInterval)*time.Second, time.Now().UTC())

	updated, err := e.store.Mutate(ctx, order.ID, func(o *domain.Order) error {
		return o.Transition(domain.StatusSubmitted, time.Now().UTC())
	})
	if err != nil {
		return domain.StatusFailed, err
	}
	e.publishEvent(ctx, updated)

	runCtx, stop := context.WithCancel(e.baseCtx)
	r := &twapRunner{
		ex:   e,
		v:    v,
		plan: plan,
		stop: stop,
		done: make(chan struct{}),
	}
	e.plans.addTWAP(order.ID, r)
	go r.run(runCtx)

	e.log.Info().
		Str("order_id", order.ID).
		Int("slices", plan.SliceCount).
		Dur("interval", plan.Interval).
		Msg("TWAP plan started")
	return domain.StatusSubmitted, nil
}

type twapRunner struct {
	ex   *Executor
	v    venue.Venue
	stop context.CancelFunc
	done chan struct{}

	mu   sync.Mutex
	plan *domain.TWAPPlan
}

func (r *twapRunner) requestCancel() {
	r.mu.Lock()
	r.plan.Canceled = true
	r.mu.Unlock()
	r.stop()
}

func (r *twapRunner) snapshot() *domain.TWAPPlan {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *r.plan
	copied.Slices = append([]domain.TWAPSlice(nil), r.plan.Slices...)
	return &copied
}

// run executes the slices strictly in sequence. A failing slice records
// its error and the plan moves on; only cancellation stops the schedule
// early.
func (r *twapRunner) run(ctx context.Context) {
	defer close(r.done)

	for i := 0; i < r.plan.SliceCount; i++ {
		r.mu.Lock()
		canceled := r.plan.Canceled
		scheduledAt := r.plan.Slices[i].ScheduledAt
		r.mu.Unlock()
		if canceled || ctx.Err() != nil {
			r.cancelFrom(i)
			break
		}

		if wait := time.Until(scheduledAt); wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			if ctx.Err() != nil {
				r.cancelFrom(i)
				break
			}
		}

		r.mu.Lock()
		r.plan.Slices[i].State = domain.SliceExecuting
		qty := r.plan.Slices[i].Quantity
		r.mu.Unlock()

		r.executeSlice(ctx, i, qty)
	}

	r.finalize()
}

// executeSlice submits one market child and records the outcome into the
// slice and the parent aggregate.
func (r *twapRunner) executeSlice(ctx context.Context, i int, qty decimal.Decimal) {
	now := time.Now().UTC()
	child := &domain.Order{
		ID:            uuid.NewString(),
		ClientOrderID: fmt.Sprintf("%s_slice_%d", r.plan.ParentID, i),
		ParentID:      r.plan.ParentID,
		Strategy:      "",
		Venue:         r.plan.Venue,
		Symbol:        r.plan.Symbol,
		Side:          r.plan.Side,
		Type:          domain.OrderTypeMarket,
		Quantity:      qty,
		TimeInForce:   domain.TIFGoodTillCancel,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if parent, err := r.ex.store.Get(r.plan.ParentID); err == nil {
		child.Strategy = parent.Strategy
	}

	if err := r.ex.store.Insert(context.Background(), child); err != nil {
		r.recordSlice(i, child.ID, decimal.Zero, decimal.Zero, domain.SliceFailed, "persist child: "+err.Error())
		return
	}

	_, execErr := r.ex.executeMarket(ctx, r.v, child, true)
	final, err := r.ex.store.Get(child.ID)
	if err != nil {
		r.recordSlice(i, child.ID, decimal.Zero, decimal.Zero, domain.SliceFailed, "reload child: "+err.Error())
		return
	}

	if final.FilledQuantity.IsPositive() {
		r.recordSlice(i, child.ID, final.FilledQuantity, final.AvgFillPrice, domain.SliceDone, "")
		r.ex.foldIntoParent(context.Background(), r.plan.ParentID, child.ID, final.FilledQuantity, final.AvgFillPrice)
		return
	}

	msg := final.ErrorMessage
	if msg == "" && execErr != nil {
		msg = execErr.Error()
	}
	r.recordSlice(i, child.ID, decimal.Zero, decimal.Zero, domain.SliceFailed, msg)
	r.ex.log.Warn().
		Str("parent_id", r.plan.ParentID).
		Int("slice", i).
		Str("error", msg).
		Msg("TWAP slice failed, plan continues")
}

func (r *twapRunner) recordSlice(i int, childID string, filled, avg decimal.Decimal, state domain.SliceState, errMsg string) {
	r.mu.Lock()
	r.plan.RecordSliceResult(i, childID, filled, avg, state, errMsg, time.Now().UTC())
	r.mu.Unlock()
}

// cancelFrom marks every still-pending slice from i onward canceled.
func (r *twapRunner) cancelFrom(i int) {
	r.mu.Lock()
	r.plan.Canceled = true
	for j := i; j < len(r.plan.Slices); j++ {
		if r.plan.Slices[j].State == domain.SlicePending || r.plan.Slices[j].State == domain.SliceExecuting {
			r.plan.Slices[j].State = domain.SliceCanceled
		}
	}
	r.mu.Unlock()
}

// finalize settles the parent record once the schedule is exhausted or
// canceled. A fully filled parent was already moved to filled by the
// aggregate fills.
func (r *twapRunner) finalize() {
	r.mu.Lock()
	canceled := r.plan.Canceled
	filled := r.plan.FilledQuantity
	var failedSlices int
	for _, s := range r.plan.Slices {
		if s.State == domain.SliceFailed {
			failedSlices++
		}
	}
	total := r.plan.SliceCount
	r.mu.Unlock()

	ctx := context.Background()
	parent, err := r.ex.store.Get(r.plan.ParentID)
	if err != nil || parent.Status.IsTerminal() {
		return
	}

	switch {
	case canceled:
		r.ex.markTerminal(ctx, r.plan.ParentID, domain.StatusCanceled, "")
	case !filled.IsPositive():
		r.ex.markTerminal(ctx, r.plan.ParentID, domain.StatusFailed, "every twap slice failed")
	default:
		r.ex.markTerminal(ctx, r.plan.ParentID, domain.StatusCanceled,
			fmt.Sprintf("%d of %d twap slices failed", failedSlices, total))
	}
}
