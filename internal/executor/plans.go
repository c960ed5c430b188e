package executor

import (
	"context"
	"sync"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
)

// PlanTracker indexes the algorithmic plan runners by parent order id.
// Finished plans stay tracked so progress endpoints keep answering after
// the runner exits; the book of algorithmic parents is small and bounded
// by the order ledger itself.
type PlanTracker struct {
	mu      sync.Mutex
	twap    map[string]*twapRunner
	iceberg map[string]*icebergRunner
}

func newPlanTracker() *PlanTracker {
	return &PlanTracker{
		twap:    make(map[string]*twapRunner),
		iceberg: make(map[string]*icebergRunner),
	}
}

func (t *PlanTracker) addTWAP(id string, r *twapRunner) {
	t.mu.Lock()
	t.twap[id] = r
	t.mu.Unlock()
}

func (t *PlanTracker) addIceberg(id string, r *icebergRunner) {
	t.mu.Lock()
	t.iceberg[id] = r
	t.mu.Unlock()
}

// TWAPProgress returns a snapshot of a TWAP plan, running or finished.
func (t *PlanTracker) TWAPProgress(orderID string) (*domain.TWAPPlan, bool) {
	t.mu.Lock()
	r, ok := t.twap[orderID]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.snapshot(), true
}

// IcebergProgress returns a snapshot of an iceberg plan.
func (t *PlanTracker) IcebergProgress(orderID string) (*domain.IcebergPlan, bool) {
	t.mu.Lock()
	r, ok := t.iceberg[orderID]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.snapshot(), true
}

// Known reports whether a plan, running or finished, exists for the order.
func (t *PlanTracker) Known(orderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, tw := t.twap[orderID]
	_, ib := t.iceberg[orderID]
	return tw || ib
}

// Plans returns the executor's plan tracker.
func (e *Executor) Plans() *PlanTracker { return e.plans }

// CancelPlan cancels a running plan and waits for its runner to finalize
// the parent order. Returns false when no plan is tracked for the order
// (still queued, or not algorithmic). Implements the order service's
// PlanCanceler.
func (e *Executor) CancelPlan(ctx context.Context, orderID string) (bool, error) {
	e.plans.mu.Lock()
	var cancel func()
	var done <-chan struct{}
	if r, ok := e.plans.twap[orderID]; ok {
		cancel, done = r.requestCancel, r.done
	} else if r, ok := e.plans.iceberg[orderID]; ok {
		cancel, done = r.requestCancel, r.done
	}
	e.plans.mu.Unlock()

	if cancel == nil {
		return false, nil
	}
	cancel()
	select {
	case <-done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}
