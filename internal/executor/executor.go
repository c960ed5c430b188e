// Package executor turns accepted order intents into venue activity.
// Queue workers hand each envelope to Execute exactly once; market and
// limit orders run inline, TWAP and iceberg plans detach into their own
// runners and report back through the plan tracker.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/config"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/orders"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/positions"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

// Executor drives order execution against venues. It owns the plan
// tracker for algorithmic parents and the detached monitors for resting
// limit orders.
type Executor struct {
	store    *orders.Store
	registry *venue.Registry
	tracker  *positions.Tracker
	cache    kv.Store
	cfg      config.ExecutorConfig
	plans    *PlanTracker
	log      zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New wires the executor. Detached runners and monitors live until
// Shutdown.
func New(store *orders.Store, registry *venue.Registry, tracker *positions.Tracker, cache kv.Store, cfg config.ExecutorConfig, log zerolog.Logger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:      store,
		registry:   registry,
		tracker:    tracker,
		cache:      cache,
		cfg:        cfg,
		plans:      newPlanTracker(),
		log:        log.With().Str("component", "executor").Logger(),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Shutdown cancels every detached runner and resting-order monitor.
func (e *Executor) Shutdown() { e.baseCancel() }

// Execute carries one envelope through one executor call. finalAttempt
// tells the transient-failure path whether the queue will retry: while
// retries remain the order stays pending so the next attempt can run.
func (e *Executor) Execute(ctx context.Context, orderID string, intent *domain.Intent, finalAttempt bool) (domain.OrderStatus, error) {
	order, err := e.store.Get(orderID)
	if err != nil {
		return domain.StatusFailed, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order.Status != domain.StatusPending {
		// Canceled (or otherwise moved on) between accept and dispatch.
		e.log.Info().Str("order_id", orderID).Str("status", string(order.Status)).Msg("Skipping non-pending order")
		return order.Status, nil
	}

	v, err := e.registry.Get(ctx, order.Venue)
	if err != nil {
		e.markTerminal(ctx, orderID, domain.StatusFailed, "venue unavailable: "+err.Error())
		return domain.StatusFailed, err
	}

	switch order.Type {
	case domain.OrderTypeMarket:
		return e.executeMarket(ctx, v, order, finalAttempt)
	case domain.OrderTypeLimit:
		return e.executeLimit(ctx, v, order, finalAttempt)
	case domain.OrderTypeTWAP:
		return e.startTWAP(ctx, v, order, intent)
	case domain.OrderTypeIceberg:
		return e.startIceberg(ctx, v, order, intent)
	default:
		// Conditional types are accepted at the intent level but have no
		// execution strategy yet.
		msg := fmt.Sprintf("no execution strategy for order type %s", order.Type)
		e.markTerminal(ctx, orderID, domain.StatusRejected, msg)
		return domain.StatusRejected, errors.New(msg)
	}
}

// executeMarket submits a market order and settles it in one shot: check
// the instrument, grab a reference price, submit, re-fetch once, fold the
// fills in and report slippage.
func (e *Executor) executeMarket(ctx context.Context, v venue.Venue, order *domain.Order, finalAttempt bool) (domain.OrderStatus, error) {
	ins, err := v.Instrument(ctx, order.Symbol)
	if err != nil {
		return e.submitFailure(ctx, order.ID, err, finalAttempt)
	}
	if order.Quantity.LessThan(ins.MinQuantity) {
		msg := fmt.Sprintf("quantity %s below venue minimum %s", order.Quantity, ins.MinQuantity)
		e.markTerminal(ctx, order.ID, domain.StatusRejected, msg)
		return domain.StatusRejected, errors.New(msg)
	}

	reference := decimal.Zero
	if t, err := v.Ticker(ctx, order.Symbol); err == nil {
		reference = t.Last
	}

	state, err := v.SubmitOrder(ctx, venue.SubmitRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          domain.OrderTypeMarket,
		Quantity:      order.Quantity,
		ClientOrderID: e.clientID(order),
	})
	if err != nil {
		return e.submitFailure(ctx, order.ID, err, finalAttempt)
	}
	if fresh, err := v.GetOrder(ctx, order.Symbol, state.VenueOrderID); err == nil {
		state = fresh
	}

	updated, err := e.applyVenueState(ctx, order.ID, state)
	if err != nil {
		return domain.StatusFailed, err
	}

	if reference.IsPositive() && updated.AvgFillPrice.IsPositive() {
		slip := slippageBps(order.Side, updated.AvgFillPrice, reference)
		evt := e.log.Info()
		if e.cfg.MaxSlippageBps > 0 && slip.GreaterThan(decimal.NewFromInt(int64(e.cfg.MaxSlippageBps))) {
			evt = e.log.Warn()
		}
		evt.Str("order_id", order.ID).
			Str("slippage_bps", slip.StringFixed(2)).
			Str("reference", reference.String()).
			Str("avg_fill", updated.AvgFillPrice.String()).
			Msg("Market order settled")
	}
	return updated.Status, nil
}

// clientID is the id sent to the venue: the caller's client id when one
// was supplied, otherwise the internal order id.
func (e *Executor) clientID(order *domain.Order) string {
	if order.ClientOrderID != "" {
		return order.ClientOrderID
	}
	return order.ID
}

// submitFailure routes a venue submit error: rejections are terminal and
// never retried; transient failures leave the order pending while the
// queue still has attempts, and go terminal on the last one.
func (e *Executor) submitFailure(ctx context.Context, orderID string, err error, finalAttempt bool) (domain.OrderStatus, error) {
	if venue.IsRejection(err) {
		e.markTerminal(ctx, orderID, domain.StatusRejected, err.Error())
		return domain.StatusRejected, err
	}
	if finalAttempt {
		e.markTerminal(ctx, orderID, domain.StatusFailed, err.Error())
	}
	return domain.StatusFailed, err
}

// markTerminal moves the order to a terminal status with the venue
// message attached. Invalid transitions are logged and swallowed.
func (e *Executor) markTerminal(ctx context.Context, orderID string, status domain.OrderStatus, msg string) {
	updated, err := e.store.Mutate(ctx, orderID, func(o *domain.Order) error {
		o.ErrorMessage = msg
		if o.Status.IsTerminal() {
			return nil
		}
		return o.Transition(status, time.Now().UTC())
	})
	if err != nil {
		e.log.Error().Err(err).Str("order_id", orderID).Str("to", string(status)).Msg("Terminal transition failed")
		return
	}
	e.publishEvent(ctx, updated)
}

// applyVenueState folds a venue order snapshot into the local record:
// venue id, new executions (by trade id), and a terminal status when the
// venue reports one. New fills are fed to the position tracker.
func (e *Executor) applyVenueState(ctx context.Context, orderID string, state *venue.OrderState) (*domain.Order, error) {
	now := time.Now().UTC()
	var fresh []domain.Execution

	updated, err := e.store.Mutate(ctx, orderID, func(o *domain.Order) error {
		if o.VenueOrderID == "" {
			o.VenueOrderID = state.VenueOrderID
		}
		if o.Status == domain.StatusPending {
			if err := o.Transition(domain.StatusSubmitted, now); err != nil {
				return err
			}
		}

		seen := make(map[string]bool, len(o.Executions))
		for _, ex := range o.Executions {
			seen[ex.TradeID] = true
		}
		execs := state.Executions
		if len(execs) == 0 && state.FilledQuantity.GreaterThan(o.FilledQuantity) {
			// Venue reported an aggregate fill without per-trade detail.
			execs = []domain.Execution{{
				Timestamp: now,
				Price:     state.AvgFillPrice,
				Quantity:  state.FilledQuantity.Sub(o.FilledQuantity),
				TradeID:   fmt.Sprintf("%s-agg-%d", state.VenueOrderID, len(o.Executions)),
			}}
		}
		for _, ex := range execs {
			if seen[ex.TradeID] {
				continue
			}
			if err := o.ApplyExecution(ex); err != nil {
				return err
			}
			fresh = append(fresh, ex)
		}

		if state.Status.IsTerminal() && !o.Status.IsTerminal() && o.Status != state.Status {
			if domain.CanTransition(o.Status, state.Status) {
				return o.Transition(state.Status, now)
			}
			e.log.Warn().
				Str("order_id", o.ID).
				Str("local", string(o.Status)).
				Str("venue", string(state.Status)).
				Msg("Ignoring venue status the state machine forbids")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ex := range fresh {
		e.tracker.UpdateFromFill(ctx, updated.Strategy, updated.Venue, updated.Symbol, updated.Side, ex.Quantity, ex.Price, ex.Timestamp)
	}
	if len(fresh) > 0 || updated.Status.IsTerminal() {
		e.publishEvent(ctx, updated)
	}
	return updated, nil
}

// foldIntoParent applies a finished child's aggregate fill to its
// algorithmic parent as a single execution keyed by the child id. The
// position tracker is not touched here: the child's own executions
// already updated it.
func (e *Executor) foldIntoParent(ctx context.Context, parentID, childID string, filled, avgPrice decimal.Decimal) {
	if !filled.IsPositive() {
		return
	}
	updated, err := e.store.Mutate(ctx, parentID, func(o *domain.Order) error {
		return o.ApplyExecution(domain.Execution{
			Timestamp: time.Now().UTC(),
			Price:     avgPrice,
			Quantity:  filled,
			TradeID:   childID,
		})
	})
	if err != nil {
		e.log.Error().Err(err).Str("parent_id", parentID).Str("child_id", childID).Msg("Parent fill aggregation failed")
		return
	}
	e.publishEvent(ctx, updated)
}

type orderEvent struct {
	OrderID        string             `json:"order_id"`
	ParentID       string             `json:"parent_id,omitempty"`
	Symbol         string             `json:"symbol"`
	Status         domain.OrderStatus `json:"status"`
	FilledQuantity decimal.Decimal    `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal    `json:"avg_fill_price"`
	Timestamp      time.Time          `json:"timestamp"`
}

func (e *Executor) publishEvent(ctx context.Context, o *domain.Order) {
	data, err := json.Marshal(orderEvent{
		OrderID:        o.ID,
		ParentID:       o.ParentID,
		Symbol:         o.Symbol,
		Status:         o.Status,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = e.cache.Publish(ctx, kv.TopicOrderEvents, string(data))
}

// slippageBps is the signed fill-versus-reference deviation in basis
// points, oriented so positive is always adverse for the taker.
func slippageBps(side domain.Side, actual, reference decimal.Decimal) decimal.Decimal {
	if !reference.IsPositive() || !actual.IsPositive() {
		return decimal.Zero
	}
	bps := actual.Sub(reference).Div(reference).Mul(decimal.NewFromInt(10000))
	if side == domain.SideSell {
		bps = bps.Neg()
	}
	return bps
}
