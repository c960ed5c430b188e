package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/venue"
)

// ValidationError marks intent failures that are the caller's fault and
// never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// RiskRejectionError carries the failed risk assessment to the caller.
type RiskRejectionError struct {
	Assessment *domain.RiskAssessment
}

func (e *RiskRejectionError) Error() string {
	return fmt.Sprintf("order rejected by risk checks: %v", e.Assessment.Reasons)
}

// RiskGate is the pre-trade check the service consults before accepting an
// order.
type RiskGate interface {
	CheckOrder(ctx context.Context, intent *domain.Intent) (*domain.RiskAssessment, error)
}

// Enqueuer hands accepted orders to the executor workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, orderID string, intent *domain.Intent, priority int) (string, error)
}

// PlanCanceler cancels a running algorithmic plan. Returns false when no
// plan is tracked for the order.
type PlanCanceler interface {
	CancelPlan(ctx context.Context, orderID string) (bool, error)
}

// Service is the order-accept surface: validate, risk-check, persist,
// enqueue.
type Service struct {
	store    *Store
	gate     RiskGate
	queue    Enqueuer
	registry *venue.Registry
	plans    PlanCanceler
	log      zerolog.Logger
}

// NewService wires the order service.
func NewService(store *Store, gate RiskGate, queue Enqueuer, registry *venue.Registry, plans PlanCanceler, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		gate:     gate,
		queue:    queue,
		registry: registry,
		plans:    plans,
		log:      log.With().Str("component", "order_service").Logger(),
	}
}

// Create accepts an order intent: validate, risk-check, persist as
// pending, enqueue. Returns the pending order and the queue item id.
func (s *Service) Create(ctx context.Context, intent *domain.Intent) (*domain.Order, string, error) {
	if err := intent.Validate(); err != nil {
		return nil, "", &ValidationError{Msg: err.Error()}
	}

	assessment, err := s.gate.CheckOrder(ctx, intent)
	if err != nil {
		return nil, "", fmt.Errorf("risk check: %w", err)
	}
	if !assessment.Approved {
		return nil, "", &RiskRejectionError{Assessment: assessment}
	}

	order := intent.ToOrder(uuid.NewString(), time.Now().UTC())
	if err := s.store.Insert(ctx, order); err != nil {
		return nil, "", fmt.Errorf("persist order: %w", err)
	}

	itemID, err := s.queue.Enqueue(ctx, order.ID, intent, intent.Priority)
	if err != nil {
		// The order exists but will never run; mark it failed rather than
		// leaving a pending ghost.
		_, _ = s.store.Mutate(ctx, order.ID, func(o *domain.Order) error {
			o.ErrorMessage = "enqueue failed: " + err.Error()
			return o.Transition(domain.StatusFailed, time.Now().UTC())
		})
		return nil, "", fmt.Errorf("enqueue order: %w", err)
	}

	s.log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("type", string(order.Type)).
		Str("side", string(order.Side)).
		Int("priority", intent.Priority).
		Msg("Order accepted")

	if len(assessment.Warnings) > 0 {
		s.log.Warn().Str("order_id", order.ID).Strs("warnings", assessment.Warnings).Msg("Order accepted with risk warnings")
	}
	return order, itemID, nil
}

// Cancel requests cancellation. Terminal orders are a no-op; algorithmic
// parents delegate to their plan; live venue orders are canceled at the
// venue first. Returns the resulting order and whether anything changed.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Order, bool, error) {
	order, err := s.store.Get(id)
	if err != nil {
		return nil, false, err
	}
	if order.Status.IsTerminal() {
		return order, false, nil
	}

	if order.Type.IsAlgorithmic() {
		handled, err := s.plans.CancelPlan(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("cancel plan: %w", err)
		}
		if handled {
			updated, err := s.store.Get(id)
			return updated, true, err
		}
		// No plan running yet (still queued); fall through to a plain
		// transition.
	}

	if order.VenueOrderID != "" {
		v, err := s.registry.Get(ctx, order.Venue)
		if err != nil {
			return nil, false, fmt.Errorf("venue %s: %w", order.Venue, err)
		}
		if err := v.CancelOrder(ctx, order.Symbol, order.VenueOrderID); err != nil {
			if !errors.Is(err, venue.ErrOrderNotFound) {
				return nil, false, fmt.Errorf("venue cancel: %w", err)
			}
			// Already gone at the venue; reconciliation would fix this up,
			// but the user asked now.
		}
	}

	updated, err := s.store.Mutate(ctx, id, func(o *domain.Order) error {
		if o.Status.IsTerminal() {
			return nil
		}
		return o.Transition(domain.StatusCanceled, time.Now().UTC())
	})
	if err != nil {
		return nil, false, err
	}
	s.log.Info().Str("order_id", id).Msg("Order canceled")
	return updated, true, nil
}

// CancelAllOpen cancels every non-terminal order, algorithmic plans
// included, and returns the ids that actually changed. Per-order failures
// are logged and the fan-out continues; the last error is returned so the
// caller knows the sweep was incomplete.
func (s *Service) CancelAllOpen(ctx context.Context) ([]string, error) {
	var canceled []string
	var lastErr error
	for _, o := range s.store.Open() {
		_, changed, err := s.Cancel(ctx, o.ID)
		if err != nil {
			lastErr = err
			s.log.Error().Err(err).Str("order_id", o.ID).Msg("Cancel-all failed for order")
			continue
		}
		if changed {
			canceled = append(canceled, o.ID)
		}
	}
	if len(canceled) > 0 {
		s.log.Warn().Int("canceled", len(canceled)).Msg("Canceled all open orders")
	}
	return canceled, lastErr
}

// Get returns one order.
func (s *Service) Get(id string) (*domain.Order, error) {
	return s.store.Get(id)
}

// Query lists orders, newest first.
func (s *Service) Query(f Filter) []*domain.Order {
	return s.store.Query(f)
}

// Statistics aggregates the ledger, optionally narrowed to one strategy.
func (s *Service) Statistics(strategy string) Statistics {
	return s.store.Statistics(strategy)
}
