package orders

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
)

// Filter narrows a ledger query. Zero fields match everything.
type Filter struct {
	Strategy string
	Venue    string
	Symbol   string
	Status   domain.OrderStatus
	Type     domain.OrderType
	Limit    int
	Offset   int
}

// Statistics is the aggregate view over the ledger. SuccessRate counts
// filled against all orders that reached a terminal outcome through the
// executor (filled, canceled, failed).
type Statistics struct {
	Total        int                        `json:"total"`
	ByStatus     map[domain.OrderStatus]int `json:"by_status"`
	FilledVolume decimal.Decimal            `json:"filled_volume"`
	SuccessRate  float64                    `json:"success_rate"`
}

// Store is the authoritative in-memory order map with a SQLite mirror.
type Store struct {
	repo *Repository
	log  zerolog.Logger

	mu         sync.RWMutex
	byID       map[string]*domain.Order
	byClientID map[string]string
}

// NewStore builds the store and reloads the ledger from the mirror.
func NewStore(ctx context.Context, repo *Repository, log zerolog.Logger) (*Store, error) {
	s := &Store{
		repo:       repo,
		log:        log.With().Str("component", "order_store").Logger(),
		byID:       make(map[string]*domain.Order),
		byClientID: make(map[string]string),
	}
	loaded, err := repo.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload order ledger: %w", err)
	}
	for _, o := range loaded {
		s.byID[o.ID] = o
		if o.ClientOrderID != "" {
			s.byClientID[o.ClientOrderID] = o.ID
		}
	}
	if len(loaded) > 0 {
		s.log.Info().Int("orders", len(loaded)).Msg("Order ledger reloaded")
	}
	return s, nil
}

// Insert adds a new order. Client order ids must be unique among known
// orders.
func (s *Store) Insert(ctx context.Context, o *domain.Order) error {
	s.mu.Lock()
	if _, exists := s.byID[o.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("duplicate order id %s", o.ID)
	}
	if o.ClientOrderID != "" {
		if _, exists := s.byClientID[o.ClientOrderID]; exists {
			s.mu.Unlock()
			return fmt.Errorf("duplicate client order id %s", o.ClientOrderID)
		}
	}
	clone := cloneOrder(o)
	s.byID[o.ID] = clone
	if o.ClientOrderID != "" {
		s.byClientID[o.ClientOrderID] = o.ID
	}
	s.mu.Unlock()

	return s.repo.Save(ctx, clone)
}

// Get returns a copy of the order.
func (s *Store) Get(id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

// GetByClientID returns a copy of the order with the given client id.
func (s *Store) GetByClientID(clientID string) (*domain.Order, error) {
	s.mu.RLock()
	id, ok := s.byClientID[clientID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(id)
}

// Mutate applies fn to the order under the lock and mirrors the result.
// fn returning an error aborts the mutation.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*domain.Order) error) (*domain.Order, error) {
	s.mu.Lock()
	o, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if err := fn(o); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	clone := cloneOrder(o)
	s.mu.Unlock()

	if err := s.repo.Save(ctx, clone); err != nil {
		// The in-memory copy stays authoritative; the mirror catches up on
		// the next save.
		s.log.Error().Err(err).Str("order_id", id).Msg("Ledger mirror write failed")
	}
	return clone, nil
}

// Query returns copies of matching orders, newest first.
func (s *Store) Query(f Filter) []*domain.Order {
	s.mu.RLock()
	matched := make([]*domain.Order, 0, len(s.byID))
	for _, o := range s.byID {
		if f.Strategy != "" && o.Strategy != f.Strategy {
			continue
		}
		if f.Venue != "" && o.Venue != f.Venue {
			continue
		}
		if f.Symbol != "" && !strings.EqualFold(o.Symbol, f.Symbol) {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Type != "" && o.Type != f.Type {
			continue
		}
		matched = append(matched, cloneOrder(o))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}

// Open returns copies of every non-terminal order. Used by the emergency
// stop and the reconciliation sweep.
func (s *Store) Open() []*domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Order
	for _, o := range s.byID {
		if !o.Status.IsTerminal() {
			out = append(out, cloneOrder(o))
		}
	}
	return out
}

// Children returns copies of the child orders of an algorithmic parent.
func (s *Store) Children(parentID string) []*domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Order
	for _, o := range s.byID {
		if o.ParentID == parentID {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Statistics aggregates the ledger, optionally narrowed to one strategy.
func (s *Store) Statistics(strategy string) Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{
		ByStatus:     make(map[domain.OrderStatus]int),
		FilledVolume: decimal.Zero,
	}
	var filled, settled int
	for _, o := range s.byID {
		if strategy != "" && o.Strategy != strategy {
			continue
		}
		stats.Total++
		stats.ByStatus[o.Status]++
		stats.FilledVolume = stats.FilledVolume.Add(o.FilledValue())
		switch o.Status {
		case domain.StatusFilled:
			filled++
			settled++
		case domain.StatusCanceled, domain.StatusFailed:
			settled++
		}
	}
	if settled > 0 {
		stats.SuccessRate = float64(filled) / float64(settled)
	}
	return stats
}

func cloneOrder(o *domain.Order) *domain.Order {
	clone := *o
	if o.Executions != nil {
		clone.Executions = append([]domain.Execution(nil), o.Executions...)
	}
	if o.SubmittedAt != nil {
		t := *o.SubmittedAt
		clone.SubmittedAt = &t
	}
	if o.FilledAt != nil {
		t := *o.FilledAt
		clone.FilledAt = &t
	}
	return &clone
}
