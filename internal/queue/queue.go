// Package queue is the ordered hand-off from order-accept RPCs to executor
// workers. Envelopes live in the shared KV: a sorted set for prioritized
// items, a FIFO list for priority-zero items, an in-flight set for
// observability and duplicate detection, and bounded completed/failed
// lists. Intent payloads are stored separately under the queue-item id with
// a 24-hour TTL.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
)

const (
	payloadTTL     = 24 * time.Hour
	completedLimit = 1000
)

// Envelope is the queue's wrapper over an intent: priority, attempt count
// and scheduling metadata. The raw field carries the exact serialized form
// used as the in-flight set member.
type Envelope struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`

	raw string
}

// Outcome records how an envelope's single executor call ended.
type Outcome struct {
	ItemID      string             `json:"item_id"`
	OrderID     string             `json:"order_id"`
	Status      domain.OrderStatus `json:"status"`
	Error       string             `json:"error,omitempty"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Health is the derived queue health tag.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// Stats is the queue status snapshot.
type Stats struct {
	Pending   int64  `json:"pending"`
	InFlight  int64  `json:"in_flight"`
	Failed    int64  `json:"failed"`
	Completed int64  `json:"completed"`
	Workers   int    `json:"workers"`
	Health    Health `json:"health"`
}

// Config holds queue tuning.
type Config struct {
	MaxAttempts int           // default attempts per envelope
	BackoffBase time.Duration // retry backoff is base * attempt
	Workers     int           // worker count, used for health thresholds
}

// Queue is the priority order queue.
type Queue struct {
	store kv.Store
	cfg   Config
	log   zerolog.Logger
}

// New creates a queue over the KV store.
func New(store kv.Store, cfg Config, log zerolog.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Queue{
		store: store,
		cfg:   cfg,
		log:   log.With().Str("component", "order_queue").Logger(),
	}
}

// Enqueue stores the intent payload and pushes an envelope. Priority > 0
// goes to the priority set (higher first); priority 0 goes to the FIFO.
// Returns the queue-item id.
func (q *Queue) Enqueue(ctx context.Context, orderID string, intent *domain.Intent, priority int) (string, error) {
	payload, err := json.Marshal(intent)
	if err != nil {
		return "", fmt.Errorf("marshal intent: %w", err)
	}

	env := Envelope{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		Priority:    priority,
		MaxAttempts: q.cfg.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := q.store.Set(ctx, kv.KeyQueueData(env.ID), string(payload), payloadTTL); err != nil {
		return "", fmt.Errorf("store intent payload: %w", err)
	}
	if err := q.push(ctx, env); err != nil {
		return "", err
	}
	q.log.Debug().Str("item_id", env.ID).Str("order_id", orderID).Int("priority", priority).Msg("Enqueued")
	return env.ID, nil
}

func (q *Queue) push(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if env.Priority > 0 {
		return q.store.SortedAdd(ctx, kv.KeyQueuePriority, kv.Member{
			Value: string(raw),
			Score: float64(env.Priority),
		})
	}
	return q.store.ListPush(ctx, kv.KeyQueuePending, string(raw))
}

// Dequeue pops the highest-priority envelope, falling back to the FIFO
// head, and moves it into the in-flight set. Returns (nil, nil, nil) when
// the queue is empty, and also when an envelope's payload has expired (a
// garbage envelope, dropped with a log line).
func (q *Queue) Dequeue(ctx context.Context) (*Envelope, *domain.Intent, error) {
	raw, err := q.pop(ctx)
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		q.log.Error().Err(err).Str("raw", raw).Msg("Dropping unparseable envelope")
		return nil, nil, nil
	}
	env.raw = raw

	if err := q.store.SetAdd(ctx, kv.KeyQueueProcessing, raw); err != nil {
		return nil, nil, fmt.Errorf("mark in-flight: %w", err)
	}

	payload, err := q.store.Get(ctx, kv.KeyQueueData(env.ID))
	if err != nil {
		if kv.IsNotFound(err) {
			// Payload TTL expired while the envelope sat in the queue.
			q.log.Warn().Str("item_id", env.ID).Msg("Envelope payload missing, dropping")
			_ = q.store.SetRemove(ctx, kv.KeyQueueProcessing, raw)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("load intent payload: %w", err)
	}

	var intent domain.Intent
	if err := json.Unmarshal([]byte(payload), &intent); err != nil {
		q.log.Error().Err(err).Str("item_id", env.ID).Msg("Dropping envelope with unparseable payload")
		_ = q.store.SetRemove(ctx, kv.KeyQueueProcessing, raw)
		return nil, nil, nil
	}
	return &env, &intent, nil
}

func (q *Queue) pop(ctx context.Context) (string, error) {
	m, err := q.store.SortedPopMax(ctx, kv.KeyQueuePriority)
	if err == nil {
		return m.Value, nil
	}
	if !kv.IsNotFound(err) {
		return "", err
	}
	return q.store.ListPop(ctx, kv.KeyQueuePending)
}

// Complete removes the envelope from the in-flight set and routes the
// outcome: success lands on the bounded completed list; failure re-enqueues
// with attempt+1 after a backoff of base*attempt, or lands on the failed
// list once attempts are exhausted.
func (q *Queue) Complete(ctx context.Context, env *Envelope, outcome Outcome) error {
	if err := q.store.SetRemove(ctx, kv.KeyQueueProcessing, env.raw); err != nil {
		return fmt.Errorf("clear in-flight: %w", err)
	}

	outcome.ItemID = env.ID
	outcome.OrderID = env.OrderID
	outcome.CompletedAt = time.Now().UTC()
	record, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	if outcome.Status != domain.StatusFailed {
		if err := q.store.ListPush(ctx, kv.KeyQueueCompleted, string(record)); err != nil {
			return err
		}
		return q.store.ListTrim(ctx, kv.KeyQueueCompleted, 0, completedLimit-1)
	}

	env.Attempts++
	if env.Attempts >= env.MaxAttempts {
		q.log.Warn().Str("item_id", env.ID).Int("attempts", env.Attempts).Msg("Envelope exhausted retries")
		return q.store.ListPush(ctx, kv.KeyQueueFailed, string(record))
	}

	backoff := time.Duration(env.Attempts) * q.cfg.BackoffBase
	retry := *env
	if backoff <= 0 {
		return q.push(ctx, retry)
	}
	q.log.Info().Str("item_id", env.ID).Int("attempt", env.Attempts).Dur("backoff", backoff).Msg("Re-enqueueing after backoff")
	time.AfterFunc(backoff, func() {
		if err := q.push(context.Background(), retry); err != nil {
			q.log.Error().Err(err).Str("item_id", retry.ID).Msg("Failed to re-enqueue envelope")
		}
	})
	return nil
}

// Requeue pushes an in-flight envelope back without counting an attempt.
// Used by the stuck-envelope sweep when a worker dies mid-item.
func (q *Queue) Requeue(ctx context.Context, raw string) error {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("unmarshal stuck envelope: %w", err)
	}
	if err := q.store.SetRemove(ctx, kv.KeyQueueProcessing, raw); err != nil {
		return err
	}
	return q.push(ctx, env)
}

// InFlight lists the raw in-flight envelopes.
func (q *Queue) InFlight(ctx context.Context) ([]string, error) {
	return q.store.SetMembers(ctx, kv.KeyQueueProcessing)
}

// Status returns queue counts and the derived health tag.
func (q *Queue) Status(ctx context.Context) (Stats, error) {
	var stats Stats
	prio, err := q.store.SortedCard(ctx, kv.KeyQueuePriority)
	if err != nil {
		return stats, err
	}
	fifo, err := q.store.ListLen(ctx, kv.KeyQueuePending)
	if err != nil {
		return stats, err
	}
	inflight, err := q.store.SetCard(ctx, kv.KeyQueueProcessing)
	if err != nil {
		return stats, err
	}
	failed, err := q.store.ListLen(ctx, kv.KeyQueueFailed)
	if err != nil {
		return stats, err
	}
	completed, err := q.store.ListLen(ctx, kv.KeyQueueCompleted)
	if err != nil {
		return stats, err
	}

	stats = Stats{
		Pending:   prio + fifo,
		InFlight:  inflight,
		Failed:    failed,
		Completed: completed,
		Workers:   q.cfg.Workers,
	}
	stats.Health = q.health(stats)
	return stats, nil
}

func (q *Queue) health(s Stats) Health {
	workers := int64(q.cfg.Workers)
	switch {
	case s.Failed > 100 || s.InFlight > 4*workers:
		return HealthCritical
	case s.Failed > 10 || s.InFlight > workers:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
