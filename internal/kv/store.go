// Package kv is the shared serialized-state substrate: the key/value store
// and pub-sub bus every service coordinates through. The reserved keyspace
// (queue envelopes, emergency-stop flags, latest market data, alert lists,
// credentials) lives here so no component touches another component's keys
// by accident.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist. A missing key is a
// legitimate "no data" answer, not a zero value.
var ErrNotFound = errors.New("kv: key not found")

// Member is a sorted-set member with its score.
type Member struct {
	Value string
	Score float64
}

// Message is one pub-sub delivery.
type Message struct {
	Topic   string
	Payload string
}

// Store is the set of primitives the reserved keyspace needs. Implemented
// by the Redis client and by an in-memory store used in tests and dev mode.
type Store interface {
	// Plain keys. ttl <= 0 means no expiry.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Lists (FIFO queue, bounded completed/failed lists).
	ListPush(ctx context.Context, key string, values ...string) error
	ListPop(ctx context.Context, key string) (string, error)
	ListLen(ctx context.Context, key string) (int64, error)
	ListTrim(ctx context.Context, key string, start, stop int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Sorted sets (priority queue, alert index).
	SortedAdd(ctx context.Context, key string, members ...Member) error
	SortedPopMax(ctx context.Context, key string) (Member, error)
	SortedRangeDesc(ctx context.Context, key string, offset, count int64) ([]Member, error)
	SortedRemove(ctx context.Context, key string, values ...string) error
	SortedRemoveByScore(ctx context.Context, key string, min, max float64) (int64, error)
	SortedCard(ctx context.Context, key string) (int64, error)

	// Sets (in-flight envelopes).
	SetAdd(ctx context.Context, key string, values ...string) error
	SetRemove(ctx context.Context, key string, values ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetCard(ctx context.Context, key string) (int64, error)

	// Pub-sub. Subscribe delivers until the context is cancelled; the
	// returned channel is closed on cancellation.
	Publish(ctx context.Context, topic, payload string) error
	Subscribe(ctx context.Context, topics ...string) (<-chan Message, error)

	// Ping reports store reachability for health checks.
	Ping(ctx context.Context) error

	Close() error
}

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
