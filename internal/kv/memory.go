package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and single-node dev mode.
// Semantics mirror the Redis implementation, including lazy key expiry.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	lists   map[string][]string
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	subs    map[string][]*memorySub
	nowFunc func() time.Time
}

type memoryValue struct {
	data      string
	expiresAt time.Time // zero means no expiry
}

type memorySub struct {
	ch     chan Message
	topics map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]memoryValue),
		lists:   make(map[string][]string),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		subs:    make(map[string][]*memorySub),
		nowFunc: time.Now,
	}
}

// SetClock overrides the expiry clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

func (s *MemoryStore) expired(v memoryValue) bool {
	return !v.expiresAt.IsZero() && s.nowFunc().After(v.expiresAt)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok || s.expired(v) {
		delete(s.values, key)
		return "", ErrNotFound
	}
	return v.data, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := memoryValue{data: value}
	if ttl > 0 {
		v.expiresAt = s.nowFunc().Add(ttl)
	}
	s.values[key] = v
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.values, key)
		delete(s.lists, key)
		delete(s.zsets, key)
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok && !s.expired(v) {
		return true, nil
	}
	if _, ok := s.lists[key]; ok {
		return true, nil
	}
	if _, ok := s.zsets[key]; ok {
		return true, nil
	}
	_, ok := s.sets[key]
	return ok, nil
}

func (s *MemoryStore) ListPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// LPush: newest at the head.
	for _, v := range values {
		s.lists[key] = append([]string{v}, s.lists[key]...)
	}
	return nil
}

func (s *MemoryStore) ListPop(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	if len(l) == 0 {
		return "", ErrNotFound
	}
	// RPop: oldest at the tail.
	v := l[len(l)-1]
	s.lists[key] = l[:len(l)-1]
	return v, nil
}

func (s *MemoryStore) ListLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) ListTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		s.lists[key] = nil
		return nil
	}
	s.lists[key] = l[start : stop+1]
	return nil
}

func (s *MemoryStore) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (s *MemoryStore) SortedAdd(_ context.Context, key string, members ...Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	for _, m := range members {
		z[m.Value] = m.Score
	}
	return nil
}

func (s *MemoryStore) sortedMembers(key string) []Member {
	z := s.zsets[key]
	out := make([]Member, 0, len(z))
	for v, score := range z {
		out = append(out, Member{Value: v, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Value > out[j].Value
	})
	return out
}

func (s *MemoryStore) SortedPopMax(_ context.Context, key string) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.sortedMembers(key)
	if len(ms) == 0 {
		return Member{}, ErrNotFound
	}
	top := ms[0]
	delete(s.zsets[key], top.Value)
	return top, nil
}

func (s *MemoryStore) SortedRangeDesc(_ context.Context, key string, offset, count int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.sortedMembers(key)
	if offset >= int64(len(ms)) {
		return nil, nil
	}
	ms = ms[offset:]
	if count > 0 && count < int64(len(ms)) {
		ms = ms[:count]
	}
	return ms, nil
}

func (s *MemoryStore) SortedRemove(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		delete(s.zsets[key], v)
	}
	return nil
}

func (s *MemoryStore) SortedRemoveByScore(_ context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for v, score := range s.zsets[key] {
		if score >= min && score <= max {
			delete(s.zsets[key], v)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SortedCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) SetAdd(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, v := range values {
		set[v] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SetRemove(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		delete(s.sets[key], v)
	}
	return nil
}

func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[key]))
	for v := range s.sets[key] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SetCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (s *MemoryStore) Publish(_ context.Context, topic, payload string) error {
	s.mu.Lock()
	subs := append([]*memorySub(nil), s.subs[topic]...)
	s.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- Message{Topic: topic, Payload: payload}:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	sub := &memorySub{
		ch:     make(chan Message, 64),
		topics: make(map[string]struct{}, len(topics)),
	}
	s.mu.Lock()
	for _, t := range topics {
		sub.topics[t] = struct{}{}
		s.subs[t] = append(s.subs[t], sub)
	}
	s.mu.Unlock()

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer s.unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sub.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *MemoryStore) unsubscribe(sub *memorySub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic := range sub.topics {
		list := s.subs[topic]
		for i, existing := range list {
			if existing == sub {
				s.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
