package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t.Run("missing key is not found", func(t *testing.T) {
		_, err := s.Get(ctx, "absent")
		assert.True(t, IsNotFound(err))
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k", "v", 0))
		val, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", val)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		now := time.Now()
		s.SetClock(func() time.Time { return now })
		require.NoError(t, s.Set(ctx, "exp", "v", time.Minute))

		val, err := s.Get(ctx, "exp")
		require.NoError(t, err)
		assert.Equal(t, "v", val)

		s.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
		_, err = s.Get(ctx, "exp")
		assert.True(t, IsNotFound(err))
		s.SetClock(time.Now)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "gone", "v", 0))
		require.NoError(t, s.Delete(ctx, "gone"))
		_, err := s.Get(ctx, "gone")
		assert.True(t, IsNotFound(err))
	})
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// FIFO via LPush + RPop.
	require.NoError(t, s.ListPush(ctx, "q", "a"))
	require.NoError(t, s.ListPush(ctx, "q", "b", "c"))

	n, err := s.ListLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	first, err := s.ListPop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "a", first)

	second, err := s.ListPop(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "b", second)

	// Trim keeps the bounded window.
	for _, v := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, s.ListPush(ctx, "bounded", v))
	}
	require.NoError(t, s.ListTrim(ctx, "bounded", 0, 2))
	vals, err := s.ListRange(ctx, "bounded", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "4", "3"}, vals)
}

func TestMemoryStoreSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SortedAdd(ctx, "z",
		Member{Value: "low", Score: 1},
		Member{Value: "high", Score: 9},
		Member{Value: "mid", Score: 5},
	))

	top, err := s.SortedPopMax(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, "high", top.Value)

	members, err := s.SortedRangeDesc(ctx, "z", 0, 10)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "mid", members[0].Value)

	removed, err := s.SortedRemoveByScore(ctx, "z", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, err := s.SortedCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.SortedPopMax(ctx, "empty")
	assert.True(t, IsNotFound(err))
}

func TestMemoryStorePubSub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore()

	ch, err := s.Subscribe(ctx, "topic.a")
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "topic.a", "hello"))
	require.NoError(t, s.Publish(ctx, "topic.b", "ignored"))

	select {
	case msg := <-ch:
		assert.Equal(t, "topic.a", msg.Topic)
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	// Channel closes after cancellation.
	_, open := <-ch
	assert.False(t, open)
}
