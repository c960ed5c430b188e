package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/alerts"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/database"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/queue"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/testutil"
)

type countJob struct {
	runs atomic.Int64
}

func (c *countJob) Name() string { return "count" }
func (c *countJob) Run() error   { c.runs.Add(1); return nil }

func TestSchedulerRunsRegisteredJobs(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countJob{}
	require.NoError(t, s.AddJob("@every 10ms", job))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return job.runs.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequeueJobRescuesStuckEnvelopes(t *testing.T) {
	cache := kv.NewMemoryStore()
	t.Cleanup(func() { cache.Close() })
	ctx := context.Background()

	q := queue.New(cache, queue.Config{MaxAttempts: 3, Workers: 1}, zerolog.Nop())
	intent := &domain.Intent{
		Strategy: "manual",
		Venue:    "mock",
		Symbol:   "BTC/USDT",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: decimal.RequireFromString("1"),
	}
	_, err := q.Enqueue(ctx, "o1", intent, 5)
	require.NoError(t, err)

	// A worker picks it up and dies.
	env, _, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)

	stats, err := q.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.InFlight)

	time.Sleep(20 * time.Millisecond)
	job := &RequeueJob{Queue: q, StaleFor: 10 * time.Millisecond, Log: zerolog.Nop()}
	require.NoError(t, job.Run())

	stats, err = q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.InFlight)
	assert.Equal(t, int64(1), stats.Pending)

	// The rescued envelope comes back with its attempt count intact.
	again, _, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, env.ID, again.ID)
	assert.Equal(t, env.Attempts, again.Attempts)
}

func TestRequeueJobLeavesFreshEnvelopes(t *testing.T) {
	cache := kv.NewMemoryStore()
	t.Cleanup(func() { cache.Close() })
	ctx := context.Background()

	q := queue.New(cache, queue.Config{MaxAttempts: 3, Workers: 1}, zerolog.Nop())
	intent := &domain.Intent{
		Strategy: "manual",
		Venue:    "mock",
		Symbol:   "BTC/USDT",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: decimal.RequireFromString("1"),
	}
	_, err := q.Enqueue(ctx, "o1", intent, 5)
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx)
	require.NoError(t, err)

	job := &RequeueJob{Queue: q, StaleFor: time.Hour, Log: zerolog.Nop()}
	require.NoError(t, job.Run())

	stats, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.InFlight)
	assert.Equal(t, int64(0), stats.Pending)
}

func TestAlertCleanupJob(t *testing.T) {
	cache := kv.NewMemoryStore()
	t.Cleanup(func() { cache.Close() })
	ctx := context.Background()

	svc := alerts.New(cache, zerolog.Nop())
	_, created, err := svc.Create(ctx, "default", domain.AlertConcentration, domain.SeverityWarning, "stale alert", nil)
	require.NoError(t, err)
	require.True(t, created)

	// Two days later the one-day retention window has passed.
	svc.SetClock(func() time.Time { return time.Now().UTC().Add(48 * time.Hour) })

	job := &AlertCleanupJob{Alerts: svc, UserID: "default", RetentionDays: 1}
	require.NoError(t, job.Run())

	list, err := svc.List(ctx, "default", 10, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWALCheckpointJob(t *testing.T) {
	db := testutil.NewTestDB(t, "orders")

	job := &WALCheckpointJob{DBs: []*database.DB{db}}
	require.NoError(t, job.Run())
}
