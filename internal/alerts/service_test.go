package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
)

func newService(t *testing.T) (*Service, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return New(store, zerolog.Nop()), store
}

func TestCreateAndList(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a1, created, err := svc.Create(ctx, "u1", domain.AlertDailyLoss, domain.SeverityWarning, "daily loss at 80% of limit", nil)
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, a1)

	_, created, err = svc.Create(ctx, "u1", domain.AlertDrawdown, domain.SeverityCritical, "drawdown limit breached", map[string]interface{}{"drawdown_pct": 16.2})
	require.NoError(t, err)
	require.True(t, created)

	list, err := svc.List(ctx, "u1", 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	// Newest first.
	assert.Equal(t, domain.AlertDrawdown, list[0].Type)
	assert.Equal(t, domain.AlertDailyLoss, list[1].Type)

	// Other users see nothing.
	list, err = svc.List(ctx, "u2", 10, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	// The suppression marker expires with the store's clock, not the
	// service's.
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })
	store.SetClock(func() time.Time { return now })

	_, created, err := svc.Create(ctx, "u1", domain.AlertConcentration, domain.SeverityWarning, "BTC/USDT is 35% of equity", nil)
	require.NoError(t, err)
	require.True(t, created)

	// Identical alert inside the window is suppressed.
	_, created, err = svc.Create(ctx, "u1", domain.AlertConcentration, domain.SeverityWarning, "BTC/USDT is 35% of equity", nil)
	require.NoError(t, err)
	assert.False(t, created)

	// A changed payload fires even inside the window.
	_, created, err = svc.Create(ctx, "u1", domain.AlertConcentration, domain.SeverityWarning, "BTC/USDT is 42% of equity", nil)
	require.NoError(t, err)
	assert.True(t, created)

	// After the window the original fires again.
	now = now.Add(dedupeWindow + time.Second)
	_, created, err = svc.Create(ctx, "u1", domain.AlertConcentration, domain.SeverityWarning, "BTC/USDT is 35% of equity", nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDedupKeysOffDetailsNotMessage(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	// Producers keep details to the stable identity of a situation while
	// the message carries live numbers. The marks below move every sweep;
	// the banded detail does not, so only the first fires.
	details := map[string]interface{}{"symbol": "BTC/USDT", "share_band_pct": "35"}

	_, created, err := svc.Create(ctx, "u1", domain.AlertConcentration, domain.SeverityWarning, "BTC/USDT is 35.1% of equity", details)
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = svc.Create(ctx, "u1", domain.AlertConcentration, domain.SeverityWarning, "BTC/USDT is 35.4% of equity", details)
	require.NoError(t, err)
	assert.False(t, created)

	_, created, err = svc.Create(ctx, "u1", domain.AlertConcentration, domain.SeverityWarning, "BTC/USDT is 35.2% of equity", details)
	require.NoError(t, err)
	assert.False(t, created)

	// Crossing into a new band is a new situation.
	_, created, err = svc.Create(ctx, "u1", domain.AlertConcentration, domain.SeverityWarning, "BTC/USDT is 40.3% of equity",
		map[string]interface{}{"symbol": "BTC/USDT", "share_band_pct": "40"})
	require.NoError(t, err)
	assert.True(t, created)

	list, err := svc.List(ctx, "u1", 10, 0, nil)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestDedupMarkerSurvivesRestart(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	_, created, err := svc.Create(ctx, "u1", domain.AlertDailyLoss, domain.SeverityWarning, "daily loss at 82% of limit", nil)
	require.NoError(t, err)
	require.True(t, created)

	// A fresh service over the same store picks up the marker: suppression
	// does not reset on restart.
	restarted := New(store, zerolog.Nop())
	_, created, err = restarted.Create(ctx, "u1", domain.AlertDailyLoss, domain.SeverityWarning, "daily loss at 82% of limit", nil)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestAcknowledgeIsMonotone(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a, _, err := svc.Create(ctx, "u1", domain.AlertPositionLimit, domain.SeverityCritical, "position limit breached", nil)
	require.NoError(t, err)

	acked, err := svc.Acknowledge(ctx, "u1", a.ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)

	// Second ack is a no-op.
	acked, err = svc.Acknowledge(ctx, "u1", a.ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)

	_, err = svc.Acknowledge(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Filter by ack state.
	unacked := false
	list, err := svc.List(ctx, "u1", 10, 0, &unacked)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCleanupRemovesOldAlerts(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -10)
	svc.SetClock(func() time.Time { return old })
	a, _, err := svc.Create(ctx, "u1", domain.AlertDailyLoss, domain.SeverityInfo, "old alert", nil)
	require.NoError(t, err)

	svc.SetClock(time.Now)
	_, _, err = svc.Create(ctx, "u1", domain.AlertDailyLoss, domain.SeverityInfo, "fresh alert", nil)
	require.NoError(t, err)

	deleted, err := svc.Cleanup(ctx, "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	list, err := svc.List(ctx, "u1", 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh alert", list[0].Message)

	// The old body is gone from the KV too.
	_, err = store.Get(ctx, kv.KeyAlertData("u1", a.ID))
	assert.True(t, kv.IsNotFound(err))
}
