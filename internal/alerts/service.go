// Package alerts is the KV-backed risk alert store. Alert bodies live
// under their own keys; an ordered index per user, scored by creation
// time, drives listing and cleanup.
package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
)

// dedupeWindow suppresses repeats of the same (type, severity, identity)
// alert. A changed identity fires through the window: the situation is new
// even if the category is not.
const dedupeWindow = 5 * time.Minute

// ErrNotFound is returned for unknown alert ids.
var ErrNotFound = fmt.Errorf("alert not found")

// Service manages alert lifecycle.
type Service struct {
	cache kv.Store
	log   zerolog.Logger
	now   func() time.Time
}

// New creates the alert service.
func New(cache kv.Store, log zerolog.Logger) *Service {
	return &Service{
		cache: cache,
		log:   log.With().Str("component", "alerts").Logger(),
		now:   time.Now,
	}
}

// SetClock overrides the timestamp clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create stores a new alert unless one with the same identity fired within
// the dedup window. The marker lives in the KV under the window's TTL, so
// suppression holds across restarts. Returns the alert and whether it was
// actually created.
func (s *Service) Create(ctx context.Context, userID string, typ domain.AlertType, severity domain.Severity, message string, details map[string]interface{}) (*domain.Alert, bool, error) {
	hash := identityHash(message, details)
	dedupKey := kv.KeyAlertDedup(userID, string(typ), string(severity))

	prev, err := s.cache.Get(ctx, dedupKey)
	if err != nil && !kv.IsNotFound(err) {
		return nil, false, fmt.Errorf("read alert dedup marker: %w", err)
	}
	if err == nil && prev == hash {
		return nil, false, nil
	}
	if err := s.cache.Set(ctx, dedupKey, hash, dedupeWindow); err != nil {
		return nil, false, fmt.Errorf("write alert dedup marker: %w", err)
	}

	now := s.now().UTC()
	alert := &domain.Alert{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Severity:  severity,
		Message:   message,
		Details:   details,
		CreatedAt: now,
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, false, fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.cache.Set(ctx, kv.KeyAlertData(userID, alert.ID), string(data), 0); err != nil {
		return nil, false, fmt.Errorf("store alert: %w", err)
	}
	if err := s.cache.SortedAdd(ctx, kv.KeyAlertList(userID), kv.Member{
		Value: alert.ID,
		Score: float64(now.UnixMilli()),
	}); err != nil {
		return nil, false, fmt.Errorf("index alert: %w", err)
	}

	s.log.Info().
		Str("alert_id", alert.ID).
		Str("type", string(typ)).
		Str("severity", string(severity)).
		Msg(message)
	return alert, true, nil
}

// List returns alerts newest first. acknowledged filters by ack state when
// non-nil.
func (s *Service) List(ctx context.Context, userID string, limit, offset int, acknowledged *bool) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	// Over-fetch when filtering by ack state so a page of acked alerts does
	// not hide unacked ones behind it.
	fetch := int64(limit + offset)
	if acknowledged != nil {
		fetch = -1
	}
	members, err := s.cache.SortedRangeDesc(ctx, kv.KeyAlertList(userID), 0, fetch)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Alert, 0, limit)
	skipped := 0
	for _, m := range members {
		raw, err := s.cache.Get(ctx, kv.KeyAlertData(userID, m.Value))
		if err != nil {
			if kv.IsNotFound(err) {
				// Body expired or cleaned without its index entry.
				_ = s.cache.SortedRemove(ctx, kv.KeyAlertList(userID), m.Value)
				continue
			}
			return nil, err
		}
		var alert domain.Alert
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			continue
		}
		if acknowledged != nil && alert.Acknowledged != *acknowledged {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, alert)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Acknowledge marks an alert acknowledged. Acknowledgement is monotone:
// re-acknowledging is a no-op, never an error.
func (s *Service) Acknowledge(ctx context.Context, userID, alertID string) (*domain.Alert, error) {
	raw, err := s.cache.Get(ctx, kv.KeyAlertData(userID, alertID))
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var alert domain.Alert
	if err := json.Unmarshal([]byte(raw), &alert); err != nil {
		return nil, fmt.Errorf("decode alert %s: %w", alertID, err)
	}
	if alert.Acknowledged {
		return &alert, nil
	}
	alert.Acknowledged = true
	data, err := json.Marshal(&alert)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, kv.KeyAlertData(userID, alertID), string(data), 0); err != nil {
		return nil, err
	}
	return &alert, nil
}

// Cleanup removes alerts older than the retention window. Returns how
// many were deleted.
func (s *Service) Cleanup(ctx context.Context, userID string, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := float64(s.now().UTC().AddDate(0, 0, -retentionDays).UnixMilli())

	members, err := s.cache.SortedRangeDesc(ctx, kv.KeyAlertList(userID), 0, -1)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, m := range members {
		if m.Score >= cutoff {
			continue
		}
		if err := s.cache.Delete(ctx, kv.KeyAlertData(userID, m.Value)); err != nil {
			return deleted, err
		}
		deleted++
	}
	if _, err := s.cache.SortedRemoveByScore(ctx, kv.KeyAlertList(userID), math.Inf(-1), cutoff-1); err != nil {
		return deleted, err
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Int("retention_days", retentionDays).Msg("Alert cleanup completed")
	}
	return deleted, nil
}

// identityHash fingerprints what the alert is about. Details take
// precedence over the message: messages embed precise numbers that move
// with every mark price, while producers keep details to the stable
// identity of the situation (bucketing anything volatile).
func identityHash(message string, details map[string]interface{}) string {
	h := sha256.New()
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			h.Write(data)
		}
	} else {
		h.Write([]byte(message))
	}
	return hex.EncodeToString(h.Sum(nil))
}
