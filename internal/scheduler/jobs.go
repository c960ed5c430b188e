package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/alerts"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/database"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/executor"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/marketstore"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/queue"
)

// jobTimeout bounds every scheduled run.
const jobTimeout = 5 * time.Minute

// ReconcileJob sweeps open orders against the venues.
type ReconcileJob struct {
	Ex *executor.Executor
}

func (j *ReconcileJob) Name() string { return "order_reconcile" }

func (j *ReconcileJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	return j.Ex.Reconcile(ctx)
}

// AlertCleanupJob prunes alerts past the retention window.
type AlertCleanupJob struct {
	Alerts        *alerts.Service
	UserID        string
	RetentionDays int
}

func (j *AlertCleanupJob) Name() string { return "alert_cleanup" }

func (j *AlertCleanupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	_, err := j.Alerts.Cleanup(ctx, j.UserID, j.RetentionDays)
	return err
}

// ArchiveJob uploads closed market-data day chunks and prunes them
// locally. Nil archiver (no bucket configured) makes the job a no-op.
type ArchiveJob struct {
	Archiver *marketstore.Archiver
	Log      zerolog.Logger
}

func (j *ArchiveJob) Name() string { return "chunk_archive" }

func (j *ArchiveJob) Run() error {
	if j.Archiver == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := j.Archiver.ArchiveClosedDays(ctx)
	if n > 0 {
		j.Log.Info().Int("chunks", n).Msg("Archived closed market-data days")
	}
	return err
}

// RequeueJob pushes back in-flight envelopes that have been sitting
// longer than the staleness window, which means their worker died
// mid-item. Requeueing does not count an attempt.
type RequeueJob struct {
	Queue    *queue.Queue
	StaleFor time.Duration
	Log      zerolog.Logger
}

func (j *RequeueJob) Name() string { return "queue_requeue" }

func (j *RequeueJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	staleFor := j.StaleFor
	if staleFor <= 0 {
		staleFor = 10 * time.Minute
	}

	raws, err := j.Queue.InFlight(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-staleFor)
	var lastErr error
	for _, raw := range raws {
		var env queue.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		if env.EnqueuedAt.After(cutoff) {
			continue
		}
		if err := j.Queue.Requeue(ctx, raw); err != nil {
			lastErr = err
			continue
		}
		j.Log.Warn().Str("item_id", env.ID).Str("order_id", env.OrderID).Msg("Requeued stuck envelope")
	}
	return lastErr
}

// WALCheckpointJob truncates the write-ahead logs so they do not grow
// unbounded between restarts.
type WALCheckpointJob struct {
	DBs []*database.DB
}

func (j *WALCheckpointJob) Name() string { return "wal_checkpoint" }

func (j *WALCheckpointJob) Run() error {
	var lastErr error
	for _, db := range j.DBs {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
