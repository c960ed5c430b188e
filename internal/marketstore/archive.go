package marketstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Uploader is the slice of the object store the archiver needs.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) error
}

// Archiver exports closed day partitions to the object store as gzipped
// JSON-lines chunks and prunes them from SQLite afterwards. The current
// day is never exported: it is still being written.
type Archiver struct {
	store    *Store
	uploader Uploader
	prefix   string
	log      zerolog.Logger
}

// NewArchiver creates the archiver. prefix namespaces the chunk keys in
// the bucket.
func NewArchiver(store *Store, uploader Uploader, prefix string, log zerolog.Logger) *Archiver {
	return &Archiver{
		store:    store,
		uploader: uploader,
		prefix:   prefix,
		log:      log.With().Str("component", "chunk_archiver").Logger(),
	}
}

// ArchiveClosedDays exports every day partition older than today across
// all three tables. Returns the number of chunks uploaded.
func (a *Archiver) ArchiveClosedDays(ctx context.Context) (int, error) {
	today := dayOf(time.Now())
	uploaded := 0

	for _, table := range []string{"tickers", "trades", "candles"} {
		days, err := a.store.Days(ctx, table)
		if err != nil {
			return uploaded, fmt.Errorf("list %s days: %w", table, err)
		}
		for _, day := range days {
			if day >= today {
				continue
			}
			if err := a.archiveDay(ctx, table, day); err != nil {
				// One failed chunk should not block the rest; the next run
				// retries it because the partition is only pruned on success.
				a.log.Error().Err(err).Str("table", table).Str("day", day).Msg("Chunk archive failed")
				continue
			}
			uploaded++
		}
	}
	return uploaded, nil
}

func (a *Archiver) archiveDay(ctx context.Context, table, day string) error {
	start := time.Now()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	rowCount := 0
	err := a.store.ExportDay(ctx, table, day, func(row map[string]any) error {
		rowCount++
		return enc.Encode(row)
	})
	if err != nil {
		return fmt.Errorf("export %s/%s: %w", table, day, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress %s/%s: %w", table, day, err)
	}
	if rowCount == 0 {
		return nil
	}

	checksum := sha256.Sum256(buf.Bytes())
	key := fmt.Sprintf("%s/%s/%s.jsonl.gz", a.prefix, table, day)
	metadata := map[string]string{
		"checksum": fmt.Sprintf("sha256:%x", checksum),
		"rows":     fmt.Sprintf("%d", rowCount),
	}
	if err := a.uploader.Upload(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), metadata); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	deleted, err := a.store.DeleteDay(ctx, table, day)
	if err != nil {
		return fmt.Errorf("prune %s/%s after upload: %w", table, day, err)
	}

	a.log.Info().
		Str("key", key).
		Int("rows", rowCount).
		Int64("pruned", deleted).
		Int("size_bytes", buf.Len()).
		Dur("duration", time.Since(start)).
		Msg("Archived day chunk")
	return nil
}
