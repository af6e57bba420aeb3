// Package archive exports resolved conflicts to object storage as an audit
// trail. Conflicts stay in the database; the export is append-only.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/offline-sync/internal/storage"
	"github.com/example/offline-sync/internal/types"
)

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 500
	checkpointName   = "conflict-archive"
)

// Uploader is the subset of *minio.Client the worker needs.
type Uploader interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Worker periodically uploads newly resolved conflicts as JSON Lines objects
// and advances a checkpoint after each successful upload.
type Worker struct {
	store    storage.ArchiveStore
	object   Uploader
	bucket   string
	interval time.Duration
	batch    int
	logger   zerolog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval sets the export period.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBatchSize bounds the conflicts per object.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// NewWorker constructs an archive worker with sane defaults.
func NewWorker(store storage.ArchiveStore, object Uploader, bucket string, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:    store,
		object:   object,
		bucket:   bucket,
		interval: defaultInterval,
		batch:    defaultBatchSize,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic export loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("conflict archive failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce exports everything resolved since the checkpoint and returns the
// number of conflicts written.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w.object == nil {
		return 0, fmt.Errorf("object storage client not configured")
	}
	cursor, err := w.store.ArchiveCheckpoint(ctx, checkpointName)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}

	total := 0
	for {
		conflicts, err := w.store.ListResolvedAfter(ctx, cursor, w.batch)
		if err != nil {
			return total, fmt.Errorf("list resolved conflicts: %w", err)
		}
		if len(conflicts) == 0 {
			return total, nil
		}
		next, err := w.upload(ctx, conflicts)
		if err != nil {
			return total, err
		}
		if err := w.store.SaveArchiveCheckpoint(ctx, checkpointName, next); err != nil {
			return total, fmt.Errorf("persist checkpoint: %w", err)
		}
		cursor = next
		total += len(conflicts)
		if len(conflicts) < w.batch {
			return total, nil
		}
	}
}

func (w *Worker) upload(ctx context.Context, conflicts []types.SyncConflict) (storage.ArchiveCursor, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range conflicts {
		if err := enc.Encode(c); err != nil {
			return storage.ArchiveCursor{}, fmt.Errorf("encode conflict %d: %w", c.ID, err)
		}
	}

	last := conflicts[len(conflicts)-1]
	next := storage.ArchiveCursor{ResolvedAt: *last.ResolvedAt, ID: last.ID}
	path := ObjectPath(conflicts[0], last)
	if _, err := w.object.PutObject(ctx, w.bucket, path, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{ContentType: "application/x-ndjson"}); err != nil {
		return storage.ArchiveCursor{}, fmt.Errorf("upload %s: %w", path, err)
	}

	w.logger.Info().Str("object", path).Int("conflicts", len(conflicts)).Msg("resolved conflicts archived")
	return next, nil
}

// ObjectPath names the object holding the batch from first to last.
func ObjectPath(first, last types.SyncConflict) string {
	day := last.ResolvedAt.UTC()
	return fmt.Sprintf("conflicts/%04d/%02d/%02d/%d-%d.jsonl", day.Year(), day.Month(), day.Day(), first.ID, last.ID)
}

// Decode reads the conflicts of an archived object.
func Decode(r io.Reader) ([]types.SyncConflict, error) {
	var out []types.SyncConflict
	dec := json.NewDecoder(r)
	for dec.More() {
		var c types.SyncConflict
		if err := dec.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
