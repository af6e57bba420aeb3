package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/example/offline-sync/internal/types"
)

// Item is one locally queued mutation intent.
type Item struct {
	Submission types.Submission `json:"submission"`
	QueuedAt   time.Time        `json:"queued_at"`

	// Set once the server has accepted the submission.
	EntryID    int64        `json:"entry_id,omitempty"`
	Status     types.Status `json:"status,omitempty"`
	ConflictID *int64       `json:"conflict_id,omitempty"`
}

// Sent reports whether the server holds the item.
func (i Item) Sent() bool { return i.EntryID != 0 }

// LocalQueue is the device's durable store of intents not yet settled by the
// server. Items keep insertion order.
type LocalQueue interface {
	Append(ctx context.Context, item Item) error
	Items(ctx context.Context) ([]Item, error)
	// Put replaces the item with the same uuid.
	Put(ctx context.Context, item Item) error
	Remove(ctx context.Context, uuid string) error
}

var errUnknownItem = errors.New("unknown queue item")

// MemoryQueue is a LocalQueue held in memory.
type MemoryQueue struct {
	mu    sync.Mutex
	items []Item
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Append(_ context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.items {
		if existing.Submission.UUID == item.Submission.UUID {
			return fmt.Errorf("uuid %s already queued", item.Submission.UUID)
		}
	}
	q.items = append(q.items, item)
	return nil
}

func (q *MemoryQueue) Items(_ context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out, nil
}

func (q *MemoryQueue) Put(_ context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Submission.UUID == item.Submission.UUID {
			q.items[i] = item
			return nil
		}
	}
	return fmt.Errorf("%w %s", errUnknownItem, item.Submission.UUID)
}

func (q *MemoryQueue) Remove(_ context.Context, uuid string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Submission.UUID == uuid {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return nil
}

// FileQueue is a LocalQueue persisted as a JSON document. Every change is
// written to a temporary file and renamed over the previous one.
type FileQueue struct {
	path string
	mem  MemoryQueue
	mu   sync.Mutex
}

// OpenFileQueue loads the queue at path, creating it on first use.
func OpenFileQueue(path string) (*FileQueue, error) {
	q := &FileQueue{path: path}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return q, nil
	case err != nil:
		return nil, fmt.Errorf("read local queue: %w", err)
	}
	if err := json.Unmarshal(raw, &q.mem.items); err != nil {
		return nil, fmt.Errorf("decode local queue %s: %w", path, err)
	}
	return q, nil
}

func (q *FileQueue) Append(ctx context.Context, item Item) error {
	return q.change(func() error { return q.mem.Append(ctx, item) })
}

func (q *FileQueue) Items(ctx context.Context) ([]Item, error) {
	return q.mem.Items(ctx)
}

func (q *FileQueue) Put(ctx context.Context, item Item) error {
	return q.change(func() error { return q.mem.Put(ctx, item) })
}

func (q *FileQueue) Remove(ctx context.Context, uuid string) error {
	return q.change(func() error { return q.mem.Remove(ctx, uuid) })
}

func (q *FileQueue) change(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	items, _ := q.mem.Items(context.Background())
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode local queue: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(q.path), ".queue-*")
	if err != nil {
		return fmt.Errorf("write local queue: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write local queue: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync local queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write local queue: %w", err)
	}
	return os.Rename(tmp.Name(), q.path)
}
