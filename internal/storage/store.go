// Package storage persists the sync queue, the conflict log and archive
// checkpoints. Postgres is the durable backend; Memory mirrors its semantics
// for tests and single-process runs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/offline-sync/internal/types"
)

var (
	// ErrNotFound is returned when a tenant-scoped lookup misses.
	ErrNotFound = errors.New("storage: not found")
	// ErrLeaseLost is returned when a worker settles an entry it no longer holds.
	ErrLeaseLost = errors.New("storage: lease lost")
	// ErrAlreadyResolved is returned when a conflict has left pending.
	ErrAlreadyResolved = errors.New("storage: conflict already resolved")
)

// ClaimRequest describes one claim round.
type ClaimRequest struct {
	Worker       string
	Limit        int
	Now          time.Time
	LeaseTimeout time.Duration
}

// Settlement is the outcome a worker records for a claimed entry.
type Settlement struct {
	Status          types.Status
	ErrorMessage    string
	IncRetry        bool
	NextAttemptAt   time.Time
	AppliedEntityID types.EntityID
	AppliedVersion  *types.Version
	Now             time.Time
}

// Resolution is what a resolver callback decides while holding the conflict.
type Resolution struct {
	Resolution      types.Resolution
	ResolvedVersion types.Fields
	ResolvedBy      string
	ResolvedAt      time.Time

	// Entry changes applied to the originating entry in the same transaction.
	EntryStatus     types.Status
	EntryError      string
	EntryBase       *types.Version
	AppliedEntityID types.EntityID
	AppliedVersion  *types.Version
}

// ResolveFunc inspects a pending conflict and returns the resolution to record.
// Returning an error aborts without changes.
type ResolveFunc func(ctx context.Context, c types.SyncConflict) (Resolution, error)

// ConflictFilter narrows ListConflicts.
type ConflictFilter struct {
	TenantID   types.TenantID
	UserID     types.UserID
	Resolution types.Resolution
	Limit      int
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	TenantID types.TenantID
	UserID   types.UserID
	Since    time.Time
	Limit    int
}

const defaultListLimit = 500

func listLimit(n int) int {
	if n <= 0 || n > defaultListLimit {
		return defaultListLimit
	}
	return n
}

// QueueStore is the sync queue contract.
type QueueStore interface {
	// Enqueue inserts entry unless (tenant_id, uuid) exists, in which case the
	// existing entry is returned with inserted=false.
	Enqueue(ctx context.Context, entry types.SyncQueueEntry) (types.SyncQueueEntry, bool, error)
	GetEntry(ctx context.Context, tenant types.TenantID, id int64) (types.SyncQueueEntry, error)
	GetByUUID(ctx context.Context, tenant types.TenantID, uuid string) (types.SyncQueueEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]types.SyncQueueEntry, error)
	Claim(ctx context.Context, req ClaimRequest) ([]types.SyncQueueEntry, error)
	Settle(ctx context.Context, id int64, worker string, s Settlement) (types.SyncQueueEntry, error)
}

// ConflictStore is the conflict log contract.
type ConflictStore interface {
	// RaiseConflict inserts c and moves the claimed entry to conflict atomically.
	RaiseConflict(ctx context.Context, worker string, c types.SyncConflict) (types.SyncConflict, types.SyncQueueEntry, error)
	GetConflict(ctx context.Context, tenant types.TenantID, id int64) (types.SyncConflict, error)
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]types.SyncConflict, error)
	// ResolveConflict holds the conflict exclusively while fn runs and commits
	// its result together with the entry update.
	ResolveConflict(ctx context.Context, tenant types.TenantID, id int64, fn ResolveFunc) (types.SyncConflict, types.SyncQueueEntry, error)
	// RefreshConflict replaces the detection snapshot of a pending conflict.
	RefreshConflict(ctx context.Context, c types.SyncConflict) error
}

// ArchiveCursor orders resolved conflicts by resolution time, then id.
type ArchiveCursor struct {
	ResolvedAt time.Time `json:"resolved_at"`
	ID         int64     `json:"id"`
}

// Before reports whether the cursor sorts before c's resolution.
func (a ArchiveCursor) Before(c types.SyncConflict) bool {
	if c.ResolvedAt == nil {
		return false
	}
	if !a.ResolvedAt.Equal(*c.ResolvedAt) {
		return a.ResolvedAt.Before(*c.ResolvedAt)
	}
	return a.ID < c.ID
}

// ArchiveStore feeds the resolved-conflict exporter.
type ArchiveStore interface {
	ListResolvedAfter(ctx context.Context, after ArchiveCursor, limit int) ([]types.SyncConflict, error)
	ArchiveCheckpoint(ctx context.Context, name string) (ArchiveCursor, error)
	SaveArchiveCheckpoint(ctx context.Context, name string, cursor ArchiveCursor) error
}

// Store is everything the service persists.
type Store interface {
	QueueStore
	ConflictStore
	ArchiveStore
}
