package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the queue and conflict schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate sync store: %w", err)
	}
	return nil
}

// Postgres is the durable Store.
type Postgres struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the Postgres store.
type Option func(*Postgres)

// WithMaxRetries sets the maximum in-place retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(p *Postgres) {
		p.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between in-place retries.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Postgres) {
		p.retryDelay = d
	}
}

// NewPostgres constructs a store over pool.
func NewPostgres(pool *pgxpool.Pool, opts ...Option) *Postgres {
	p := &Postgres{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

const entryColumns = `id, uuid, tenant_id, user_id, action, entity_type, entity_id, payload, base_version,
status, error_message, retry_count, next_attempt_at, claimed_by, claimed_at, conflict_id,
applied_entity_id, applied_version, synced_at, created_at, updated_at`

const conflictColumns = `id, entry_id, tenant_id, user_id, entity_type, entity_id, action,
local_version, server_version, base_version, base_state, overlapping_fields, merge_candidate,
resolution, resolved_version, resolved_by, resolved_at, detected_at`

func (p *Postgres) Enqueue(ctx context.Context, entry types.SyncQueueEntry) (types.SyncQueueEntry, bool, error) {
	defer observe("enqueue", time.Now())

	status := entry.Status
	if status == "" {
		status = types.StatusPending
	}
	payload := entry.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	var (
		stored   types.SyncQueueEntry
		inserted bool
	)
	err := p.retry(ctx, "enqueue", func(ctx context.Context) error {
		var err error
		stored, err = scanEntry(p.pool.QueryRow(ctx, `
INSERT INTO sync_queue (uuid, tenant_id, user_id, action, entity_type, entity_id, payload, base_version, status, error_message, synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (tenant_id, uuid) DO NOTHING
RETURNING `+entryColumns,
			entry.UUID, string(entry.TenantID), string(entry.UserID), string(entry.Action), string(entry.EntityType),
			nullString(string(entry.EntityID)), []byte(payload), versionArg(entry.BaseVersion),
			string(status), entry.ErrorMessage, entry.SyncedAt))
		if err == nil {
			inserted = true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		inserted = false
		stored, err = p.GetByUUID(ctx, entry.TenantID, entry.UUID)
		return err
	})
	if err != nil {
		return types.SyncQueueEntry{}, false, fmt.Errorf("enqueue %s: %w", entry.UUID, err)
	}
	return stored, inserted, nil
}

func (p *Postgres) GetEntry(ctx context.Context, tenant types.TenantID, id int64) (types.SyncQueueEntry, error) {
	return scanEntry(p.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM sync_queue WHERE tenant_id = $1 AND id = $2`, string(tenant), id))
}

func (p *Postgres) GetByUUID(ctx context.Context, tenant types.TenantID, uuid string) (types.SyncQueueEntry, error) {
	return scanEntry(p.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM sync_queue WHERE tenant_id = $1 AND uuid = $2`, string(tenant), uuid))
}

func (p *Postgres) ListEntries(ctx context.Context, filter EntryFilter) ([]types.SyncQueueEntry, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+entryColumns+`
FROM sync_queue
WHERE tenant_id = $1 AND ($2 = '' OR user_id = $2) AND updated_at >= $3
ORDER BY updated_at, id
LIMIT $4`, string(filter.TenantID), string(filter.UserID), filter.Since, listLimit(filter.Limit))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// Claim leases up to req.Limit claimable entries. An entry whose entity has an
// earlier unsettled entry stays behind it; SKIP LOCKED lets concurrent workers
// take disjoint batches.
func (p *Postgres) Claim(ctx context.Context, req ClaimRequest) ([]types.SyncQueueEntry, error) {
	ctx, span := storeTracer.Start(ctx, "storage.Claim", trace.WithAttributes(
		attribute.String("worker", req.Worker),
		attribute.Int("limit", req.Limit),
	))
	defer span.End()
	defer observe("claim", time.Now())

	var claimed []types.SyncQueueEntry
	err := p.retry(ctx, "claim", func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, `
WITH candidates AS (
    SELECT q.id
    FROM sync_queue q
    WHERE ((q.status = 'pending' AND q.next_attempt_at <= $2)
        OR (q.status = 'processing' AND q.claimed_at < $3))
      AND NOT EXISTS (
          SELECT 1 FROM sync_queue e
          WHERE q.entity_id IS NOT NULL
            AND e.tenant_id = q.tenant_id
            AND e.entity_type = q.entity_type
            AND e.entity_id = q.entity_id
            AND e.id < q.id
            AND e.status IN ('pending', 'processing', 'conflict'))
    ORDER BY q.tenant_id, q.user_id, q.entity_id NULLS FIRST, q.created_at, q.id
    LIMIT $4
    FOR UPDATE OF q SKIP LOCKED
)
UPDATE sync_queue s
SET status = 'processing', claimed_by = $1, claimed_at = $2, updated_at = $2
FROM candidates c
WHERE s.id = c.id
RETURNING `+prefixed("s.", entryColumns),
			req.Worker, req.Now, req.Now.Add(-req.LeaseTimeout), req.Limit)
		if err != nil {
			return err
		}
		claimed, err = collectEntries(rows)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("claim: %w", err)
	}

	sort.SliceStable(claimed, func(i, j int) bool { return claimOrder(claimed[i], claimed[j]) })
	claimedEntries.Observe(float64(len(claimed)))
	span.SetAttributes(attribute.Int("claimed", len(claimed)))
	return claimed, nil
}

func claimOrder(x, y types.SyncQueueEntry) bool {
	switch {
	case x.TenantID != y.TenantID:
		return x.TenantID < y.TenantID
	case x.UserID != y.UserID:
		return x.UserID < y.UserID
	case x.EntityID != y.EntityID:
		return x.EntityID < y.EntityID
	case !x.CreatedAt.Equal(y.CreatedAt):
		return x.CreatedAt.Before(y.CreatedAt)
	}
	return x.ID < y.ID
}

func (p *Postgres) Settle(ctx context.Context, id int64, worker string, s Settlement) (types.SyncQueueEntry, error) {
	defer observe("settle", time.Now())

	now := s.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	inc := 0
	if s.IncRetry {
		inc = 1
	}
	var next *time.Time
	if !s.NextAttemptAt.IsZero() {
		next = &s.NextAttemptAt
	}

	var settled types.SyncQueueEntry
	err := p.retry(ctx, "settle", func(ctx context.Context) error {
		var err error
		settled, err = scanEntry(p.pool.QueryRow(ctx, `
UPDATE sync_queue
SET status = $3,
    error_message = $4,
    retry_count = retry_count + $5::int,
    next_attempt_at = COALESCE($6, next_attempt_at),
    applied_entity_id = COALESCE($7, applied_entity_id),
    applied_version = COALESCE($8, applied_version),
    synced_at = CASE WHEN $3 IN ('completed', 'failed') THEN $9 ELSE synced_at END,
    claimed_by = NULL,
    claimed_at = NULL,
    updated_at = $9
WHERE id = $1 AND status = 'processing' AND claimed_by = $2
RETURNING `+entryColumns,
			id, worker, string(s.Status), s.ErrorMessage, inc, next,
			nullString(string(s.AppliedEntityID)), versionArg(s.AppliedVersion), now))
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return types.SyncQueueEntry{}, ErrLeaseLost
	}
	if err != nil {
		return types.SyncQueueEntry{}, fmt.Errorf("settle entry %d: %w", id, err)
	}
	return settled, nil
}

func (p *Postgres) RaiseConflict(ctx context.Context, worker string, c types.SyncConflict) (types.SyncConflict, types.SyncQueueEntry, error) {
	defer observe("raise_conflict", time.Now())

	var (
		stored types.SyncConflict
		entry  types.SyncQueueEntry
	)
	err := p.retry(ctx, "raise_conflict", func(ctx context.Context) error {
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var held bool
		err = tx.QueryRow(ctx, `
SELECT true FROM sync_queue
WHERE id = $1 AND status = 'processing' AND claimed_by = $2
FOR UPDATE`, c.EntryID, worker).Scan(&held)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return err
		}

		args, err := conflictArgs(c)
		if err != nil {
			return err
		}
		stored, err = scanConflict(tx.QueryRow(ctx, `
INSERT INTO sync_conflicts (entry_id, tenant_id, user_id, entity_type, entity_id, action,
    local_version, server_version, base_version, base_state, overlapping_fields, merge_candidate)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING `+conflictColumns, args...))
		if err != nil {
			return err
		}

		entry, err = scanEntry(tx.QueryRow(ctx, `
UPDATE sync_queue
SET status = 'conflict', conflict_id = $2, error_message = '',
    claimed_by = NULL, claimed_at = NULL, updated_at = now()
WHERE id = $1
RETURNING `+entryColumns, c.EntryID, stored.ID))
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return types.SyncConflict{}, types.SyncQueueEntry{}, fmt.Errorf("raise conflict for entry %d: %w", c.EntryID, err)
	}
	return stored, entry, nil
}

func (p *Postgres) GetConflict(ctx context.Context, tenant types.TenantID, id int64) (types.SyncConflict, error) {
	return scanConflict(p.pool.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE tenant_id = $1 AND id = $2`, string(tenant), id))
}

func (p *Postgres) ListConflicts(ctx context.Context, filter ConflictFilter) ([]types.SyncConflict, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+conflictColumns+`
FROM sync_conflicts
WHERE tenant_id = $1 AND ($2 = '' OR user_id = $2) AND ($3 = '' OR resolution = $3)
ORDER BY id
LIMIT $4`, string(filter.TenantID), string(filter.UserID), string(filter.Resolution), listLimit(filter.Limit))
	if err != nil {
		return nil, err
	}
	return collectConflicts(rows)
}

// ResolveConflict locks the conflict row for the duration of fn, so concurrent
// resolutions of the same conflict serialize and only the first succeeds.
func (p *Postgres) ResolveConflict(ctx context.Context, tenant types.TenantID, id int64, fn ResolveFunc) (types.SyncConflict, types.SyncQueueEntry, error) {
	ctx, span := storeTracer.Start(ctx, "storage.ResolveConflict", trace.WithAttributes(attribute.Int64("conflict_id", id)))
	defer span.End()
	defer observe("resolve_conflict", time.Now())

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return types.SyncConflict{}, types.SyncQueueEntry{}, err
	}
	defer tx.Rollback(ctx)

	current, err := scanConflict(tx.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, string(tenant), id))
	if err != nil {
		return types.SyncConflict{}, types.SyncQueueEntry{}, err
	}
	if current.Resolution.Final() {
		return types.SyncConflict{}, types.SyncQueueEntry{}, ErrAlreadyResolved
	}

	res, err := fn(ctx, current)
	if err != nil {
		return types.SyncConflict{}, types.SyncQueueEntry{}, err
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now().UTC()
	}

	resolvedVersion, err := nullableJSON(res.ResolvedVersion)
	if err != nil {
		return types.SyncConflict{}, types.SyncQueueEntry{}, err
	}
	resolved, err := scanConflict(tx.QueryRow(ctx, `
UPDATE sync_conflicts
SET resolution = $2, resolved_version = $3, resolved_by = $4, resolved_at = $5
WHERE id = $1
RETURNING `+conflictColumns, id, string(res.Resolution), resolvedVersion, res.ResolvedBy, res.ResolvedAt))
	if err != nil {
		return types.SyncConflict{}, types.SyncQueueEntry{}, err
	}

	entry, err := scanEntry(tx.QueryRow(ctx, `
UPDATE sync_queue
SET status = $2,
    base_version = COALESCE($3, base_version),
    applied_entity_id = COALESCE($4, applied_entity_id),
    applied_version = COALESCE($5, applied_version),
    next_attempt_at = $6,
    synced_at = CASE WHEN $2 IN ('completed', 'failed') THEN $6 ELSE synced_at END,
    error_message = COALESCE($7, error_message),
    updated_at = $6
WHERE id = $1 AND status = 'conflict'
RETURNING `+entryColumns,
		resolved.EntryID, string(res.EntryStatus), versionArg(res.EntryBase),
		nullString(string(res.AppliedEntityID)), versionArg(res.AppliedVersion), res.ResolvedAt,
		nullString(res.EntryError)))
	if errors.Is(err, ErrNotFound) {
		entry, err = scanEntry(tx.QueryRow(ctx,
			`SELECT `+entryColumns+` FROM sync_queue WHERE id = $1`, resolved.EntryID))
	}
	if err != nil {
		return types.SyncConflict{}, types.SyncQueueEntry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.SyncConflict{}, types.SyncQueueEntry{}, err
	}
	return resolved, entry, nil
}

func (p *Postgres) RefreshConflict(ctx context.Context, c types.SyncConflict) error {
	server, err := json.Marshal(c.ServerVersion)
	if err != nil {
		return fmt.Errorf("marshal server version: %w", err)
	}
	baseState, err := nullableJSON(c.BaseState)
	if err != nil {
		return err
	}
	overlapping, err := nullableList(c.Overlapping)
	if err != nil {
		return err
	}
	candidate, err := nullableJSON(c.MergeCandidate)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `
UPDATE sync_conflicts
SET server_version = $3, base_state = $4, overlapping_fields = $5, merge_candidate = $6
WHERE tenant_id = $1 AND id = $2 AND resolution = 'pending'`,
		string(c.TenantID), c.ID, server, baseState, overlapping, candidate)
	if err != nil {
		return fmt.Errorf("refresh conflict %d: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (p *Postgres) ListResolvedAfter(ctx context.Context, after ArchiveCursor, limit int) ([]types.SyncConflict, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+conflictColumns+`
FROM sync_conflicts
WHERE resolution <> 'pending' AND (resolved_at, id) > ($1, $2)
ORDER BY resolved_at, id
LIMIT $3`, after.ResolvedAt, after.ID, listLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectConflicts(rows)
}

func (p *Postgres) ArchiveCheckpoint(ctx context.Context, name string) (ArchiveCursor, error) {
	var cursor ArchiveCursor
	err := p.pool.QueryRow(ctx, `
SELECT last_resolved_at, last_id FROM sync_archive_checkpoints WHERE name = $1`, name).
		Scan(&cursor.ResolvedAt, &cursor.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ArchiveCursor{}, nil
	}
	return cursor, err
}

func (p *Postgres) SaveArchiveCheckpoint(ctx context.Context, name string, cursor ArchiveCursor) error {
	return p.retry(ctx, "checkpoint", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `
INSERT INTO sync_archive_checkpoints (name, last_resolved_at, last_id)
VALUES ($1, $2, $3)
ON CONFLICT (name)
DO UPDATE SET last_resolved_at = EXCLUDED.last_resolved_at, last_id = EXCLUDED.last_id, checkpointed_at = now()`,
			name, cursor.ResolvedAt, cursor.ID)
		return err
	})
}

func (p *Postgres) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := p.retryDelay
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retriable(err) || attempt == p.maxRetries {
			return err
		}
		storeRetries.WithLabelValues(op).Inc()
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// retriable excludes deadlines: a caller whose context expired gets the error
// back rather than another attempt.
func retriable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return syncerr.IsTransient(err)
}

func observe(op string, start time.Time) {
	queryLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
