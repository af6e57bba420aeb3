package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/offline-sync/internal/types"
)

// Memory is an in-process Store with the same ordering, gating and lease
// semantics as Postgres.
type Memory struct {
	mu          sync.Mutex
	entries     []types.SyncQueueEntry
	byUUID      map[string]int
	conflicts   []types.SyncConflict
	resolving   map[int64]bool
	checkpoints map[string]ArchiveCursor
	now         func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory returns an empty store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		byUUID:      make(map[string]int),
		resolving:   make(map[int64]bool),
		checkpoints: make(map[string]ArchiveCursor),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func uuidKey(tenant types.TenantID, uuid string) string {
	return string(tenant) + "\x00" + uuid
}

func (m *Memory) Enqueue(_ context.Context, entry types.SyncQueueEntry) (types.SyncQueueEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := uuidKey(entry.TenantID, entry.UUID)
	if idx, ok := m.byUUID[key]; ok {
		return m.entries[idx], false, nil
	}

	now := m.now()
	entry.ID = int64(len(m.entries) + 1)
	if entry.Status == "" {
		entry.Status = types.StatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = entry.CreatedAt
	if entry.NextAttemptAt.IsZero() {
		entry.NextAttemptAt = entry.CreatedAt
	}
	m.entries = append(m.entries, entry)
	m.byUUID[key] = len(m.entries) - 1
	return entry, true, nil
}

func (m *Memory) GetEntry(_ context.Context, tenant types.TenantID, id int64) (types.SyncQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id <= 0 || int(id) > len(m.entries) || m.entries[id-1].TenantID != tenant {
		return types.SyncQueueEntry{}, ErrNotFound
	}
	return m.entries[id-1], nil
}

func (m *Memory) GetByUUID(_ context.Context, tenant types.TenantID, uuid string) (types.SyncQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byUUID[uuidKey(tenant, uuid)]
	if !ok {
		return types.SyncQueueEntry{}, ErrNotFound
	}
	return m.entries[idx], nil
}

func (m *Memory) ListEntries(_ context.Context, filter EntryFilter) ([]types.SyncQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.SyncQueueEntry
	for _, e := range m.entries {
		if e.TenantID != filter.TenantID || (filter.UserID != "" && e.UserID != filter.UserID) {
			continue
		}
		if e.UpdatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := listLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) claimable(e types.SyncQueueEntry, req ClaimRequest) bool {
	switch e.Status {
	case types.StatusPending:
		return !e.NextAttemptAt.After(req.Now)
	case types.StatusProcessing:
		return e.ClaimedAt != nil && e.ClaimedAt.Before(req.Now.Add(-req.LeaseTimeout))
	}
	return false
}

// gated reports whether an earlier unsettled entry exists for the same entity.
func (m *Memory) gated(e types.SyncQueueEntry) bool {
	if e.EntityID == "" {
		return false
	}
	for _, other := range m.entries[:e.ID-1] {
		if other.TenantID == e.TenantID && other.EntityType == e.EntityType &&
			other.EntityID == e.EntityID && !other.Status.Settled() {
			return true
		}
	}
	return false
}

func (m *Memory) Claim(_ context.Context, req ClaimRequest) ([]types.SyncQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []int
	for i, e := range m.entries {
		if m.claimable(e, req) && !m.gated(e) {
			candidates = append(candidates, i)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return claimOrder(m.entries[candidates[a]], m.entries[candidates[b]])
	})
	if req.Limit > 0 && len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	out := make([]types.SyncQueueEntry, 0, len(candidates))
	for _, idx := range candidates {
		at := req.Now
		e := &m.entries[idx]
		e.Status = types.StatusProcessing
		e.ClaimedBy = req.Worker
		e.ClaimedAt = &at
		e.UpdatedAt = req.Now
		out = append(out, *e)
	}
	return out, nil
}

func (m *Memory) held(id int64, worker string) (*types.SyncQueueEntry, error) {
	if id <= 0 || int(id) > len(m.entries) {
		return nil, ErrNotFound
	}
	e := &m.entries[id-1]
	if e.Status != types.StatusProcessing || e.ClaimedBy != worker {
		return nil, ErrLeaseLost
	}
	return e, nil
}

func (m *Memory) Settle(_ context.Context, id int64, worker string, s Settlement) (types.SyncQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.held(id, worker)
	if err != nil {
		return types.SyncQueueEntry{}, err
	}
	now := s.Now
	if now.IsZero() {
		now = m.now()
	}
	e.Status = s.Status
	e.ErrorMessage = s.ErrorMessage
	if s.IncRetry {
		e.RetryCount++
	}
	if !s.NextAttemptAt.IsZero() {
		e.NextAttemptAt = s.NextAttemptAt
	}
	if s.AppliedEntityID != "" {
		e.AppliedEntityID = s.AppliedEntityID
	}
	if s.AppliedVersion != nil {
		v := *s.AppliedVersion
		e.AppliedVersion = &v
	}
	if s.Status.Settled() {
		e.SyncedAt = &now
	}
	e.ClaimedBy = ""
	e.ClaimedAt = nil
	e.UpdatedAt = now
	return *e, nil
}

func (m *Memory) RaiseConflict(_ context.Context, worker string, c types.SyncConflict) (types.SyncConflict, types.SyncQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.held(c.EntryID, worker)
	if err != nil {
		return types.SyncConflict{}, types.SyncQueueEntry{}, err
	}
	now := m.now()
	c.ID = int64(len(m.conflicts) + 1)
	c.Resolution = types.ResolutionPending
	if c.DetectedAt.IsZero() {
		c.DetectedAt = now
	}
	m.conflicts = append(m.conflicts, c)

	id := c.ID
	e.Status = types.StatusConflict
	e.ConflictID = &id
	e.ErrorMessage = ""
	e.ClaimedBy = ""
	e.ClaimedAt = nil
	e.UpdatedAt = now
	return c, *e, nil
}

func (m *Memory) GetConflict(_ context.Context, tenant types.TenantID, id int64) (types.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id <= 0 || int(id) > len(m.conflicts) || m.conflicts[id-1].TenantID != tenant {
		return types.SyncConflict{}, ErrNotFound
	}
	return m.conflicts[id-1], nil
}

func (m *Memory) ListConflicts(_ context.Context, filter ConflictFilter) ([]types.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.SyncConflict
	for _, c := range m.conflicts {
		if c.TenantID != filter.TenantID || (filter.UserID != "" && c.UserID != filter.UserID) {
			continue
		}
		if filter.Resolution != "" && c.Resolution != filter.Resolution {
			continue
		}
		out = append(out, c)
		if len(out) == listLimit(filter.Limit) {
			break
		}
	}
	return out, nil
}

func (m *Memory) ResolveConflict(ctx context.Context, tenant types.TenantID, id int64, fn ResolveFunc) (types.SyncConflict, types.SyncQueueEntry, error) {
	// The conflict is reserved rather than holding mu across fn, which calls
	// back into domain services.
	m.mu.Lock()
	if id <= 0 || int(id) > len(m.conflicts) || m.conflicts[id-1].TenantID != tenant {
		m.mu.Unlock()
		return types.SyncConflict{}, types.SyncQueueEntry{}, ErrNotFound
	}
	if m.resolving[id] || m.conflicts[id-1].Resolution.Final() {
		m.mu.Unlock()
		return types.SyncConflict{}, types.SyncQueueEntry{}, ErrAlreadyResolved
	}
	m.resolving[id] = true
	snapshot := m.conflicts[id-1]
	m.mu.Unlock()

	res, err := fn(ctx, snapshot)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resolving, id)
	if err != nil {
		return types.SyncConflict{}, types.SyncQueueEntry{}, err
	}

	c := &m.conflicts[id-1]
	resolvedAt := res.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = m.now()
	}
	c.Resolution = res.Resolution
	c.ResolvedVersion = res.ResolvedVersion.Clone()
	c.ResolvedBy = res.ResolvedBy
	c.ResolvedAt = &resolvedAt

	e := &m.entries[c.EntryID-1]
	if e.Status == types.StatusConflict {
		e.Status = res.EntryStatus
		if res.EntryError != "" {
			e.ErrorMessage = res.EntryError
		}
		if res.EntryBase != nil {
			v := *res.EntryBase
			e.BaseVersion = &v
		}
		if res.AppliedEntityID != "" {
			e.AppliedEntityID = res.AppliedEntityID
		}
		if res.AppliedVersion != nil {
			v := *res.AppliedVersion
			e.AppliedVersion = &v
		}
		e.NextAttemptAt = resolvedAt
		if e.Status.Settled() {
			e.SyncedAt = &resolvedAt
		}
		e.UpdatedAt = resolvedAt
	}
	return *c, *e, nil
}

func (m *Memory) RefreshConflict(_ context.Context, c types.SyncConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID <= 0 || int(c.ID) > len(m.conflicts) || m.conflicts[c.ID-1].TenantID != c.TenantID {
		return ErrNotFound
	}
	stored := &m.conflicts[c.ID-1]
	if stored.Resolution.Final() {
		return ErrAlreadyResolved
	}
	stored.ServerVersion = c.ServerVersion
	stored.BaseState = c.BaseState
	stored.Overlapping = c.Overlapping
	stored.MergeCandidate = c.MergeCandidate
	return nil
}

func (m *Memory) ListResolvedAfter(_ context.Context, after ArchiveCursor, limit int) ([]types.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.SyncConflict
	for _, c := range m.conflicts {
		if c.Resolution.Final() && after.Before(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return ArchiveCursor{ResolvedAt: *out[i].ResolvedAt, ID: out[i].ID}.Before(out[j])
	})
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) ArchiveCheckpoint(_ context.Context, name string) (ArchiveCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[name], nil
}

func (m *Memory) SaveArchiveCheckpoint(_ context.Context, name string, cursor ArchiveCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[name] = cursor
	return nil
}
