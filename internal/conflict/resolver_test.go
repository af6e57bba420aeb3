package conflict

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/offline-sync/internal/domain"
	"github.com/example/offline-sync/internal/schema"
	"github.com/example/offline-sync/internal/storage"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
	"github.com/example/offline-sync/internal/vault"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.StatusEvent
	wakes  int
}

func (n *recordingNotifier) Publish(_ context.Context, ev types.StatusEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Wake(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wakes++
	return nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *storage.Memory
	services *domain.Registry
	tasks    *domain.RecordService
	projects *domain.RecordService
	detector *Detector
	notifier *recordingNotifier
	resolver *Resolver
}

func newFixture(t *testing.T, opts ...ResolverOption) *fixture {
	t.Helper()
	v := vault.NewMemory()
	ids := 0
	nextID := func() types.EntityID {
		ids++
		return types.EntityID(strconv.Itoa(41 + ids))
	}
	tasks := domain.NewRecordService(types.EntityTask, v, domain.WithIDGenerator(nextID))
	projects := domain.NewRecordService(types.EntityProject, v, domain.WithNaturalKey("name"), domain.WithIDGenerator(nextID))
	services, err := domain.NewRegistry(tasks, projects)
	require.NoError(t, err)
	schemas := schema.NewRegistry()
	require.NoError(t, services.RegisterSchemas(schemas))

	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    storage.NewMemory(),
		services: services,
		tasks:    tasks,
		projects: projects,
		detector: NewDetector(16),
		notifier: &recordingNotifier{},
	}
	f.resolver = NewResolver(f.store, services, schemas, f.detector, f.notifier, zerolog.New(io.Discard), opts...)
	return f
}

func (f *fixture) apply(svc domain.Service, req domain.ApplyRequest) domain.ApplyResult {
	f.t.Helper()
	req.TenantID = "t1"
	res, err := svc.Apply(f.ctx, req)
	require.NoError(f.t, err)
	return res
}

// raise queues entry, claims it and records the conflict the detector builds
// against the service's current state.
func (f *fixture) raise(svc domain.Service, entry types.SyncQueueEntry, entityID types.EntityID) types.SyncConflict {
	f.t.Helper()
	entry.TenantID, entry.UserID, entry.EntityType = "t1", "u1", svc.EntityType()
	stored, _, err := f.store.Enqueue(f.ctx, entry)
	require.NoError(f.t, err)
	_, err = f.store.Claim(f.ctx, storage.ClaimRequest{Worker: "w1", Limit: 10, Now: time.Now().UTC()})
	require.NoError(f.t, err)

	server, err := svc.CurrentVersion(f.ctx, "t1", entityID)
	require.NoError(f.t, err)
	var base *types.State
	if stored.BaseVersion != nil {
		base = f.detector.LoadBase(f.ctx, svc, "t1", entityID, *stored.BaseVersion)
	}
	c, err := f.detector.Detect(stored, entityID, server, base)
	require.NoError(f.t, err)
	c, _, err = f.store.RaiseConflict(f.ctx, "w1", c)
	require.NoError(f.t, err)
	return c
}

// seedDivergedTask creates task 42 at v1 {title: Foo, status: open} and moves
// the server to v2 with serverPatch.
func (f *fixture) seedDivergedTask(serverPatch types.Fields) {
	f.apply(f.tasks, domain.ApplyRequest{Action: types.ActionCreate, Fields: types.Fields{"title": "Foo", "status": "open"}})
	f.apply(f.tasks, domain.ApplyRequest{Action: types.ActionUpdate, EntityID: "42", Fields: serverPatch, Expected: types.VersionPtr(1)})
}

func taskUpdate(uuid, payload string, base types.Version) types.SyncQueueEntry {
	return types.SyncQueueEntry{UUID: uuid, Action: types.ActionUpdate, EntityID: "42", Payload: json.RawMessage(payload), BaseVersion: types.VersionPtr(base)}
}

func TestResolveLocalWins(t *testing.T) {
	f := newFixture(t)
	f.seedDivergedTask(types.Fields{"title": "Baz"})
	c := f.raise(f.tasks, taskUpdate("a", `{"title":"Bar"}`, 1), "42")
	require.Equal(t, []string{"title"}, c.Overlapping)

	resolved, entry, err := f.resolver.Resolve(f.ctx, "t1", c.ID, Request{Resolution: types.ResolutionLocalWins, ResolvedBy: "u1"})
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionLocalWins, resolved.Resolution)
	assert.Equal(t, "u1", resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)

	assert.Equal(t, types.StatusPending, entry.Status)
	require.NotNil(t, entry.BaseVersion)
	assert.Equal(t, types.Version(3), *entry.BaseVersion)
	assert.Equal(t, types.VersionPtr(3), entry.AppliedVersion)

	current, err := f.tasks.CurrentVersion(f.ctx, "t1", "42")
	require.NoError(t, err)
	assert.Equal(t, "Bar", current.Fields["title"])
	assert.Equal(t, types.Version(3), current.Version)

	_, _, err = f.resolver.Resolve(f.ctx, "t1", c.ID, Request{Resolution: types.ResolutionServerWins, ResolvedBy: "u1"})
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	assert.Len(t, f.notifier.events, 1)
	assert.Equal(t, 1, f.notifier.wakes)
}

func TestResolveServerWinsCompletesWithoutMutation(t *testing.T) {
	f := newFixture(t)
	f.seedDivergedTask(types.Fields{"title": "Baz"})
	c := f.raise(f.tasks, taskUpdate("a", `{"title":"Bar"}`, 1), "42")

	_, entry, err := f.resolver.Resolve(f.ctx, "t1", c.ID, Request{Resolution: types.ResolutionServerWins, ResolvedBy: "u1"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, entry.Status)
	assert.Equal(t, types.VersionPtr(2), entry.AppliedVersion)

	current, err := f.tasks.CurrentVersion(f.ctx, "t1", "42")
	require.NoError(t, err)
	assert.Equal(t, types.Version(2), current.Version)
	assert.Equal(t, 0, f.notifier.wakes)
}

func TestResolveRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	f.seedDivergedTask(types.Fields{"title": "Baz"})
	c := f.raise(f.tasks, taskUpdate("a", `{"title":"Bar"}`, 1), "42")

	_, _, err := f.resolver.Resolve(f.ctx, "t1", c.ID, Request{Resolution: types.ResolutionMerged, ResolvedBy: "u1"})
	assert.True(t, syncerr.IsValidation(err))

	_, _, err = f.resolver.Resolve(f.ctx, "t1", c.ID, Request{Resolution: types.ResolutionManual, ResolvedBy: "u1"})
	assert.True(t, syncerr.IsValidation(err))

	_, _, err = f.resolver.Resolve(f.ctx, "t1", c.ID, Request{Resolution: types.ResolutionPending, ResolvedBy: "u1"})
	assert.True(t, syncerr.IsValidation(err))

	_, _, err = f.resolver.Resolve(f.ctx, "t2", c.ID, Request{Resolution: types.ResolutionServerWins, ResolvedBy: "u1"})
	assert.True(t, syncerr.IsNotFound(err))

	still, err := f.resolver.Get(f.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionPending, still.Resolution)
}

func TestResolveManualValidatesState(t *testing.T) {
	f := newFixture(t)
	f.seedDivergedTask(types.Fields{"title": "Baz"})
	c := f.raise(f.tasks, taskUpdate("a", `{"title":"Bar"}`, 1), "42")

	_, _, err := f.resolver.Resolve(f.ctx, "t1", c.ID, Request{
		Resolution: types.ResolutionManual, ResolvedBy: "u1",
		ResolvedVersion: types.Fields{"title": 42, "status": "bogus", "nonsense": true},
	})
	require.Error(t, err)
	assert.True(t, syncerr.IsValidation(err))

	still, err := f.resolver.Get(f.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionPending, still.Resolution)
	current, err := f.tasks.CurrentVersion(f.ctx, "t1", "42")
	require.NoError(t, err)
	assert.Equal(t, types.Fields{"title": "Baz", "status": "open"}, current.Fields)

	_, _, err = f.resolver.Resolve(f.ctx, "t1", c.ID, Request{
		Resolution: types.ResolutionManual, ResolvedBy: "u1",
		ResolvedVersion: types.Fields{"title": "Bar and Baz", "status": "in_progress"},
	})
	require.NoError(t, err)
}

func TestResolveDuplicateCreateManualRequiresCreateFields(t *testing.T) {
	f := newFixture(t)
	existing := f.apply(f.projects, domain.ApplyRequest{Action: types.ActionCreate, Fields: types.Fields{"name": "Website"}})
	c := f.raise(f.projects, types.SyncQueueEntry{UUID: "p", Action: types.ActionCreate, Payload: json.RawMessage(`{"name":"Website"}`)}, existing.EntityID)

	_, _, err := f.resolver.Resolve(f.ctx, "t1", c.ID, Request{
		Resolution: types.ResolutionManual, ResolvedBy: "u1",
		ResolvedVersion: types.Fields{"archived": true},
	})
	assert.True(t, syncerr.IsValidation(err))
}

func TestResolveDomainRefusalFailsEntry(t *testing.T) {
	f := newFixture(t)
	f.seedDivergedTask(types.Fields{"title": "Baz"})
	c := f.raise(f.tasks, taskUpdate("a", `{"title":"Bar"}`, 1), "42")
	require.NoError(t, f.tasks.Lock(f.ctx, "t1", "42"))

	resolved, entry, err := f.resolver.Resolve(f.ctx, "t1", c.ID, Request{Resolution: types.ResolutionLocalWins, ResolvedBy: "u1"})
	require.Error(t, err)
	assert.True(t, syncerr.IsDomainRejected(err))

	assert.Equal(t, types.ResolutionServerWins, resolved.Resolution)
	assert.Equal(t, ActorDomainRejected, resolved.ResolvedBy)
	assert.Equal(t, types.StatusFailed, entry.Status)
	assert.Equal(t, "entity locked", entry.ErrorMessage)

	stored, err := f.store.GetEntry(f.ctx, "t1", c.EntryID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.NotNil(t, stored.SyncedAt)

	_, _, err = f.resolver.Resolve(f.ctx, "t1", c.ID, Request{Resolution: types.ResolutionServerWins, ResolvedBy: "u1"})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, types.StatusFailed, f.notifier.events[0].Status)
	assert.Zero(t, f.notifier.wakes)
}

func TestResolveStaleConflictRefreshes(t *testing.T) {
	f := newFixture(t)
	f.seedDivergedTask(types.Fields{"title": "Baz"})
	c := f.raise(f.tasks, taskUpdate("a", `{"title":"Bar"}`, 1), "42")

	// Someone else edits after detection.
	f.apply(f.tasks, domain.ApplyRequest{Action: types.ActionUpdate, EntityID: "42", Fields: types.Fields{"status": "done"}, Expected: types.VersionPtr(2)})

	_, _, err := f.resolver.Resolve(f.ctx, "t1", c.ID, Request{Resolution: types.ResolutionLocalWins, ResolvedBy: "u1"})
	require.ErrorIs(t, err, ErrStaleConflict)

	refreshed, err := f.resolver.Get(f.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionPending, refreshed.Resolution)
	assert.Equal(t, types.Version(3), refreshed.ServerVersion.Version)
	assert.Equal(t, "done", refreshed.ServerVersion.Fields["status"])

	// The refreshed snapshot is resolvable.
	_, _, err = f.resolver.Resolve(f.ctx, "t1", c.ID, Request{Resolution: types.ResolutionLocalWins, ResolvedBy: "u1"})
	require.NoError(t, err)
}

func TestResolveDuplicateCreateManualCreatesNewEntity(t *testing.T) {
	f := newFixture(t)
	existing := f.apply(f.projects, domain.ApplyRequest{Action: types.ActionCreate, Fields: types.Fields{"name": "Website"}})

	c := f.raise(f.projects, types.SyncQueueEntry{UUID: "p", Action: types.ActionCreate, Payload: json.RawMessage(`{"name":"Website"}`)}, existing.EntityID)
	require.True(t, c.DuplicateCreate())

	_, entry, err := f.resolver.Resolve(f.ctx, "t1", c.ID, Request{
		Resolution: types.ResolutionManual, ResolvedBy: "u1",
		ResolvedVersion: types.Fields{"name": "Website (mobile)"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, existing.EntityID, entry.AppliedEntityID)
	assert.Equal(t, types.StatusPending, entry.Status)

	created, err := f.projects.CurrentVersion(f.ctx, "t1", entry.AppliedEntityID)
	require.NoError(t, err)
	assert.Equal(t, "Website (mobile)", created.Fields["name"])
}

func TestAutoResolveMergesDisjointChanges(t *testing.T) {
	f := newFixture(t)
	f.seedDivergedTask(types.Fields{"status": "done"})
	c := f.raise(f.tasks, taskUpdate("a", `{"title":"Bar"}`, 1), "42")
	require.NotNil(t, c.MergeCandidate)

	ok, err := f.resolver.AutoResolve(f.ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)

	resolved, err := f.resolver.Get(f.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionMerged, resolved.Resolution)
	assert.Equal(t, ActorAutoMerge, resolved.ResolvedBy)

	current, err := f.tasks.CurrentVersion(f.ctx, "t1", "42")
	require.NoError(t, err)
	assert.Equal(t, types.Fields{"title": "Bar", "status": "done"}, current.Fields)
}

func TestAutoResolveUsesPolicy(t *testing.T) {
	policies, err := NewPolicySet(map[types.EntityType]string{types.EntityTask: `"server_wins"`})
	require.NoError(t, err)
	f := newFixture(t, WithPolicies(policies))
	f.seedDivergedTask(types.Fields{"title": "Baz"})
	c := f.raise(f.tasks, taskUpdate("a", `{"title":"Bar"}`, 1), "42")

	ok, err := f.resolver.AutoResolve(f.ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)

	resolved, err := f.resolver.Get(f.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionServerWins, resolved.Resolution)
	assert.Equal(t, ActorPolicy, resolved.ResolvedBy)
}

func TestAutoResolveLeavesOverlapPending(t *testing.T) {
	f := newFixture(t)
	f.seedDivergedTask(types.Fields{"title": "Baz"})
	c := f.raise(f.tasks, taskUpdate("a", `{"title":"Bar"}`, 1), "42")

	ok, err := f.resolver.AutoResolve(f.ctx, c)
	require.NoError(t, err)
	assert.False(t, ok)
}
