package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/offline-sync/internal/conflict"
	"github.com/example/offline-sync/internal/domain"
	"github.com/example/offline-sync/internal/schema"
	"github.com/example/offline-sync/internal/storage"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
	"github.com/example/offline-sync/internal/vault"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, types.StatusEvent) error { return nil }
func (nopNotifier) Wake(context.Context) error                       { return nil }

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *clock
	store    *storage.Memory
	services *domain.Registry
	resolver *conflict.Resolver
	proc     *Processor
}

func newHarness(t *testing.T, cfg Config, services ...domain.Service) *harness {
	t.Helper()
	if len(services) == 0 {
		services = domain.Defaults(vault.NewMemory())
	}
	registry, err := domain.NewRegistry(services...)
	require.NoError(t, err)
	schemas := schema.NewRegistry()
	require.NoError(t, registry.RegisterSchemas(schemas))

	clk := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := storage.NewMemory(storage.WithClock(clk.Now))
	detector := conflict.NewDetector(32)
	logger := zerolog.New(io.Discard)
	resolver := conflict.NewResolver(store, registry, schemas, detector, nopNotifier{}, logger, conflict.WithClock(clk.Now))

	return &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    clk,
		store:    store,
		services: registry,
		resolver: resolver,
		proc:     New(store, registry, detector, nopNotifier{}, cfg, logger, WithClock(clk.Now), WithResolver(resolver)),
	}
}

func (h *harness) service(entityType types.EntityType) domain.Service {
	svc, ok := h.services.Lookup(entityType)
	require.True(h.t, ok)
	return svc
}

// seed creates an entity directly through its service and returns its id.
func (h *harness) seed(entityType types.EntityType, fields types.Fields) types.EntityID {
	h.t.Helper()
	res, err := h.service(entityType).Apply(h.ctx, domain.ApplyRequest{TenantID: "t1", Action: types.ActionCreate, Fields: fields})
	require.NoError(h.t, err)
	return res.EntityID
}

func (h *harness) enqueue(user types.UserID, uuid string, action types.Action, entityType types.EntityType, id types.EntityID, payload string, base *types.Version) types.SyncQueueEntry {
	h.t.Helper()
	entry, inserted, err := h.store.Enqueue(h.ctx, types.SyncQueueEntry{
		UUID: uuid, TenantID: "t1", UserID: user, Action: action,
		EntityType: entityType, EntityID: id, Payload: json.RawMessage(payload), BaseVersion: base,
	})
	require.NoError(h.t, err)
	require.True(h.t, inserted)
	return entry
}

// drain runs claim rounds until nothing is claimable.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 20; i++ {
		n, err := h.proc.RunOnce(h.ctx, "w1")
		require.NoError(h.t, err)
		if n == 0 {
			return
		}
	}
	h.t.Fatal("queue did not drain")
}

func (h *harness) entry(id int64) types.SyncQueueEntry {
	h.t.Helper()
	e, err := h.store.GetEntry(h.ctx, "t1", id)
	require.NoError(h.t, err)
	return e
}

func (h *harness) current(entityType types.EntityType, id types.EntityID) types.State {
	h.t.Helper()
	state, err := h.service(entityType).CurrentVersion(h.ctx, "t1", id)
	require.NoError(h.t, err)
	return state
}

func TestCreateCompletesWithAppliedID(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.enqueue("u1", "c1", types.ActionCreate, types.EntityTimeEntry, "", `{"date":"2025-03-01","minutes":90}`, nil)

	h.drain()

	got := h.entry(e.ID)
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotEmpty(t, got.AppliedEntityID)
	assert.Equal(t, types.VersionPtr(1), got.AppliedVersion)
	assert.NotNil(t, got.SyncedAt)
	assert.Equal(t, float64(90), h.current(types.EntityTimeEntry, got.AppliedEntityID).Fields["minutes"])
}

func TestUpdateAtCurrentVersionApplies(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seed(types.EntityTask, types.Fields{"title": "Foo"})
	e := h.enqueue("u1", "a", types.ActionUpdate, types.EntityTask, id, `{"title":"Bar"}`, types.VersionPtr(1))

	h.drain()

	got := h.entry(e.ID)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, types.VersionPtr(2), got.AppliedVersion)
	assert.Equal(t, "Bar", h.current(types.EntityTask, id).Fields["title"])
}

func TestConcurrentEditRaisesSingleConflict(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seed(types.EntityTimeEntry, types.Fields{"date": "2025-03-01", "minutes": 30, "description": "orig"})

	a := h.enqueue("uA", "a", types.ActionUpdate, types.EntityTimeEntry, id, `{"description":"A text"}`, types.VersionPtr(1))
	b := h.enqueue("uB", "b", types.ActionUpdate, types.EntityTimeEntry, id, `{"description":"B text"}`, types.VersionPtr(1))

	h.drain()

	assert.Equal(t, types.StatusCompleted, h.entry(a.ID).Status)
	gotB := h.entry(b.ID)
	require.Equal(t, types.StatusConflict, gotB.Status)
	require.NotNil(t, gotB.ConflictID)

	conflicts, err := h.store.ListConflicts(h.ctx, storage.ConflictFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, types.ResolutionPending, c.Resolution)
	assert.Equal(t, "B text", c.LocalVersion["description"])
	assert.Equal(t, "A text", c.ServerVersion.Fields["description"])
	assert.Equal(t, types.Version(2), c.ServerVersion.Version)
	assert.Equal(t, types.VersionPtr(1), c.BaseVersion)
	assert.Equal(t, []string{"description"}, c.Overlapping)

	// The entity keeps A's text until someone decides.
	assert.Equal(t, "A text", h.current(types.EntityTimeEntry, id).Fields["description"])

	// Manual resolution, then the re-drive completes B's entry.
	_, redriven, err := h.resolver.Resolve(h.ctx, "t1", c.ID, conflict.Request{
		Resolution:      types.ResolutionManual,
		ResolvedVersion: types.Fields{"description": "merged text"},
		ResolvedBy:      "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, redriven.Status)
	assert.Equal(t, types.VersionPtr(3), redriven.BaseVersion)

	h.drain()

	gotB = h.entry(b.ID)
	assert.Equal(t, types.StatusCompleted, gotB.Status)
	assert.Equal(t, types.VersionPtr(3), gotB.AppliedVersion)
	state := h.current(types.EntityTimeEntry, id)
	assert.Equal(t, types.Version(3), state.Version)
	assert.Equal(t, "merged text", state.Fields["description"])
}

func TestDisjointEditsAutoMerge(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seed(types.EntityTask, types.Fields{"title": "Foo", "status": "open"})

	a := h.enqueue("uA", "a", types.ActionUpdate, types.EntityTask, id, `{"status":"done"}`, types.VersionPtr(1))
	b := h.enqueue("uB", "b", types.ActionUpdate, types.EntityTask, id, `{"title":"Bar"}`, types.VersionPtr(1))

	h.drain()

	assert.Equal(t, types.StatusCompleted, h.entry(a.ID).Status)
	gotB := h.entry(b.ID)
	assert.Equal(t, types.StatusCompleted, gotB.Status)
	require.NotNil(t, gotB.ConflictID)

	c, err := h.store.GetConflict(h.ctx, "t1", *gotB.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionMerged, c.Resolution)
	assert.Equal(t, conflict.ActorAutoMerge, c.ResolvedBy)

	state := h.current(types.EntityTask, id)
	assert.Equal(t, types.Fields{"title": "Bar", "status": "done"}, state.Fields)
	assert.Equal(t, types.Version(3), state.Version)
}

func TestLockedInvoiceFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	id := h.seed(types.EntityInvoice, types.Fields{"number": "INV-7", "client_id": "c1", "status": "sent"})
	e := h.enqueue("u1", "inv", types.ActionUpdate, types.EntityInvoice, id, `{"notes":"late fee"}`, types.VersionPtr(1))

	h.drain()

	got := h.entry(e.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "entity locked", got.ErrorMessage)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.ConflictID)
}

func TestLockedEntityWithStaleBaseFails(t *testing.T) {
	h := newHarness(t, Config{})
	invoice := h.seed(types.EntityInvoice, types.Fields{"number": "INV-8", "client_id": "c1", "status": "draft"})
	_, err := h.service(types.EntityInvoice).Apply(h.ctx, domain.ApplyRequest{
		TenantID: "t1", Action: types.ActionUpdate, EntityID: invoice,
		Fields: types.Fields{"status": "sent"}, Expected: types.VersionPtr(1),
	})
	require.NoError(t, err)

	task := h.seed(types.EntityTask, types.Fields{"title": "Foo"})
	_, err = h.service(types.EntityTask).Apply(h.ctx, domain.ApplyRequest{
		TenantID: "t1", Action: types.ActionUpdate, EntityID: task,
		Fields: types.Fields{"title": "Baz"}, Expected: types.VersionPtr(1),
	})
	require.NoError(t, err)
	require.NoError(t, h.service(types.EntityTask).(domain.Locker).Lock(h.ctx, "t1", task))

	inv := h.enqueue("u1", "inv", types.ActionUpdate, types.EntityInvoice, invoice, `{"amount_cents":1200}`, types.VersionPtr(1))
	tsk := h.enqueue("u1", "tsk", types.ActionUpdate, types.EntityTask, task, `{"title":"Bar"}`, types.VersionPtr(1))

	h.drain()

	for _, id := range []int64{inv.ID, tsk.ID} {
		got := h.entry(id)
		assert.Equal(t, types.StatusFailed, got.Status)
		assert.Equal(t, "entity locked", got.ErrorMessage)
		assert.Nil(t, got.ConflictID)
	}
	conflicts, err := h.store.ListConflicts(h.ctx, storage.ConflictFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestInvalidManualResolutionKeepsConflictPending(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seed(types.EntityTask, types.Fields{"title": "Foo"})
	h.enqueue("uA", "a", types.ActionUpdate, types.EntityTask, id, `{"title":"A"}`, types.VersionPtr(1))
	b := h.enqueue("uB", "b", types.ActionUpdate, types.EntityTask, id, `{"title":"B"}`, types.VersionPtr(1))
	h.drain()

	gotB := h.entry(b.ID)
	require.Equal(t, types.StatusConflict, gotB.Status)
	_, _, err := h.resolver.Resolve(h.ctx, "t1", *gotB.ConflictID, conflict.Request{
		Resolution:      types.ResolutionManual,
		ResolvedVersion: types.Fields{"title": 42, "status": "bogus", "nonsense": true},
		ResolvedBy:      "uB",
	})
	require.Error(t, err)
	assert.True(t, syncerr.IsValidation(err))

	h.drain()
	assert.Equal(t, types.StatusConflict, h.entry(b.ID).Status)
	state := h.current(types.EntityTask, id)
	assert.Equal(t, types.Fields{"title": "A"}, state.Fields)
	assert.Equal(t, types.Version(2), state.Version)
}

func TestRefusedResolutionUnblocksEntity(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seed(types.EntityInvoice, types.Fields{"number": "INV-9", "client_id": "c1", "status": "draft", "amount_cents": 100})
	h.enqueue("uA", "a", types.ActionUpdate, types.EntityInvoice, id, `{"amount_cents":200}`, types.VersionPtr(1))
	b := h.enqueue("uB", "b", types.ActionUpdate, types.EntityInvoice, id, `{"amount_cents":300}`, types.VersionPtr(1))
	h.drain()

	gotB := h.entry(b.ID)
	require.Equal(t, types.StatusConflict, gotB.Status)

	// The invoice is sent while the conflict waits.
	_, err := h.service(types.EntityInvoice).Apply(h.ctx, domain.ApplyRequest{
		TenantID: "t1", Action: types.ActionUpdate, EntityID: id,
		Fields: types.Fields{"status": "sent"}, Expected: types.VersionPtr(2),
	})
	require.NoError(t, err)
	later := h.enqueue("uB", "c", types.ActionUpdate, types.EntityInvoice, id, `{"amount_cents":400}`, types.VersionPtr(3))

	_, _, err = h.resolver.Resolve(h.ctx, "t1", *gotB.ConflictID, conflict.Request{Resolution: types.ResolutionLocalWins, ResolvedBy: "uB"})
	require.Error(t, err)
	assert.True(t, syncerr.IsDomainRejected(err))

	h.drain()
	gotB = h.entry(b.ID)
	assert.Equal(t, types.StatusFailed, gotB.Status)
	assert.Equal(t, "entity locked", gotB.ErrorMessage)
	gotLater := h.entry(later.ID)
	assert.Equal(t, types.StatusFailed, gotLater.Status)
	assert.Equal(t, "entity locked", gotLater.ErrorMessage)
}

func TestUpdateOfMissingEntityFails(t *testing.T) {
	h := newHarness(t, Config{})
	e := h.enqueue("u1", "x", types.ActionUpdate, types.EntityTask, "nope", `{"title":"Bar"}`, types.VersionPtr(1))

	h.drain()

	got := h.entry(e.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "entity not found", got.ErrorMessage)
}

func TestDuplicateCreateRaisesConflict(t *testing.T) {
	h := newHarness(t, Config{})
	existing := h.seed(types.EntityProject, types.Fields{"name": "Website"})
	e := h.enqueue("u1", "p", types.ActionCreate, types.EntityProject, "", `{"name":"Website"}`, nil)

	h.drain()

	got := h.entry(e.ID)
	require.Equal(t, types.StatusConflict, got.Status)
	c, err := h.store.GetConflict(h.ctx, "t1", *got.ConflictID)
	require.NoError(t, err)
	assert.True(t, c.DuplicateCreate())
	assert.Equal(t, existing, c.EntityID)
	assert.Equal(t, conflict.KindDuplicateCreate, conflict.KindOf(c))
}

// flakyTasks wraps a task service whose applies always time out.
type flakyTasks struct {
	domain.Service
	mu    sync.Mutex
	calls int
}

func (f *flakyTasks) Apply(context.Context, domain.ApplyRequest) (domain.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return domain.ApplyResult{}, syncerr.Transient("lock timeout", context.DeadlineExceeded)
}

func TestTransientFailuresAreBounded(t *testing.T) {
	v := vault.NewMemory()
	tasks := domain.NewRecordService(types.EntityTask, v)
	flaky := &flakyTasks{Service: tasks}
	cfg := Config{MaxRetries: 2, BackoffBase: time.Second, BackoffMax: time.Minute}
	h := newHarness(t, cfg, flaky)

	res, err := tasks.Apply(h.ctx, domain.ApplyRequest{TenantID: "t1", Action: types.ActionCreate, Fields: types.Fields{"title": "Foo"}})
	require.NoError(t, err)
	e := h.enqueue("u1", "a", types.ActionUpdate, types.EntityTask, res.EntityID, `{"title":"Bar"}`, types.VersionPtr(1))

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		h.drain()
		got := h.entry(e.ID)
		require.Equal(t, types.StatusPending, got.Status, "attempt %d", attempt)
		require.Equal(t, attempt, got.RetryCount)
		assert.True(t, h.clock.Now().Add(cfg.Backoff(attempt)).Equal(got.NextAttemptAt))

		// Not claimable before the backoff elapses.
		n, err := h.proc.RunOnce(h.ctx, "w1")
		require.NoError(t, err)
		require.Zero(t, n)
		h.clock.Advance(cfg.Backoff(attempt))
	}

	h.drain()
	got := h.entry(e.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, cfg.MaxRetries+1, got.RetryCount)
	assert.Equal(t, cfg.MaxRetries+1, flaky.calls)

	h.clock.Advance(time.Hour)
	h.drain()
	assert.Equal(t, cfg.MaxRetries+1, flaky.calls)
}

func TestBackoff(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, BackoffMax: 10 * time.Second}.withDefaults()
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 8*time.Second, cfg.Backoff(4))
	assert.Equal(t, 10*time.Second, cfg.Backoff(5))
	assert.Equal(t, 10*time.Second, cfg.Backoff(64))
}

func TestPerEntityOrdering(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.seed(types.EntityTask, types.Fields{"title": "v1"})
	first := h.enqueue("u1", "1", types.ActionUpdate, types.EntityTask, id, `{"title":"v2"}`, types.VersionPtr(1))
	second := h.enqueue("u1", "2", types.ActionUpdate, types.EntityTask, id, `{"title":"v3"}`, types.VersionPtr(2))
	other := h.enqueue("u1", "3", types.ActionCreate, types.EntityTask, "", `{"title":"other"}`, nil)

	n, err := h.proc.RunOnce(h.ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the second update waits for the first")
	assert.Equal(t, types.StatusCompleted, h.entry(first.ID).Status)
	assert.Equal(t, types.StatusPending, h.entry(second.ID).Status)
	assert.Equal(t, types.StatusCompleted, h.entry(other.ID).Status)

	h.drain()
	assert.Equal(t, types.StatusCompleted, h.entry(second.ID).Status)
	assert.Equal(t, "v3", h.current(types.EntityTask, id).Fields["title"])
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	h := newHarness(t, Config{LeaseTimeout: time.Minute})
	e := h.enqueue("u1", "c", types.ActionCreate, types.EntityTask, "", `{"title":"Foo"}`, nil)

	claimed, err := h.store.Claim(h.ctx, storage.ClaimRequest{Worker: "crashed", Limit: 1, Now: h.clock.Now(), LeaseTimeout: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := h.proc.RunOnce(h.ctx, "w2")
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Minute)
	h.drain()
	assert.Equal(t, types.StatusCompleted, h.entry(e.ID).Status)

	// The crashed worker's late settlement is refused.
	_, err = h.store.Settle(h.ctx, e.ID, "crashed", storage.Settlement{Status: types.StatusFailed})
	assert.ErrorIs(t, err, storage.ErrLeaseLost)
}

func TestWorkersDrainQueue(t *testing.T) {
	h := newHarness(t, Config{Workers: 3, BatchSize: 2, PollInterval: 10 * time.Millisecond})
	var ids []int64
	for _, uuid := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, h.enqueue("u1", uuid, types.ActionCreate, types.EntityTask, "", `{"title":"t"}`, nil).ID)
	}

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	h.proc.Start(ctx)
	h.proc.Wake()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if h.entry(id).Status != types.StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	h.proc.Wait()
}

func TestWorkersKeepPerEntityOrder(t *testing.T) {
	h := newHarness(t, Config{Workers: 4, BatchSize: 3, PollInterval: 5 * time.Millisecond})
	id := h.seed(types.EntityTask, types.Fields{"title": "v1"})

	const edits = 12
	var updates, creates []int64
	for i := 1; i <= edits; i++ {
		payload := fmt.Sprintf(`{"title":"v%d"}`, i+1)
		updates = append(updates, h.enqueue("u1", fmt.Sprintf("u-%d", i), types.ActionUpdate, types.EntityTask, id, payload, types.VersionPtr(types.Version(i))).ID)
		creates = append(creates, h.enqueue("u2", fmt.Sprintf("c-%d", i), types.ActionCreate, types.EntityTask, "", `{"title":"other"}`, nil).ID)
	}

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	h.proc.Start(ctx)
	h.proc.Wake()

	require.Eventually(t, func() bool {
		for _, entryID := range append(append([]int64{}, updates...), creates...) {
			if h.entry(entryID).Status != types.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	h.proc.Wait()

	// Each update applied exactly on top of its predecessor.
	for i, entryID := range updates {
		got := h.entry(entryID)
		assert.Nil(t, got.ConflictID, "update %d", i+1)
		assert.Equal(t, types.VersionPtr(types.Version(i+2)), got.AppliedVersion, "update %d", i+1)
	}
	state := h.current(types.EntityTask, id)
	assert.Equal(t, types.Version(edits+1), state.Version)
	assert.Equal(t, fmt.Sprintf("v%d", edits+1), state.Fields["title"])
}
