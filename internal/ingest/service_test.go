package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/offline-sync/internal/auth"
	"github.com/example/offline-sync/internal/domain"
	"github.com/example/offline-sync/internal/schema"
	"github.com/example/offline-sync/internal/storage"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
	"github.com/example/offline-sync/internal/vault"
)

const (
	uuidA = "3f2504e0-4f89-11d3-9a0c-0305e82c3301"
	uuidB = "6fa459ea-ee8a-3ca4-894e-db77e160355e"
	uuidC = "16fd2706-8baf-433b-82eb-8c7fada847da"
)

type countingNotifier struct {
	mu    sync.Mutex
	wakes int
}

func (n *countingNotifier) Publish(context.Context, types.StatusEvent) error { return nil }

func (n *countingNotifier) Wake(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wakes++
	return nil
}

var alice = auth.Session{TenantID: "t1", UserID: "alice"}

func newService(t *testing.T) (*Service, *storage.Memory, *countingNotifier) {
	t.Helper()
	services, err := domain.NewRegistry(domain.Defaults(vault.NewMemory())...)
	require.NoError(t, err)
	schemas := schema.NewRegistry()
	require.NoError(t, services.RegisterSchemas(schemas))

	store := storage.NewMemory()
	notifier := &countingNotifier{}
	return NewService(store, schemas, notifier, zerolog.New(io.Discard)), store, notifier
}

func taskUpdate(id string) types.Submission {
	return types.Submission{
		UUID: id, Action: types.ActionUpdate, EntityType: types.EntityTask,
		EntityID: "42", Payload: json.RawMessage(`{"title":"Bar"}`), BaseVersion: types.VersionPtr(5),
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	svc, store, notifier := newService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, alice, []types.Submission{taskUpdate(uuidA)})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, ItemQueued, first[0].Status)
	assert.Equal(t, types.StatusPending, first[0].EntryStatus)

	for i := 0; i < 3; i++ {
		again, err := svc.Submit(ctx, alice, []types.Submission{taskUpdate(strings.ToUpper(uuidA))})
		require.NoError(t, err)
		assert.Equal(t, ItemDuplicate, again[0].Status)
		assert.Equal(t, first[0].EntryID, again[0].EntryID)
		assert.Equal(t, uuidA, again[0].UUID)
	}

	entries, err := store.ListEntries(ctx, storage.EntryFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, notifier.wakes, "duplicates do not wake processors")
}

func TestSubmitRejectsForeignIdentity(t *testing.T) {
	svc, store, notifier := newService(t)
	ctx := context.Background()

	ok := taskUpdate(uuidA)
	foreign := taskUpdate(uuidB)
	foreign.TenantID = "t2"

	_, err := svc.Submit(ctx, alice, []types.Submission{ok, foreign})
	require.Error(t, err)
	assert.True(t, syncerr.IsAuthorization(err))

	impersonating := taskUpdate(uuidC)
	impersonating.UserID = "bob"
	_, err = svc.Submit(ctx, alice, []types.Submission{impersonating})
	assert.True(t, syncerr.IsAuthorization(err))

	entries, err := store.ListEntries(ctx, storage.EntryFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, notifier.wakes)
}

func TestSubmitRejectsMalformedItems(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	badUUID := taskUpdate("not-a-uuid")
	unknownType := taskUpdate(uuidA)
	unknownType.EntityType = "expense"
	createWithID := types.Submission{UUID: uuidB, Action: types.ActionCreate, EntityType: types.EntityTask, EntityID: "9", Payload: json.RawMessage(`{"title":"x"}`)}
	updateWithoutBase := taskUpdate(uuidC)
	updateWithoutBase.BaseVersion = nil
	unknownAction := taskUpdate("0b9e3c44-5c55-4e8a-9d9f-2b4f1a1e7c10")
	unknownAction.Action = "upsert"

	results, err := svc.Submit(ctx, alice, []types.Submission{badUUID, unknownType, createWithID, updateWithoutBase, unknownAction})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.Equal(t, ItemRejected, r.Status, r.UUID)
		assert.Zero(t, r.EntryID)
		assert.NotEmpty(t, r.Error)
	}
	assert.Contains(t, results[1].Error, "unknown entity_type")
	assert.Contains(t, results[3].Error, "requires base_version")

	entries, err := store.ListEntries(ctx, storage.EntryFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitQueuesSchemaInvalidAsFailed(t *testing.T) {
	svc, store, notifier := newService(t)
	ctx := context.Background()

	sub := types.Submission{
		UUID: uuidA, Action: types.ActionCreate, EntityType: types.EntityTimeEntry,
		Payload: json.RawMessage(`{"date":"2025-03-01","minutes":5000}`),
	}
	results, err := svc.Submit(ctx, alice, []types.Submission{sub})
	require.NoError(t, err)
	require.Equal(t, ItemQueued, results[0].Status)
	assert.Equal(t, types.StatusFailed, results[0].EntryStatus)

	entry, err := store.GetByUUID(ctx, "t1", uuidA)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "minutes")
	assert.NotNil(t, entry.SyncedAt)
	assert.Zero(t, notifier.wakes)
}

func TestLookupIsScopedToUser(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, alice, []types.Submission{taskUpdate(uuidA)})
	require.NoError(t, err)

	view, err := svc.Lookup(ctx, alice, uuidA)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, view.Status)
	assert.Nil(t, view.Conflict)

	_, err = svc.Lookup(ctx, auth.Session{TenantID: "t1", UserID: "bob"}, uuidA)
	assert.True(t, syncerr.IsNotFound(err))

	_, err = svc.Lookup(ctx, auth.Session{TenantID: "t2", UserID: "alice"}, uuidA)
	assert.True(t, syncerr.IsNotFound(err))
}

func TestEntryViewCarriesConflict(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, alice, []types.Submission{taskUpdate(uuidA)})
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, storage.ClaimRequest{Worker: "w", Limit: 1, Now: time.Now().UTC()})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, _, err = store.RaiseConflict(ctx, "w", types.SyncConflict{
		EntryID: claimed[0].ID, TenantID: "t1", UserID: "alice", EntityType: types.EntityTask, EntityID: "42",
		Action: types.ActionUpdate, LocalVersion: types.Fields{"title": "Bar"},
		ServerVersion: types.State{Version: 6, Fields: types.Fields{"title": "Baz"}}, BaseVersion: types.VersionPtr(5),
	})
	require.NoError(t, err)

	views, err := svc.Since(ctx, alice, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].Conflict)
	assert.Equal(t, types.Version(6), views[0].Conflict.ServerVersion.Version)
	assert.Contains(t, views[0].Conflict.Resolutions, types.ResolutionServerWins)
}

func TestHTTPSubmitAndQuery(t *testing.T) {
	svc, _, _ := newService(t)
	h := NewHTTPHandler(svc, zerolog.New(io.Discard))
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/entries", h.Submit)
	mux.HandleFunc("GET /sync/entries", h.List)
	srv := httptest.NewServer(auth.Middleware(auth.HeaderAuthenticator{}, zerolog.New(io.Discard), mux))
	defer srv.Close()

	do := func(method, path, body, tenant string) *http.Response {
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if tenant != "" {
			req.Header.Set(auth.HeaderTenant, tenant)
			req.Header.Set(auth.HeaderUser, "alice")
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	body := `{"entries":[{"uuid":"` + uuidA + `","action":"create","entity_type":"task","payload":{"title":"Foo"}}]}`
	resp := do(http.MethodPost, "/sync/entries", body, "t1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Len(t, out.Results, 1)
	assert.Equal(t, ItemQueued, out.Results[0].Status)

	resp = do(http.MethodGet, "/sync/entries?uuid="+uuidA, "", "t1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Entries []EntryView `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed.Entries, 1)
	assert.Equal(t, out.Results[0].EntryID, listed.Entries[0].ID)

	foreign := `{"entries":[{"uuid":"` + uuidB + `","tenant_id":"t9","action":"create","entity_type":"task","payload":{"title":"x"}}]}`
	resp = do(http.MethodPost, "/sync/entries", foreign, "t1")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = do(http.MethodPost, "/sync/entries", body, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = do(http.MethodGet, "/sync/entries?since=yesterday", "", "t1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
