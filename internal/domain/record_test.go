package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/offline-sync/internal/schema"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
	"github.com/example/offline-sync/internal/vault"
)

func sequentialIDs(ids ...types.EntityID) func() types.EntityID {
	i := 0
	return func() types.EntityID {
		id := ids[i]
		i++
		return id
	}
}

func TestRecordServiceUpdateFlow(t *testing.T) {
	ctx := context.Background()
	svc := NewRecordService(types.EntityTask, vault.NewMemory(), WithIDGenerator(sequentialIDs("42")))

	created, err := svc.Apply(ctx, ApplyRequest{TenantID: "t1", Action: types.ActionCreate, Fields: types.Fields{"title": "Foo"}})
	require.NoError(t, err)
	assert.Equal(t, types.EntityID("42"), created.EntityID)
	assert.Equal(t, types.Version(1), created.State.Version)

	updated, err := svc.Apply(ctx, ApplyRequest{
		TenantID: "t1", Action: types.ActionUpdate, EntityID: "42",
		Fields: types.Fields{"status": "done"}, Expected: types.VersionPtr(1),
	})
	require.NoError(t, err)
	assert.Equal(t, types.Version(2), updated.State.Version)
	assert.Equal(t, types.Fields{"title": "Foo", "status": "done"}, updated.State.Fields)

	_, err = svc.Apply(ctx, ApplyRequest{
		TenantID: "t1", Action: types.ActionUpdate, EntityID: "42",
		Fields: types.Fields{"title": "Bar"}, Expected: types.VersionPtr(1),
	})
	cr, ok := syncerr.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, types.Version(2), cr.Current.Version)

	base, err := svc.StateAt(ctx, "t1", "42", 1)
	require.NoError(t, err)
	assert.Equal(t, types.Fields{"title": "Foo"}, base.Fields)
}

func TestRecordServiceNaturalKeyDuplicate(t *testing.T) {
	ctx := context.Background()
	svc := NewRecordService(types.EntityProject, vault.NewMemory(),
		WithNaturalKey("name"), WithIDGenerator(sequentialIDs("p1", "p2")))

	_, err := svc.Apply(ctx, ApplyRequest{TenantID: "t1", Action: types.ActionCreate, Fields: types.Fields{"name": "Website"}})
	require.NoError(t, err)

	_, err = svc.Apply(ctx, ApplyRequest{TenantID: "t1", Action: types.ActionCreate, Fields: types.Fields{"name": "Website"}})
	cr, ok := syncerr.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, types.EntityID("p1"), cr.EntityID)
}

func TestRecordServiceLockedAndMissing(t *testing.T) {
	ctx := context.Background()
	var svc Service
	for _, s := range Defaults(vault.NewMemory()) {
		if s.EntityType() == types.EntityInvoice {
			svc = s
		}
	}
	require.NotNil(t, svc)

	res, err := svc.Apply(ctx, ApplyRequest{TenantID: "t1", Action: types.ActionCreate, Fields: types.Fields{"number": "2024-001", "client_id": "c1", "status": "sent"}})
	require.NoError(t, err)

	_, err = svc.Apply(ctx, ApplyRequest{
		TenantID: "t1", Action: types.ActionUpdate, EntityID: res.EntityID,
		Fields: types.Fields{"amount_cents": 100}, Expected: types.VersionPtr(1),
	})
	require.Error(t, err)
	assert.True(t, syncerr.IsDomainRejected(err))
	assert.Equal(t, "entity locked", syncerr.UserMessage(err))

	_, err = svc.CurrentVersion(ctx, "t1", "missing")
	assert.Equal(t, "entity not found", syncerr.UserMessage(err))
}

func TestRegistrySchemas(t *testing.T) {
	reg, err := NewRegistry(Defaults(vault.NewMemory())...)
	require.NoError(t, err)
	assert.Len(t, reg.Types(), 5)

	schemas := schema.NewRegistry()
	require.NoError(t, reg.RegisterSchemas(schemas))
	assert.True(t, schemas.Known(types.EntityInvoice))

	_, err = NewRegistry(NewRecordService(types.EntityTask, nil), NewRecordService(types.EntityTask, nil))
	assert.Error(t, err)
}
