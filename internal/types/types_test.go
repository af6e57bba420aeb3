package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFields(t *testing.T) {
	fields, err := DecodeFields(json.RawMessage(`{"title":"Bar","estimate":3}`))
	require.NoError(t, err)
	assert.Equal(t, "Bar", fields["title"])
	assert.Equal(t, float64(3), fields["estimate"])

	empty, err := DecodeFields(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeFields(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestStatusSettled(t *testing.T) {
	assert.True(t, StatusCompleted.Settled())
	assert.True(t, StatusFailed.Settled())
	assert.False(t, StatusConflict.Settled())
	assert.False(t, StatusPending.Settled())
	assert.False(t, StatusProcessing.Settled())
}

func TestEntityKeyIsolatesCreates(t *testing.T) {
	a := SyncQueueEntry{TenantID: "t1", EntityType: EntityTask, UUID: "u1", Action: ActionCreate}
	b := SyncQueueEntry{TenantID: "t1", EntityType: EntityTask, UUID: "u2", Action: ActionCreate}
	assert.NotEqual(t, a.EntityKey(), b.EntityKey())

	c := SyncQueueEntry{TenantID: "t1", EntityType: EntityTask, EntityID: "42", UUID: "u3"}
	d := SyncQueueEntry{TenantID: "t1", EntityType: EntityTask, EntityID: "42", UUID: "u4"}
	assert.Equal(t, c.EntityKey(), d.EntityKey())

	other := SyncQueueEntry{TenantID: "t2", EntityType: EntityTask, EntityID: "42"}
	assert.NotEqual(t, c.EntityKey(), other.EntityKey())
}

func TestConflictResolutions(t *testing.T) {
	dup := SyncConflict{Resolution: ResolutionPending}
	assert.Equal(t, []Resolution{ResolutionLocalWins, ResolutionServerWins, ResolutionManual}, dup.Resolutions())

	mergeable := SyncConflict{Resolution: ResolutionPending, BaseVersion: VersionPtr(3), MergeCandidate: Fields{"a": 1}}
	assert.Contains(t, mergeable.Resolutions(), ResolutionMerged)

	done := SyncConflict{Resolution: ResolutionManual}
	assert.Nil(t, done.Resolutions())
}
