package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/offline-sync/internal/types"
)

func TestPolicySetDecide(t *testing.T) {
	ps, err := NewPolicySet(map[types.EntityType]string{
		types.EntityTimeEntry: `action == "delete" ? "pending" : (server_version - base_version > 5 ? "server_wins" : "local_wins")`,
		types.EntityTask:      `"status" in overlapping && server["status"] == "done" ? "server_wins" : "pending"`,
		types.EntityProject:   "",
	})
	require.NoError(t, err)
	assert.True(t, ps.Has(types.EntityTimeEntry))
	assert.False(t, ps.Has(types.EntityProject))

	decision, err := ps.Decide(types.SyncConflict{
		EntityType: types.EntityTimeEntry, Action: types.ActionUpdate,
		BaseVersion: types.VersionPtr(3), ServerVersion: types.State{Version: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionLocalWins, decision)

	decision, err = ps.Decide(types.SyncConflict{
		EntityType: types.EntityTask, Action: types.ActionUpdate,
		Overlapping:   []string{"status"},
		ServerVersion: types.State{Version: 9, Fields: types.Fields{"status": "done"}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionServerWins, decision)

	decision, err = ps.Decide(types.SyncConflict{EntityType: types.EntityInvoice})
	require.NoError(t, err)
	assert.Equal(t, types.ResolutionPending, decision)
}

func TestPolicySetRejectsBadExpressions(t *testing.T) {
	_, err := NewPolicySet(map[types.EntityType]string{types.EntityTask: `server_version + 1`})
	assert.Error(t, err)

	_, err = NewPolicySet(map[types.EntityType]string{types.EntityTask: `unknown_var == "x" ? "a" : "b"`})
	assert.Error(t, err)

	ps, err := NewPolicySet(map[types.EntityType]string{types.EntityTask: `"merged"`})
	require.NoError(t, err)
	_, err = ps.Decide(types.SyncConflict{EntityType: types.EntityTask})
	assert.Error(t, err)
}
