// Package conflict detects divergence between a client's intended change and
// the authoritative state, and resolves the resulting conflicts.
package conflict

import (
	"context"
	"fmt"

	"github.com/example/offline-sync/internal/domain"
	"github.com/example/offline-sync/internal/types"
)

// Kind names the shape of a conflict.
type Kind string

const (
	KindFieldMerge      Kind = "field_merge"
	KindFieldOverlap    Kind = "field_overlap"
	KindWholeRecord     Kind = "whole_record"
	KindDelete          Kind = "delete"
	KindDuplicateCreate Kind = "duplicate_create"
)

// KindOf classifies an already detected conflict.
func KindOf(c types.SyncConflict) Kind {
	switch {
	case c.DuplicateCreate():
		return KindDuplicateCreate
	case c.Action == types.ActionDelete:
		return KindDelete
	case c.BaseState == nil:
		return KindWholeRecord
	case c.MergeCandidate != nil:
		return KindFieldMerge
	default:
		return KindFieldOverlap
	}
}

// Detector builds SyncConflict records. Base states are loaded through the
// domain service's optional HistoryReader and cached.
type Detector struct {
	bases *baseCache
}

// NewDetector returns a detector caching up to cacheSize base states.
func NewDetector(cacheSize int) *Detector {
	return &Detector{bases: newBaseCache(cacheSize)}
}

// LoadBase returns the entity state at version, or nil when the service keeps
// no history or the version is gone.
func (d *Detector) LoadBase(ctx context.Context, svc domain.Service, tenant types.TenantID, id types.EntityID, version types.Version) *types.State {
	history, ok := svc.(domain.HistoryReader)
	if !ok {
		return nil
	}
	key := baseKey{Tenant: tenant, EntityType: svc.EntityType(), EntityID: id, Version: version}
	if state, ok := d.bases.Get(key); ok {
		return &state
	}
	state, err := history.StateAt(ctx, tenant, id, version)
	if err != nil {
		return nil
	}
	d.bases.Add(key, state)
	return &state
}

// Detect builds the conflict for entry against server. entityID is the
// divergent entity, which for a duplicate create is the existing one.
func (d *Detector) Detect(entry types.SyncQueueEntry, entityID types.EntityID, server types.State, base *types.State) (types.SyncConflict, error) {
	payload, err := types.DecodeFields(entry.Payload)
	if err != nil {
		return types.SyncConflict{}, fmt.Errorf("detect: %w", err)
	}

	c := types.SyncConflict{
		EntryID:       entry.ID,
		TenantID:      entry.TenantID,
		UserID:        entry.UserID,
		EntityType:    entry.EntityType,
		EntityID:      entityID,
		Action:        entry.Action,
		ServerVersion: types.State{Version: server.Version, Fields: server.Fields.Clone()},
		Resolution:    types.ResolutionPending,
	}
	if entry.BaseVersion != nil {
		v := *entry.BaseVersion
		c.BaseVersion = &v
	}

	switch entry.Action {
	case types.ActionCreate:
		// Duplicate create: base stays absent.
		c.BaseVersion = nil
		c.LocalVersion = payload
	case types.ActionDelete:
		c.LocalVersion = types.Fields{}
		if base != nil {
			c.BaseState = base.Fields.Clone()
		}
	default:
		if base != nil {
			c.BaseState = base.Fields.Clone()
			c.LocalVersion = overlay(base.Fields, payload)
		} else {
			c.LocalVersion = payload
		}
	}

	analyze(&c)
	return c, nil
}

// Refresh replaces the server snapshot of c and recomputes its merge analysis.
func (d *Detector) Refresh(c types.SyncConflict, server types.State) types.SyncConflict {
	c.ServerVersion = types.State{Version: server.Version, Fields: server.Fields.Clone()}
	analyze(&c)
	return c
}

// analyze fills Overlapping and MergeCandidate. Only updates with a known base
// state are eligible for a field-level merge.
func analyze(c *types.SyncConflict) {
	c.Overlapping = nil
	c.MergeCandidate = nil
	if c.Action != types.ActionUpdate || c.BaseState == nil || c.BaseVersion == nil {
		return
	}

	localChanged := changedKeys(c.BaseState, c.LocalVersion, sortedKeys(c.LocalVersion))
	serverChanged := changedKeys(c.BaseState, c.ServerVersion.Fields, nil)

	overlap := intersect(localChanged, serverChanged)
	// Both sides arriving at the same value is not a real collision.
	var real []string
	for _, k := range overlap {
		if !sameValue(c.LocalVersion[k], c.ServerVersion.Fields[k]) {
			real = append(real, k)
		}
	}
	if len(real) > 0 {
		c.Overlapping = real
		return
	}

	candidate := c.ServerVersion.Fields.Clone()
	if candidate == nil {
		candidate = types.Fields{}
	}
	for _, k := range localChanged {
		candidate[k] = c.LocalVersion[k]
	}
	c.Overlapping = []string{}
	c.MergeCandidate = candidate
}
