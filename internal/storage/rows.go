package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/offline-sync/internal/types"
)

func scanEntry(row pgx.Row) (types.SyncQueueEntry, error) {
	var (
		e              types.SyncQueueEntry
		tenant, user   string
		action, entity string
		status         string
		entityID       *string
		payload        []byte
		baseVersion    *int64
		claimedBy      *string
		appliedID      *string
		appliedVersion *int64
	)
	err := row.Scan(
		&e.ID, &e.UUID, &tenant, &user, &action, &entity, &entityID, &payload, &baseVersion,
		&status, &e.ErrorMessage, &e.RetryCount, &e.NextAttemptAt, &claimedBy, &e.ClaimedAt, &e.ConflictID,
		&appliedID, &appliedVersion, &e.SyncedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.SyncQueueEntry{}, ErrNotFound
	}
	if err != nil {
		return types.SyncQueueEntry{}, err
	}

	e.TenantID = types.TenantID(tenant)
	e.UserID = types.UserID(user)
	e.Action = types.Action(action)
	e.EntityType = types.EntityType(entity)
	e.Status = types.Status(status)
	e.Payload = json.RawMessage(payload)
	if entityID != nil {
		e.EntityID = types.EntityID(*entityID)
	}
	if baseVersion != nil {
		e.BaseVersion = types.VersionPtr(types.Version(*baseVersion))
	}
	if claimedBy != nil {
		e.ClaimedBy = *claimedBy
	}
	if appliedID != nil {
		e.AppliedEntityID = types.EntityID(*appliedID)
	}
	if appliedVersion != nil {
		e.AppliedVersion = types.VersionPtr(types.Version(*appliedVersion))
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]types.SyncQueueEntry, error) {
	defer rows.Close()
	var out []types.SyncQueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanConflict(row pgx.Row) (types.SyncConflict, error) {
	var (
		c                          types.SyncConflict
		tenant, user, entity       string
		entityID, action           string
		resolution                 string
		local, server              []byte
		baseVersion                *int64
		baseState, overlapping     []byte
		candidate, resolvedVersion []byte
		resolvedAt                 *time.Time
	)
	err := row.Scan(
		&c.ID, &c.EntryID, &tenant, &user, &entity, &entityID, &action,
		&local, &server, &baseVersion, &baseState, &overlapping, &candidate,
		&resolution, &resolvedVersion, &c.ResolvedBy, &resolvedAt, &c.DetectedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.SyncConflict{}, ErrNotFound
	}
	if err != nil {
		return types.SyncConflict{}, err
	}

	c.TenantID = types.TenantID(tenant)
	c.UserID = types.UserID(user)
	c.EntityType = types.EntityType(entity)
	c.EntityID = types.EntityID(entityID)
	c.Action = types.Action(action)
	c.Resolution = types.Resolution(resolution)
	c.ResolvedAt = resolvedAt
	if baseVersion != nil {
		c.BaseVersion = types.VersionPtr(types.Version(*baseVersion))
	}

	if c.LocalVersion, err = optionalFields(local); err != nil {
		return types.SyncConflict{}, fmt.Errorf("decode local_version: %w", err)
	}
	if err := json.Unmarshal(server, &c.ServerVersion); err != nil {
		return types.SyncConflict{}, fmt.Errorf("decode server_version: %w", err)
	}
	if c.BaseState, err = optionalFields(baseState); err != nil {
		return types.SyncConflict{}, fmt.Errorf("decode base_state: %w", err)
	}
	if c.MergeCandidate, err = optionalFields(candidate); err != nil {
		return types.SyncConflict{}, fmt.Errorf("decode merge_candidate: %w", err)
	}
	if c.ResolvedVersion, err = optionalFields(resolvedVersion); err != nil {
		return types.SyncConflict{}, fmt.Errorf("decode resolved_version: %w", err)
	}
	if len(overlapping) > 0 && string(overlapping) != "null" {
		if err := json.Unmarshal(overlapping, &c.Overlapping); err != nil {
			return types.SyncConflict{}, fmt.Errorf("decode overlapping_fields: %w", err)
		}
	}
	return c, nil
}

func collectConflicts(rows pgx.Rows) ([]types.SyncConflict, error) {
	defer rows.Close()
	var out []types.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func conflictArgs(c types.SyncConflict) ([]any, error) {
	local, err := json.Marshal(c.LocalVersion)
	if err != nil {
		return nil, fmt.Errorf("marshal local_version: %w", err)
	}
	if c.LocalVersion == nil {
		local = []byte("{}")
	}
	server, err := json.Marshal(c.ServerVersion)
	if err != nil {
		return nil, fmt.Errorf("marshal server_version: %w", err)
	}
	baseState, err := nullableJSON(c.BaseState)
	if err != nil {
		return nil, err
	}
	overlapping, err := nullableList(c.Overlapping)
	if err != nil {
		return nil, err
	}
	candidate, err := nullableJSON(c.MergeCandidate)
	if err != nil {
		return nil, err
	}
	return []any{
		c.EntryID, string(c.TenantID), string(c.UserID), string(c.EntityType), string(c.EntityID), string(c.Action),
		local, server, versionArg(c.BaseVersion), baseState, overlapping, candidate,
	}, nil
}

// optionalFields keeps SQL NULL distinct from an empty object.
func optionalFields(raw []byte) (types.Fields, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return types.DecodeFields(raw)
}

func nullableJSON(f types.Fields) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	return data, nil
}

func nullableList(list []string) ([]byte, error) {
	if list == nil {
		return nil, nil
	}
	return json.Marshal(list)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func versionArg(v *types.Version) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
