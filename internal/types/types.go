package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TenantID is the hard isolation boundary; nothing in the sync subsystem crosses it.
type TenantID string

// UserID identifies the user that submitted a mutation.
type UserID string

// EntityID identifies a domain entity within its type.
type EntityID string

// EntityType names a synchronizable domain entity kind.
type EntityType string

const (
	EntityTimeEntry    EntityType = "time_entry"
	EntityTask         EntityType = "task"
	EntityProject      EntityType = "project"
	EntityClientRecord EntityType = "client_record"
	EntityInvoice      EntityType = "invoice"
)

// Action is the kind of mutation a client intends.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether the action is one of the known mutation kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Status tracks a queue entry through processing.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflict   Status = "conflict"
)

// Settled reports whether the entry no longer blocks later entries for the
// same entity.
func (s Status) Settled() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Resolution is the outcome chosen for a conflict.
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionMerged     Resolution = "merged"
	ResolutionManual     Resolution = "manual"
)

// Valid reports whether r is a known resolution value.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionPending, ResolutionLocalWins, ResolutionServerWins, ResolutionMerged, ResolutionManual:
		return true
	}
	return false
}

// Final reports whether the resolution is absorbing.
func (r Resolution) Final() bool {
	return r.Valid() && r != ResolutionPending
}

// Version is the authoritative, monotonic version counter of an entity.
type Version int64

// VersionPtr is a small helper for optional versions.
func VersionPtr(v Version) *Version {
	return &v
}

// Fields is the decoded body of an entity: top-level field name to JSON value.
type Fields map[string]any

// Clone returns a shallow copy; JSON values decoded by encoding/json are
// never mutated in place by this package, so sharing nested values is safe.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// DecodeFields parses a JSON object payload. An empty payload decodes to an
// empty map.
func DecodeFields(raw json.RawMessage) (Fields, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Fields{}, nil
	}
	var out Fields
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("decode payload: expected a JSON object")
	}
	return out, nil
}

// State is an entity's authoritative content at a version.
type State struct {
	Version Version `json:"version"`
	Fields  Fields  `json:"fields"`
}

// Submission is one client mutation intent as received by the ingestion API.
type Submission struct {
	UUID        string          `json:"uuid"`
	TenantID    TenantID        `json:"tenant_id,omitempty"`
	UserID      UserID          `json:"user_id,omitempty"`
	Action      Action          `json:"action"`
	EntityType  EntityType      `json:"entity_type"`
	EntityID    EntityID        `json:"entity_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion *Version        `json:"base_version,omitempty"`
}

// SyncQueueEntry is a durable client mutation intent. Entries are never
// deleted; they form the audit trail of what clients asked for.
type SyncQueueEntry struct {
	ID          int64           `json:"id"`
	UUID        string          `json:"uuid"`
	TenantID    TenantID        `json:"tenant_id"`
	UserID      UserID          `json:"user_id"`
	Action      Action          `json:"action"`
	EntityType  EntityType      `json:"entity_type"`
	EntityID    EntityID        `json:"entity_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion *Version        `json:"base_version,omitempty"`

	Status        Status     `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	ConflictID    *int64     `json:"conflict_id,omitempty"`

	AppliedEntityID EntityID `json:"applied_entity_id,omitempty"`
	AppliedVersion  *Version `json:"applied_version,omitempty"`

	SyncedAt  *time.Time `json:"synced_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// EntityKey identifies the per-entity serialization domain. Creates carry no
// entity id and are keyed by their own uuid so they never block each other.
func (e SyncQueueEntry) EntityKey() string {
	if e.EntityID == "" {
		return fmt.Sprintf("%s/%s/uuid:%s", e.TenantID, e.EntityType, e.UUID)
	}
	return fmt.Sprintf("%s/%s/%s", e.TenantID, e.EntityType, e.EntityID)
}

// SyncConflict records a divergence between a client's intended state and the
// authoritative state. It is resolved exactly once and never deleted.
type SyncConflict struct {
	ID         int64      `json:"id"`
	EntryID    int64      `json:"entry_id"`
	TenantID   TenantID   `json:"tenant_id"`
	UserID     UserID     `json:"user_id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   EntityID   `json:"entity_id"`
	Action     Action     `json:"action"`

	LocalVersion  Fields   `json:"local_version"`
	ServerVersion State    `json:"server_version"`
	BaseVersion   *Version `json:"base_version,omitempty"`
	BaseState     Fields   `json:"base_state,omitempty"`

	Overlapping    []string `json:"overlapping_fields,omitempty"`
	MergeCandidate Fields   `json:"merge_candidate,omitempty"`

	Resolution      Resolution `json:"resolution"`
	ResolvedVersion Fields     `json:"resolved_version,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	DetectedAt      time.Time  `json:"detected_at"`
}

// DuplicateCreate reports whether two clients created the same entity offline.
func (c SyncConflict) DuplicateCreate() bool {
	return c.BaseVersion == nil
}

// Resolutions lists the choices a caller may make for the conflict.
func (c SyncConflict) Resolutions() []Resolution {
	if c.Resolution.Final() {
		return nil
	}
	if c.MergeCandidate != nil {
		return []Resolution{ResolutionLocalWins, ResolutionServerWins, ResolutionMerged, ResolutionManual}
	}
	return []Resolution{ResolutionLocalWins, ResolutionServerWins, ResolutionManual}
}

// StatusEvent announces a queue entry status change to interested clients.
type StatusEvent struct {
	TenantID   TenantID  `json:"tenant_id"`
	UserID     UserID    `json:"user_id"`
	EntryID    int64     `json:"entry_id"`
	UUID       string    `json:"uuid"`
	Status     Status    `json:"status"`
	ConflictID *int64    `json:"conflict_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// EventFor builds the status event describing the entry's current state.
func EventFor(e SyncQueueEntry, at time.Time) StatusEvent {
	return StatusEvent{
		TenantID:   e.TenantID,
		UserID:     e.UserID,
		EntryID:    e.ID,
		UUID:       e.UUID,
		Status:     e.Status,
		ConflictID: e.ConflictID,
		Message:    e.ErrorMessage,
		At:         at,
	}
}
