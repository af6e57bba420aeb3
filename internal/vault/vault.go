// Package vault keeps the authoritative version counter and current state of
// every synchronizable entity, plus the history needed for three-way merges.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/offline-sync/internal/types"
)

var (
	// ErrNotFound is returned when the entity does not exist or is tombstoned.
	ErrNotFound = errors.New("vault: entity not found")
	// ErrLocked is returned for mutations against a locked entity.
	ErrLocked = errors.New("vault: entity locked")
	// ErrNoHistory is returned by StateAt when the version was never recorded.
	ErrNoHistory = errors.New("vault: version not in history")
)

// MismatchError reports a compare-and-swap failure.
type MismatchError struct {
	Current Record
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("vault: version mismatch, current version %d", e.Current.Version)
}

// DuplicateError reports an insert colliding with an existing entity on its
// unique field.
type DuplicateError struct {
	Field    string
	Existing Record
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("vault: %s already used by entity %s", e.Field, e.Existing.EntityID)
}

// Key addresses one entity.
type Key struct {
	TenantID   types.TenantID
	EntityType types.EntityType
	EntityID   types.EntityID
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.EntityType, k.EntityID)
}

// Record is the stored state of an entity.
type Record struct {
	Key
	Version   types.Version
	Fields    types.Fields
	Deleted   bool
	Locked    bool
	UpdatedAt time.Time
}

// State returns the versioned content of the record.
func (r Record) State() types.State {
	return types.State{Version: r.Version, Fields: r.Fields.Clone()}
}

// Vault is the storage contract used by domain services. Every mutation
// increments the version and appends a history row.
type Vault interface {
	Get(ctx context.Context, key Key) (Record, error)
	// Insert creates a new entity at version 1. When unique is non-empty and
	// another live entity of the same type carries an equal value for that
	// field, a *DuplicateError is returned.
	Insert(ctx context.Context, key Key, fields types.Fields, unique string) (Record, error)
	Update(ctx context.Context, key Key, expected types.Version, fields types.Fields) (Record, error)
	Delete(ctx context.Context, key Key, expected types.Version) (Record, error)
	StateAt(ctx context.Context, key Key, version types.Version) (types.State, error)
	Lock(ctx context.Context, key Key) error
}
