package vault

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/example/offline-sync/internal/types"
)

// Memory is an in-process Vault.
type Memory struct {
	mu      sync.Mutex
	records map[Key]Record
	history map[Key]map[types.Version]types.Fields
	now     func() time.Time
}

// NewMemory returns an empty in-memory vault.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[Key]Record),
		history: make(map[Key]map[types.Version]types.Fields),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Get(_ context.Context, key Key) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.Deleted {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *Memory) Insert(_ context.Context, key Key, fields types.Fields, unique string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[key]; exists {
		return Record{}, &DuplicateError{Field: "entity_id", Existing: copyRecord(m.records[key])}
	}
	if unique != "" {
		if want, ok := fields[unique]; ok {
			for k, rec := range m.records {
				if k.TenantID != key.TenantID || k.EntityType != key.EntityType || rec.Deleted {
					continue
				}
				if have, ok := rec.Fields[unique]; ok && reflect.DeepEqual(have, want) {
					return Record{}, &DuplicateError{Field: unique, Existing: copyRecord(rec)}
				}
			}
		}
	}

	rec := Record{Key: key, Version: 1, Fields: fields.Clone(), UpdatedAt: m.now()}
	m.records[key] = rec
	m.remember(rec)
	return copyRecord(rec), nil
}

func (m *Memory) Update(_ context.Context, key Key, expected types.Version, fields types.Fields) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.mutable(key, expected)
	if err != nil {
		return Record{}, err
	}
	rec.Version++
	rec.Fields = fields.Clone()
	rec.UpdatedAt = m.now()
	m.records[key] = rec
	m.remember(rec)
	return copyRecord(rec), nil
}

func (m *Memory) Delete(_ context.Context, key Key, expected types.Version) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.mutable(key, expected)
	if err != nil {
		return Record{}, err
	}
	rec.Version++
	rec.Deleted = true
	rec.UpdatedAt = m.now()
	m.records[key] = rec
	m.remember(rec)
	return copyRecord(rec), nil
}

func (m *Memory) StateAt(_ context.Context, key Key, version types.Version) (types.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.history[key][version]
	if !ok {
		return types.State{}, ErrNoHistory
	}
	return types.State{Version: version, Fields: fields.Clone()}, nil
}

func (m *Memory) Lock(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.Deleted {
		return ErrNotFound
	}
	rec.Locked = true
	m.records[key] = rec
	return nil
}

func (m *Memory) mutable(key Key, expected types.Version) (Record, error) {
	rec, ok := m.records[key]
	if !ok || rec.Deleted {
		return Record{}, ErrNotFound
	}
	if rec.Locked {
		return Record{}, ErrLocked
	}
	if rec.Version != expected {
		return Record{}, &MismatchError{Current: copyRecord(rec)}
	}
	return rec, nil
}

func (m *Memory) remember(rec Record) {
	versions, ok := m.history[rec.Key]
	if !ok {
		versions = make(map[types.Version]types.Fields)
		m.history[rec.Key] = versions
	}
	versions[rec.Version] = rec.Fields.Clone()
}

func copyRecord(rec Record) Record {
	rec.Fields = rec.Fields.Clone()
	return rec
}
