package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/example/offline-sync/internal/schema"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
	"github.com/example/offline-sync/internal/vault"
)

// RecordService is a generic Service storing entities in a vault.Vault. It
// stands in for the product's real domain services.
type RecordService struct {
	entityType types.EntityType
	vault      vault.Vault
	schema     string
	naturalKey string
	lockWhen   func(types.Fields) bool
	newID      func() types.EntityID
}

// RecordOption configures a RecordService.
type RecordOption func(*RecordService)

// WithNaturalKey makes creates collide with a live entity carrying the same
// value for field.
func WithNaturalKey(field string) RecordOption {
	return func(s *RecordService) {
		s.naturalKey = field
	}
}

// WithLockWhen rejects mutations of entities whose current state satisfies fn.
func WithLockWhen(fn func(types.Fields) bool) RecordOption {
	return func(s *RecordService) {
		s.lockWhen = fn
	}
}

// WithSchema overrides the bundled CUE schema.
func WithSchema(src string) RecordOption {
	return func(s *RecordService) {
		s.schema = src
	}
}

// WithIDGenerator overrides entity id generation.
func WithIDGenerator(fn func() types.EntityID) RecordOption {
	return func(s *RecordService) {
		s.newID = fn
	}
}

// NewRecordService builds a service for entityType over v.
func NewRecordService(entityType types.EntityType, v vault.Vault, opts ...RecordOption) *RecordService {
	src, _ := schema.Source(entityType)
	s := &RecordService{
		entityType: entityType,
		vault:      v,
		schema:     src,
		newID:      func() types.EntityID { return types.EntityID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Defaults returns the reference services for every built-in entity type.
// Invoices lock once they leave draft.
func Defaults(v vault.Vault) []Service {
	return []Service{
		NewRecordService(types.EntityTimeEntry, v),
		NewRecordService(types.EntityTask, v),
		NewRecordService(types.EntityProject, v, WithNaturalKey("name")),
		NewRecordService(types.EntityClientRecord, v, WithNaturalKey("name")),
		NewRecordService(types.EntityInvoice, v,
			WithNaturalKey("number"),
			WithLockWhen(func(f types.Fields) bool {
				status, _ := f["status"].(string)
				return status == "sent" || status == "paid"
			}),
		),
	}
}

func (s *RecordService) EntityType() types.EntityType { return s.entityType }

func (s *RecordService) Schema() string { return s.schema }

func (s *RecordService) key(tenant types.TenantID, id types.EntityID) vault.Key {
	return vault.Key{TenantID: tenant, EntityType: s.entityType, EntityID: id}
}

func (s *RecordService) CurrentVersion(ctx context.Context, tenant types.TenantID, id types.EntityID) (types.State, error) {
	rec, err := s.vault.Get(ctx, s.key(tenant, id))
	if err != nil {
		return types.State{}, s.translate(id, err)
	}
	return rec.State(), nil
}

func (s *RecordService) StateAt(ctx context.Context, tenant types.TenantID, id types.EntityID, version types.Version) (types.State, error) {
	return s.vault.StateAt(ctx, s.key(tenant, id), version)
}

func (s *RecordService) Lock(ctx context.Context, tenant types.TenantID, id types.EntityID) error {
	return s.translate(id, s.vault.Lock(ctx, s.key(tenant, id)))
}

func (s *RecordService) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	switch req.Action {
	case types.ActionCreate:
		return s.create(ctx, req)
	case types.ActionUpdate, types.ActionDelete:
		return s.mutate(ctx, req)
	default:
		return ApplyResult{}, syncerr.Validation("unknown action %q", req.Action)
	}
}

func (s *RecordService) create(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	id := s.newID()
	rec, err := s.vault.Insert(ctx, s.key(req.TenantID, id), req.Fields, s.naturalKey)
	if err != nil {
		return ApplyResult{}, s.translate(id, err)
	}
	return ApplyResult{EntityID: rec.EntityID, State: rec.State()}, nil
}

func (s *RecordService) mutate(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	if req.EntityID == "" {
		return ApplyResult{}, syncerr.Validation("%s requires an entity id", req.Action)
	}
	if req.Expected == nil {
		return ApplyResult{}, syncerr.Validation("%s requires an expected version", req.Action)
	}
	key := s.key(req.TenantID, req.EntityID)

	current, err := s.vault.Get(ctx, key)
	if err != nil {
		return ApplyResult{}, s.translate(req.EntityID, err)
	}
	if current.Locked || (s.lockWhen != nil && s.lockWhen(current.Fields)) {
		return ApplyResult{}, syncerr.DomainRejected("entity locked")
	}
	if current.Version != *req.Expected {
		return ApplyResult{}, &syncerr.ConflictRejected{EntityID: req.EntityID, Current: current.State()}
	}

	var rec vault.Record
	if req.Action == types.ActionDelete {
		rec, err = s.vault.Delete(ctx, key, *req.Expected)
	} else {
		next := current.Fields.Clone()
		if next == nil {
			next = types.Fields{}
		}
		for k, v := range req.Fields {
			next[k] = v
		}
		rec, err = s.vault.Update(ctx, key, *req.Expected, next)
	}
	if err != nil {
		return ApplyResult{}, s.translate(req.EntityID, err)
	}
	return ApplyResult{EntityID: rec.EntityID, State: rec.State()}, nil
}

func (s *RecordService) translate(id types.EntityID, err error) error {
	if err == nil {
		return nil
	}
	var mismatch *vault.MismatchError
	var dup *vault.DuplicateError
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return syncerr.DomainRejected("entity not found")
	case errors.Is(err, vault.ErrLocked):
		return syncerr.DomainRejected("entity locked")
	case errors.As(err, &mismatch):
		return &syncerr.ConflictRejected{EntityID: id, Current: mismatch.Current.State()}
	case errors.As(err, &dup):
		return &syncerr.ConflictRejected{EntityID: dup.Existing.EntityID, Current: dup.Existing.State()}
	}
	return err
}
