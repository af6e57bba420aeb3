// Package domain defines the contract between the sync engine and the
// services that own each entity type.
package domain

import (
	"context"
	"fmt"
	"sort"

	"github.com/example/offline-sync/internal/types"
)

// ApplyRequest is one mutation handed to a domain service. For updates,
// Fields is a patch over the current state. Expected is nil only for creates.
type ApplyRequest struct {
	TenantID types.TenantID
	UserID   types.UserID
	Action   types.Action
	EntityID types.EntityID
	Fields   types.Fields
	Expected *types.Version
}

// ApplyResult is the authoritative outcome of an apply.
type ApplyResult struct {
	EntityID types.EntityID
	State    types.State
}

// Service is implemented once per synchronizable entity type.
//
// Apply returns *syncerr.ConflictRejected when Expected no longer matches or a
// create collides with an existing entity, and a domain-rejected error for
// business-rule refusals. Refusals such as locks are checked before Expected.
// Any other error is classified by syncerr.
type Service interface {
	EntityType() types.EntityType
	// Schema returns the CUE source with #Create and #Update definitions.
	Schema() string
	CurrentVersion(ctx context.Context, tenant types.TenantID, id types.EntityID) (types.State, error)
	Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error)
}

// HistoryReader is an optional capability. Services that implement it enable
// field-level three-way merges.
type HistoryReader interface {
	StateAt(ctx context.Context, tenant types.TenantID, id types.EntityID, version types.Version) (types.State, error)
}

// Locker marks an entity immutable; later applies are rejected with
// "entity locked".
type Locker interface {
	Lock(ctx context.Context, tenant types.TenantID, id types.EntityID) error
}

// Registry maps entity types to their services. It is built once at startup
// and passed explicitly to the components that need it.
type Registry struct {
	services map[types.EntityType]Service
}

// NewRegistry indexes services by entity type.
func NewRegistry(services ...Service) (*Registry, error) {
	r := &Registry{services: make(map[types.EntityType]Service, len(services))}
	for _, svc := range services {
		et := svc.EntityType()
		if _, dup := r.services[et]; dup {
			return nil, fmt.Errorf("domain: entity type %q registered twice", et)
		}
		r.services[et] = svc
	}
	return r, nil
}

// Lookup returns the service owning entityType.
func (r *Registry) Lookup(entityType types.EntityType) (Service, bool) {
	svc, ok := r.services[entityType]
	return svc, ok
}

// Types lists registered entity types in lexical order.
func (r *Registry) Types() []types.EntityType {
	out := make([]types.EntityType, 0, len(r.services))
	for et := range r.services {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SchemaSink receives each service's schema.
type SchemaSink interface {
	Register(entityType types.EntityType, src string) error
}

// RegisterSchemas feeds every service's schema into sink.
func (r *Registry) RegisterSchemas(sink SchemaSink) error {
	for _, et := range r.Types() {
		if err := sink.Register(et, r.services[et].Schema()); err != nil {
			return err
		}
	}
	return nil
}
