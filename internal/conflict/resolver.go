package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/offline-sync/internal/domain"
	"github.com/example/offline-sync/internal/storage"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
)

const (
	// ActorAutoMerge marks conflicts merged without human input.
	ActorAutoMerge = "system:auto-merge"
	// ActorPolicy marks conflicts decided by a per-entity-type policy.
	ActorPolicy = "system:policy"
	// ActorDomainRejected marks conflicts closed because the domain service
	// refused the chosen state. The server state stands and the entry fails.
	ActorDomainRejected = "system:domain-rejected"
)

var (
	// ErrAlreadyResolved is returned when the conflict has left pending.
	ErrAlreadyResolved = storage.ErrAlreadyResolved
	// ErrStaleConflict is returned when the entity moved after detection. The
	// conflict's server snapshot has been refreshed and it is still pending.
	ErrStaleConflict = syncerr.State("entity changed since the conflict was detected")
)

// Store is the persistence the resolver needs.
type Store interface {
	GetConflict(ctx context.Context, tenant types.TenantID, id int64) (types.SyncConflict, error)
	ListConflicts(ctx context.Context, filter storage.ConflictFilter) ([]types.SyncConflict, error)
	ResolveConflict(ctx context.Context, tenant types.TenantID, id int64, fn storage.ResolveFunc) (types.SyncConflict, types.SyncQueueEntry, error)
	RefreshConflict(ctx context.Context, c types.SyncConflict) error
}

// Notifier announces entry status changes and wakes processors.
type Notifier interface {
	Publish(ctx context.Context, ev types.StatusEvent) error
	Wake(ctx context.Context) error
}

// Validator checks a caller-supplied state against the entity type's schema.
type Validator interface {
	Validate(entityType types.EntityType, action types.Action, payload json.RawMessage) error
}

// Request is a caller's resolution choice.
type Request struct {
	Resolution      types.Resolution `json:"resolution"`
	ResolvedVersion types.Fields     `json:"resolved_version,omitempty"`
	ResolvedBy      string           `json:"-"`
}

// Resolver applies resolutions through the owning domain service.
type Resolver struct {
	store    Store
	services *domain.Registry
	schemas  Validator
	detector *Detector
	policies *PolicySet
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPolicies enables per-entity-type default decisions.
func WithPolicies(p *PolicySet) ResolverOption {
	return func(r *Resolver) {
		r.policies = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver wires a resolver. Manual states are validated against schemas.
func NewResolver(store Store, services *domain.Registry, schemas Validator, detector *Detector, notifier Notifier, logger zerolog.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:    store,
		services: services,
		schemas:  schemas,
		detector: detector,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns a tenant's conflict.
func (r *Resolver) Get(ctx context.Context, tenant types.TenantID, id int64) (types.SyncConflict, error) {
	c, err := r.store.GetConflict(ctx, tenant, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.SyncConflict{}, syncerr.NotFound("conflict %d not found", id)
	}
	return c, err
}

// List returns conflicts matching filter.
func (r *Resolver) List(ctx context.Context, filter storage.ConflictFilter) ([]types.SyncConflict, error) {
	return r.store.ListConflicts(ctx, filter)
}

// staleError carries the fresh state out of the store callback.
type staleError struct {
	current types.State
}

func (e *staleError) Error() string { return ErrStaleConflict.Error() }

// Resolve applies req to a pending conflict exactly once. On success the
// originating entry is either completed (server_wins) or sent back to pending
// for a final confirmation pass. When the domain service refuses the chosen
// state, the conflict is closed in favour of the server, the entry fails with
// the domain message and that refusal is returned.
func (r *Resolver) Resolve(ctx context.Context, tenant types.TenantID, id int64, req Request) (types.SyncConflict, types.SyncQueueEntry, error) {
	ctx, span := tracer.Start(ctx, "conflict.Resolve", trace.WithAttributes(
		attribute.Int64("conflict_id", id),
		attribute.String("resolution", string(req.Resolution)),
	))
	defer span.End()

	if !req.Resolution.Final() {
		return types.SyncConflict{}, types.SyncQueueEntry{}, syncerr.Validation("resolution must be one of local_wins, server_wins, merged, manual")
	}
	if req.ResolvedBy == "" {
		return types.SyncConflict{}, types.SyncQueueEntry{}, syncerr.Validation("resolved_by is required")
	}

	var rejected error
	resolved, entry, err := r.store.ResolveConflict(ctx, tenant, id, func(ctx context.Context, c types.SyncConflict) (storage.Resolution, error) {
		out, err := r.apply(ctx, c, req)
		if syncerr.IsDomainRejected(err) {
			rejected = err
			return r.reject(c, err), nil
		}
		return out, err
	})

	var stale *staleError
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return types.SyncConflict{}, types.SyncQueueEntry{}, syncerr.NotFound("conflict %d not found", id)
	case errors.As(err, &stale):
		staleResolutions.Inc()
		r.refresh(ctx, tenant, id, stale.current)
		span.SetStatus(codes.Error, "stale")
		return types.SyncConflict{}, types.SyncQueueEntry{}, ErrStaleConflict
	default:
		span.RecordError(err)
		return types.SyncConflict{}, types.SyncQueueEntry{}, err
	}

	actor := "user"
	if strings.HasPrefix(req.ResolvedBy, "system:") {
		actor = req.ResolvedBy
	}
	conflictsResolved.WithLabelValues(string(resolved.Resolution), actor).Inc()

	r.logger.Info().
		Str("tenant", string(tenant)).
		Int64("conflict_id", id).
		Int64("entry_id", entry.ID).
		Str("resolution", string(resolved.Resolution)).
		Str("resolved_by", resolved.ResolvedBy).
		Msg("conflict resolved")

	r.announce(ctx, entry)
	if rejected != nil {
		span.SetStatus(codes.Error, "domain rejected")
		return resolved, entry, rejected
	}
	return resolved, entry, nil
}

// AutoResolve settles c without human input when the detector produced a
// merge candidate or the entity type's policy decides. It reports whether the
// conflict was resolved.
func (r *Resolver) AutoResolve(ctx context.Context, c types.SyncConflict) (bool, error) {
	req := Request{}
	switch {
	case c.MergeCandidate != nil:
		req.Resolution = types.ResolutionMerged
		req.ResolvedBy = ActorAutoMerge
	case r.policies.Has(c.EntityType):
		decision, err := r.policies.Decide(c)
		if err != nil {
			r.logger.Warn().Err(err).Int64("conflict_id", c.ID).Msg("conflict policy failed")
			return false, nil
		}
		if !decision.Final() {
			return false, nil
		}
		req.Resolution = decision
		req.ResolvedBy = ActorPolicy
	default:
		return false, nil
	}

	_, _, err := r.Resolve(ctx, c.TenantID, c.ID, req)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrStaleConflict), errors.Is(err, ErrAlreadyResolved):
		// Left for a person to decide, or someone already did.
		return false, nil
	case syncerr.IsDomainRejected(err):
		// Closed; the entry failed with the domain message.
		return true, nil
	default:
		return false, err
	}
}

// apply runs inside the store's exclusive hold on c.
func (r *Resolver) apply(ctx context.Context, c types.SyncConflict, req Request) (storage.Resolution, error) {
	now := r.now()
	out := storage.Resolution{
		Resolution: req.Resolution,
		ResolvedBy: req.ResolvedBy,
		ResolvedAt: now,
	}

	if req.Resolution == types.ResolutionServerWins {
		version := c.ServerVersion.Version
		out.ResolvedVersion = c.ServerVersion.Fields.Clone()
		out.EntryStatus = types.StatusCompleted
		out.AppliedEntityID = c.EntityID
		out.AppliedVersion = &version
		return out, nil
	}

	svc, ok := r.services.Lookup(c.EntityType)
	if !ok {
		return out, syncerr.Validation("unknown entity type %q", c.EntityType)
	}
	apply, err := planApply(c, req)
	if err != nil {
		return out, err
	}
	if req.Resolution == types.ResolutionManual {
		if err := r.validate(c.EntityType, apply); err != nil {
			return out, err
		}
	}

	result, err := svc.Apply(ctx, apply)
	if cr, ok := syncerr.AsConflict(err); ok {
		return out, &staleError{current: cr.Current}
	}
	if err != nil {
		return out, err
	}

	version := result.State.Version
	out.ResolvedVersion = apply.Fields.Clone()
	out.EntryStatus = types.StatusPending
	out.EntryBase = &version
	out.AppliedEntityID = result.EntityID
	out.AppliedVersion = &version
	return out, nil
}

// reject closes c in favour of the server after the domain service refused
// the chosen state.
func (r *Resolver) reject(c types.SyncConflict, err error) storage.Resolution {
	return storage.Resolution{
		Resolution:      types.ResolutionServerWins,
		ResolvedVersion: c.ServerVersion.Fields.Clone(),
		ResolvedBy:      ActorDomainRejected,
		ResolvedAt:      r.now(),
		EntryStatus:     types.StatusFailed,
		EntryError:      syncerr.UserMessage(err),
	}
}

func (r *Resolver) validate(entityType types.EntityType, apply domain.ApplyRequest) error {
	payload, err := json.Marshal(apply.Fields)
	if err != nil {
		return syncerr.Validation("resolved_version: %v", err)
	}
	return r.schemas.Validate(entityType, apply.Action, payload)
}

// planApply turns a resolution into the domain mutation that realizes it.
func planApply(c types.SyncConflict, req Request) (domain.ApplyRequest, error) {
	expected := c.ServerVersion.Version
	apply := domain.ApplyRequest{
		TenantID: c.TenantID,
		UserID:   c.UserID,
		Action:   types.ActionUpdate,
		EntityID: c.EntityID,
		Expected: &expected,
	}

	switch req.Resolution {
	case types.ResolutionLocalWins:
		if c.Action == types.ActionDelete {
			apply.Action = types.ActionDelete
			return apply, nil
		}
		apply.Fields = c.LocalVersion.Clone()
	case types.ResolutionMerged:
		if c.MergeCandidate == nil {
			return apply, syncerr.Validation("conflict %d has no merge candidate", c.ID)
		}
		apply.Fields = c.MergeCandidate.Clone()
	case types.ResolutionManual:
		if req.ResolvedVersion == nil {
			return apply, syncerr.Validation("manual resolution requires resolved_version")
		}
		apply.Fields = req.ResolvedVersion.Clone()
		if c.DuplicateCreate() {
			// Keep both: the caller's version becomes a new entity.
			apply.Action = types.ActionCreate
			apply.EntityID = ""
			apply.Expected = nil
		}
	default:
		return apply, syncerr.Validation("unsupported resolution %q", req.Resolution)
	}
	return apply, nil
}

func (r *Resolver) refresh(ctx context.Context, tenant types.TenantID, id int64, current types.State) {
	c, err := r.store.GetConflict(ctx, tenant, id)
	if err != nil {
		r.logger.Error().Err(err).Int64("conflict_id", id).Msg("reload stale conflict failed")
		return
	}
	if err := r.store.RefreshConflict(ctx, r.detector.Refresh(c, current)); err != nil && !errors.Is(err, storage.ErrAlreadyResolved) {
		r.logger.Error().Err(err).Int64("conflict_id", id).Msg("refresh stale conflict failed")
	}
}

func (r *Resolver) announce(ctx context.Context, entry types.SyncQueueEntry) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Publish(ctx, types.EventFor(entry, r.now())); err != nil {
		r.logger.Warn().Err(err).Int64("entry_id", entry.ID).Msg("publish status event failed")
	}
	if entry.Status == types.StatusPending {
		if err := r.notifier.Wake(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("wake processors failed")
		}
	}
}
