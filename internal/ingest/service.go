// Package ingest accepts batches of client mutation intents and records them
// in the sync queue. Enqueueing is its only write.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/offline-sync/internal/auth"
	"github.com/example/offline-sync/internal/conflict"
	"github.com/example/offline-sync/internal/observability"
	"github.com/example/offline-sync/internal/storage"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
)

// MaxBatch bounds the number of submissions in one request.
const MaxBatch = 500

// ItemStatus is the per-submission outcome of a batch.
type ItemStatus string

const (
	ItemQueued    ItemStatus = "queued"
	ItemDuplicate ItemStatus = "duplicate"
	ItemRejected  ItemStatus = "rejected"
)

// ItemResult reports what happened to one submission.
type ItemResult struct {
	UUID        string       `json:"uuid"`
	Status      ItemStatus   `json:"status"`
	EntryID     int64        `json:"entry_id,omitempty"`
	EntryStatus types.Status `json:"entry_status,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Validator checks payloads against the static per-type schemas.
type Validator interface {
	Known(entityType types.EntityType) bool
	Validate(entityType types.EntityType, action types.Action, payload json.RawMessage) error
}

// Store is the queue persistence ingestion needs.
type Store interface {
	Enqueue(ctx context.Context, entry types.SyncQueueEntry) (types.SyncQueueEntry, bool, error)
	GetByUUID(ctx context.Context, tenant types.TenantID, uuid string) (types.SyncQueueEntry, error)
	ListEntries(ctx context.Context, filter storage.EntryFilter) ([]types.SyncQueueEntry, error)
	GetConflict(ctx context.Context, tenant types.TenantID, id int64) (types.SyncConflict, error)
}

// EntryView is an entry as reported to its submitter, with a summary of its
// conflict while it waits for resolution.
type EntryView struct {
	types.SyncQueueEntry
	Conflict *conflict.View `json:"conflict,omitempty"`
}

// Service implements submission and status queries.
type Service struct {
	store     Store
	validator Validator
	notifier  conflict.Notifier
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the ingestion service.
func NewService(store Store, validator Validator, notifier conflict.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		validator: validator,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit queues subs for the session. A tenant or user in the batch that
// differs from the session fails the whole request before anything is
// queued; every other problem is reported per item.
func (s *Service) Submit(ctx context.Context, sess auth.Session, subs []types.Submission) ([]ItemResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.Submit", trace.WithAttributes(
		attribute.String("tenant", string(sess.TenantID)),
		attribute.Int("batch", len(subs)),
	))
	defer span.End()

	if len(subs) > MaxBatch {
		return nil, syncerr.Validation("batch of %d exceeds the limit of %d", len(subs), MaxBatch)
	}
	for _, sub := range subs {
		if (sub.TenantID != "" && sub.TenantID != sess.TenantID) || (sub.UserID != "" && sub.UserID != sess.UserID) {
			authorizationFailures.Inc()
			logger := observability.LoggerWithTrace(ctx, s.logger)
			logger.Warn().
				Bool("security", true).
				Str("tenant", string(sess.TenantID)).
				Str("user", string(sess.UserID)).
				Str("claimed_tenant", string(sub.TenantID)).
				Str("claimed_user", string(sub.UserID)).
				Str("uuid", sub.UUID).
				Msg("submission identity does not match session")
			return nil, syncerr.Authorization("submission identity does not match the session")
		}
	}

	results := make([]ItemResult, 0, len(subs))
	queued := 0
	for _, sub := range subs {
		res, err := s.submitOne(ctx, sess, sub)
		if err != nil {
			// Items already queued stay queued; the client retries the batch
			// and gets duplicates for them.
			span.RecordError(err)
			return nil, err
		}
		submissions.WithLabelValues(string(res.Status)).Inc()
		if res.Status == ItemQueued && res.EntryStatus == types.StatusPending {
			queued++
		}
		results = append(results, res)
	}

	if queued > 0 && s.notifier != nil {
		if err := s.notifier.Wake(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("wake processors failed")
		}
	}
	return results, nil
}

func (s *Service) submitOne(ctx context.Context, sess auth.Session, sub types.Submission) (ItemResult, error) {
	res := ItemResult{UUID: sub.UUID}
	id, err := uuid.Parse(sub.UUID)
	if err != nil {
		res.Status = ItemRejected
		res.Error = fmt.Sprintf("malformed uuid %q", sub.UUID)
		return res, nil
	}
	res.UUID = id.String()

	if err := s.check(sub); err != nil {
		res.Status = ItemRejected
		res.Error = syncerr.UserMessage(err)
		return res, nil
	}

	entry := types.SyncQueueEntry{
		UUID:        res.UUID,
		TenantID:    sess.TenantID,
		UserID:      sess.UserID,
		Action:      sub.Action,
		EntityType:  sub.EntityType,
		EntityID:    sub.EntityID,
		Payload:     sub.Payload,
		BaseVersion: sub.BaseVersion,
		Status:      types.StatusPending,
	}
	if err := s.validator.Validate(sub.EntityType, sub.Action, sub.Payload); err != nil {
		// Kept so the client can show what failed.
		now := s.now()
		entry.Status = types.StatusFailed
		entry.ErrorMessage = syncerr.UserMessage(err)
		entry.SyncedAt = &now
	}

	stored, inserted, err := s.store.Enqueue(ctx, entry)
	if err != nil {
		return res, fmt.Errorf("enqueue %s: %w", res.UUID, err)
	}
	res.EntryID = stored.ID
	res.EntryStatus = stored.Status
	res.Status = ItemQueued
	if !inserted {
		res.Status = ItemDuplicate
	}

	s.logger.Debug().
		Str("tenant", string(sess.TenantID)).
		Str("entity_type", string(sub.EntityType)).
		Int64("entry_id", stored.ID).
		Str("status", string(res.Status)).
		Msg("submission recorded")
	return res, nil
}

// check enforces the shape rules of a submission.
func (s *Service) check(sub types.Submission) error {
	if !sub.Action.Valid() {
		return syncerr.Validation("unknown action %q", sub.Action)
	}
	if !s.validator.Known(sub.EntityType) {
		return syncerr.Validation("unknown entity_type %q", sub.EntityType)
	}
	switch sub.Action {
	case types.ActionCreate:
		if sub.EntityID != "" {
			return syncerr.Validation("create must not carry entity_id")
		}
		if sub.BaseVersion != nil {
			return syncerr.Validation("create must not carry base_version")
		}
	default:
		if sub.EntityID == "" {
			return syncerr.Validation("%s requires entity_id", sub.Action)
		}
		if sub.BaseVersion == nil {
			return syncerr.Validation("%s requires base_version", sub.Action)
		}
	}
	return nil
}

// Lookup returns the session user's entry with the given uuid.
func (s *Service) Lookup(ctx context.Context, sess auth.Session, rawUUID string) (EntryView, error) {
	id, err := uuid.Parse(rawUUID)
	if err != nil {
		return EntryView{}, syncerr.Validation("malformed uuid %q", rawUUID)
	}
	entry, err := s.store.GetByUUID(ctx, sess.TenantID, id.String())
	if errors.Is(err, storage.ErrNotFound) || (err == nil && entry.UserID != sess.UserID) {
		return EntryView{}, syncerr.NotFound("entry %s not found", id)
	}
	if err != nil {
		return EntryView{}, err
	}
	return s.view(ctx, entry)
}

// Since returns the session user's entries updated at or after since.
func (s *Service) Since(ctx context.Context, sess auth.Session, since time.Time, limit int) ([]EntryView, error) {
	entries, err := s.store.ListEntries(ctx, storage.EntryFilter{
		TenantID: sess.TenantID,
		UserID:   sess.UserID,
		Since:    since,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		v, err := s.view(ctx, e)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Service) view(ctx context.Context, e types.SyncQueueEntry) (EntryView, error) {
	v := EntryView{SyncQueueEntry: e}
	if e.Status != types.StatusConflict || e.ConflictID == nil {
		return v, nil
	}
	c, err := s.store.GetConflict(ctx, e.TenantID, *e.ConflictID)
	if err != nil {
		return EntryView{}, fmt.Errorf("load conflict %d: %w", *e.ConflictID, err)
	}
	cv := conflict.NewView(c)
	v.Conflict = &cv
	return v, nil
}
