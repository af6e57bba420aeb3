package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/offline-sync/internal/conflict"
	"github.com/example/offline-sync/internal/ingest"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
)

const pollPage = 200

// Outcome is a server-side status change of a queued item.
type Outcome struct {
	UUID     string
	EntryID  int64
	Status   types.Status
	EntityID types.EntityID
	Version  *types.Version
	Error    string
	Conflict *conflict.View
}

// Reconciler replays the local queue against the sync API and folds server
// outcomes back into it. It is not safe for concurrent use.
type Reconciler struct {
	api    *API
	queue  LocalQueue
	logger zerolog.Logger
	now    func() time.Time
	cursor time.Time
}

// NewReconciler pairs a local queue with the API.
func NewReconciler(api *API, queue LocalQueue, logger zerolog.Logger) *Reconciler {
	return &Reconciler{api: api, queue: queue, logger: logger, now: time.Now}
}

// Queue records a local edit. A fresh uuid is assigned when none is given.
// An update or delete of an entity whose previous edit has not been sent yet
// is folded into that edit so the server sees one intent per base version.
func (r *Reconciler) Queue(ctx context.Context, sub types.Submission) (string, error) {
	if sub.UUID == "" {
		sub.UUID = uuid.NewString()
	} else {
		id, err := uuid.Parse(sub.UUID)
		if err != nil {
			return "", syncerr.Validation("malformed uuid %q", sub.UUID)
		}
		sub.UUID = id.String()
	}
	if !sub.Action.Valid() {
		return "", syncerr.Validation("unknown action %q", sub.Action)
	}

	items, err := r.queue.Items(ctx)
	if err != nil {
		return "", err
	}
	if prev, ok := lastUnsent(items, sub); ok {
		merged, err := coalesce(prev.Submission, sub)
		if err != nil {
			return "", err
		}
		if merged.UUID == prev.Submission.UUID {
			prev.Submission = merged
			return merged.UUID, r.queue.Put(ctx, prev)
		}
		if err := r.queue.Remove(ctx, prev.Submission.UUID); err != nil {
			return "", err
		}
		sub = merged
	}
	return sub.UUID, r.queue.Append(ctx, Item{Submission: sub, QueuedAt: r.now().UTC()})
}

// lastUnsent finds the most recent unsent update of the same entity.
func lastUnsent(items []Item, sub types.Submission) (Item, bool) {
	if sub.Action == types.ActionCreate || sub.EntityID == "" {
		return Item{}, false
	}
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.Submission.EntityType != sub.EntityType || it.Submission.EntityID != sub.EntityID {
			continue
		}
		if it.Sent() || it.Submission.Action != types.ActionUpdate {
			return Item{}, false
		}
		return it, true
	}
	return Item{}, false
}

// coalesce folds next into an unsent update prev. Updates merge field-wise
// under prev's uuid; a delete replaces the update but keeps its base.
func coalesce(prev, next types.Submission) (types.Submission, error) {
	if next.Action == types.ActionDelete {
		next.BaseVersion = prev.BaseVersion
		return next, nil
	}
	fields, err := types.DecodeFields(prev.Payload)
	if err != nil {
		return types.Submission{}, syncerr.Validation("%v", err)
	}
	later, err := types.DecodeFields(next.Payload)
	if err != nil {
		return types.Submission{}, syncerr.Validation("%v", err)
	}
	for k, v := range later {
		fields[k] = v
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return types.Submission{}, fmt.Errorf("encode merged payload: %w", err)
	}
	prev.Payload = payload
	return prev, nil
}

// Replay submits every unsent item in queue order, in batches. Items queued
// behind an in-flight edit of the same entity wait until that edit settles.
// Replaying is idempotent: the server answers duplicates for uuids it has.
func (r *Reconciler) Replay(ctx context.Context) (int, error) {
	items, err := r.queue.Items(ctx)
	if err != nil {
		return 0, err
	}

	inFlight := make(map[string]bool)
	var batch []Item
	for _, it := range items {
		key := entityKey(it.Submission)
		if it.Sent() {
			if it.Status != types.StatusCompleted && it.Status != types.StatusFailed && key != "" {
				inFlight[key] = true
			}
			continue
		}
		if key != "" && inFlight[key] {
			continue
		}
		if key != "" {
			inFlight[key] = true
		}
		batch = append(batch, it)
	}

	sent := 0
	for start := 0; start < len(batch); start += ingest.MaxBatch {
		end := min(start+ingest.MaxBatch, len(batch))
		n, err := r.submit(ctx, batch[start:end])
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (r *Reconciler) submit(ctx context.Context, items []Item) (int, error) {
	subs := make([]types.Submission, len(items))
	for i, it := range items {
		subs[i] = it.Submission
	}
	results, err := r.api.Submit(ctx, subs)
	if err != nil {
		return 0, err
	}
	if len(results) != len(items) {
		return 0, fmt.Errorf("submitted %d items, got %d results", len(items), len(results))
	}

	sent := 0
	for i, res := range results {
		it := items[i]
		switch res.Status {
		case ingest.ItemQueued, ingest.ItemDuplicate:
			it.EntryID = res.EntryID
			it.Status = res.EntryStatus
			if err := r.queue.Put(ctx, it); err != nil {
				return sent, err
			}
			sent++
		case ingest.ItemRejected:
			r.logger.Warn().Str("uuid", res.UUID).Str("error", res.Error).Msg("submission rejected; dropping local edit")
			if err := r.queue.Remove(ctx, it.Submission.UUID); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

// Poll fetches entry changes since the last poll and applies them to the
// queue. Settled items leave the queue; conflicts stay until resolved.
func (r *Reconciler) Poll(ctx context.Context) ([]Outcome, error) {
	items, err := r.queue.Items(ctx)
	if err != nil {
		return nil, err
	}
	byUUID := make(map[string]Item, len(items))
	for _, it := range items {
		byUUID[it.Submission.UUID] = it
	}

	var outcomes []Outcome
	for {
		views, err := r.api.Since(ctx, r.cursor, pollPage)
		if err != nil {
			return outcomes, err
		}
		next := r.cursor
		for _, v := range views {
			if v.UpdatedAt.After(next) {
				next = v.UpdatedAt
			}
			it, ok := byUUID[v.UUID]
			if !ok || (it.Status == v.Status && !v.Status.Settled()) {
				continue
			}
			out, err := r.apply(ctx, it, v)
			if err != nil {
				return outcomes, err
			}
			if v.Status.Settled() {
				delete(byUUID, v.UUID)
			} else {
				it.Status = v.Status
				byUUID[v.UUID] = it
			}
			outcomes = append(outcomes, out)
		}
		advanced := next.After(r.cursor)
		r.cursor = next
		if len(views) < pollPage || !advanced {
			return outcomes, nil
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, it Item, v ingest.EntryView) (Outcome, error) {
	out := Outcome{
		UUID:     v.UUID,
		EntryID:  v.ID,
		Status:   v.Status,
		EntityID: v.AppliedEntityID,
		Version:  v.AppliedVersion,
		Error:    v.ErrorMessage,
		Conflict: v.Conflict,
	}
	switch v.Status {
	case types.StatusCompleted:
		if err := r.rebase(ctx, it, v); err != nil {
			return out, err
		}
		return out, r.queue.Remove(ctx, it.Submission.UUID)
	case types.StatusFailed:
		return out, r.queue.Remove(ctx, it.Submission.UUID)
	default:
		it.EntryID = v.ID
		it.Status = v.Status
		it.ConflictID = v.ConflictID
		return out, r.queue.Put(ctx, it)
	}
}

// rebase moves unsent edits that were made on top of a just-completed edit
// onto the version that edit produced.
func (r *Reconciler) rebase(ctx context.Context, done Item, v ingest.EntryView) error {
	if v.AppliedVersion == nil || done.Submission.BaseVersion == nil {
		return nil
	}
	key := entityKey(done.Submission)
	items, err := r.queue.Items(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Sent() || entityKey(it.Submission) != key || it.Submission.BaseVersion == nil {
			continue
		}
		if *it.Submission.BaseVersion != *done.Submission.BaseVersion {
			continue
		}
		it.Submission.BaseVersion = types.VersionPtr(*v.AppliedVersion)
		if err := r.queue.Put(ctx, it); err != nil {
			return err
		}
	}
	return nil
}

// Sync replays the queue and then polls for outcomes.
func (r *Reconciler) Sync(ctx context.Context) ([]Outcome, error) {
	if _, err := r.Replay(ctx); err != nil {
		return nil, err
	}
	return r.Poll(ctx)
}

// Conflicts returns the user's unresolved conflicts.
func (r *Reconciler) Conflicts(ctx context.Context) ([]conflict.View, error) {
	return r.api.Conflicts(ctx, types.ResolutionPending)
}

// Resolve submits a resolution and re-arms the queued item for the re-drive.
func (r *Reconciler) Resolve(ctx context.Context, id int64, req conflict.Request) (conflict.View, error) {
	view, entry, err := r.api.Resolve(ctx, id, req)
	if err != nil {
		return conflict.View{}, err
	}
	items, err := r.queue.Items(ctx)
	if err != nil {
		return view, err
	}
	for _, it := range items {
		if it.Submission.UUID == entry.UUID {
			it.Status = entry.Status
			if err := r.queue.Put(ctx, it); err != nil {
				return view, err
			}
			break
		}
	}
	return view, nil
}

func entityKey(sub types.Submission) string {
	if sub.EntityID == "" {
		return ""
	}
	return string(sub.EntityType) + "/" + string(sub.EntityID)
}
