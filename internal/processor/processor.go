// Package processor drains the sync queue: it claims pending entries in
// per-entity issue order, applies them through the owning domain service and
// routes version divergence to the conflict detector.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/offline-sync/internal/conflict"
	"github.com/example/offline-sync/internal/domain"
	"github.com/example/offline-sync/internal/observability"
	"github.com/example/offline-sync/internal/storage"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
)

const (
	defaultWorkers      = 4
	defaultBatchSize    = 32
	defaultPollInterval = 2 * time.Second
	defaultLeaseTimeout = 5 * time.Minute
	defaultMaxRetries   = 5
	defaultBackoffBase  = 2 * time.Second
	defaultBackoffMax   = 5 * time.Minute
)

// Config tunes the worker pool.
type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = defaultLeaseTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	return c
}

// Backoff returns the delay before the retry-th attempt (1-based):
// base * 2^(retry-1), capped at BackoffMax.
func (c Config) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := c.BackoffBase
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= c.BackoffMax || delay <= 0 {
			return c.BackoffMax
		}
	}
	if delay > c.BackoffMax {
		return c.BackoffMax
	}
	return delay
}

// Store is the persistence the processor needs.
type Store interface {
	Claim(ctx context.Context, req storage.ClaimRequest) ([]types.SyncQueueEntry, error)
	Settle(ctx context.Context, id int64, worker string, s storage.Settlement) (types.SyncQueueEntry, error)
	RaiseConflict(ctx context.Context, worker string, c types.SyncConflict) (types.SyncConflict, types.SyncQueueEntry, error)
	GetConflict(ctx context.Context, tenant types.TenantID, id int64) (types.SyncConflict, error)
}

// Processor is a pool of queue workers.
type Processor struct {
	store    Store
	services *domain.Registry
	detector *conflict.Detector
	resolver *conflict.Resolver
	notifier conflict.Notifier
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	wake chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// WithResolver enables automatic resolution of freshly raised conflicts.
func WithResolver(r *conflict.Resolver) Option {
	return func(p *Processor) {
		p.resolver = r
	}
}

// New wires a processor. Zero Config fields take defaults; a negative
// MaxRetries selects the default while zero disables retries.
func New(store Store, services *domain.Registry, detector *conflict.Detector, notifier conflict.Notifier, cfg Config, logger zerolog.Logger, opts ...Option) *Processor {
	cfg = cfg.withDefaults()
	p := &Processor{
		store:    store,
		services: services,
		detector: detector,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		wake:     make(chan struct{}, cfg.Workers),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. They stop when ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		worker := uuid.NewString()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, worker)
		}()
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Dur("poll_interval", p.cfg.PollInterval).Msg("sync processor started")
}

// Wait blocks until every worker has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Wake makes idle workers poll immediately.
func (p *Processor) Wake() {
	for i := 0; i < cap(p.wake); i++ {
		select {
		case p.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (p *Processor) loop(ctx context.Context, worker string) {
	logger := p.logger.With().Str("worker", worker).Logger()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := p.RunOnce(ctx, worker)
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("claim round failed")
		}
		if n == p.cfg.BatchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// RunOnce claims one batch for worker and processes it sequentially. It
// returns the number of entries claimed.
func (p *Processor) RunOnce(ctx context.Context, worker string) (int, error) {
	entries, err := p.store.Claim(ctx, storage.ClaimRequest{
		Worker:       worker,
		Limit:        p.cfg.BatchSize,
		Now:          p.now(),
		LeaseTimeout: p.cfg.LeaseTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			// Unprocessed entries are reclaimed once their lease expires.
			return len(entries), ctx.Err()
		}
		p.process(ctx, worker, entry)
	}
	return len(entries), nil
}

func (p *Processor) process(ctx context.Context, worker string, entry types.SyncQueueEntry) {
	ctx, span := tracer.Start(ctx, "processor.process", trace.WithAttributes(
		attribute.Int64("entry_id", entry.ID),
		attribute.String("entity_type", string(entry.EntityType)),
		attribute.String("action", string(entry.Action)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		applyLatency.WithLabelValues(string(entry.EntityType)).Observe(time.Since(start).Seconds())
	}()

	svc, ok := p.services.Lookup(entry.EntityType)
	if !ok {
		p.fail(ctx, worker, entry, syncerr.Validation("unknown entity type %q", entry.EntityType))
		return
	}

	if entry.ConflictID != nil {
		c, err := p.store.GetConflict(ctx, entry.TenantID, *entry.ConflictID)
		if err != nil {
			p.fail(ctx, worker, entry, fmt.Errorf("load conflict %d: %w", *entry.ConflictID, err))
			return
		}
		if c.Resolution.Final() {
			p.confirm(ctx, worker, entry, c, svc)
			return
		}
	}

	payload, err := types.DecodeFields(entry.Payload)
	if err != nil {
		p.fail(ctx, worker, entry, syncerr.Validation("%v", err))
		return
	}

	switch entry.Action {
	case types.ActionCreate:
		p.create(ctx, worker, entry, svc, payload)
	case types.ActionUpdate, types.ActionDelete:
		p.mutate(ctx, worker, entry, svc, payload)
	default:
		p.fail(ctx, worker, entry, syncerr.Validation("unknown action %q", entry.Action))
	}
}

func (p *Processor) create(ctx context.Context, worker string, entry types.SyncQueueEntry, svc domain.Service, payload types.Fields) {
	result, err := svc.Apply(ctx, domain.ApplyRequest{
		TenantID: entry.TenantID,
		UserID:   entry.UserID,
		Action:   types.ActionCreate,
		Fields:   payload,
	})
	if cr, ok := syncerr.AsConflict(err); ok {
		p.raise(ctx, worker, entry, svc, cr.EntityID, cr.Current)
		return
	}
	if err != nil {
		p.fail(ctx, worker, entry, err)
		return
	}
	p.complete(ctx, worker, entry, result.EntityID, result.State.Version)
}

func (p *Processor) mutate(ctx context.Context, worker string, entry types.SyncQueueEntry, svc domain.Service, payload types.Fields) {
	if entry.EntityID == "" || entry.BaseVersion == nil {
		p.fail(ctx, worker, entry, syncerr.Validation("%s requires entity_id and base_version", entry.Action))
		return
	}

	// The service checks business rules such as locks before the expected
	// version, so a locked entity fails instead of surfacing as a conflict.
	req := domain.ApplyRequest{
		TenantID: entry.TenantID,
		UserID:   entry.UserID,
		Action:   entry.Action,
		EntityID: entry.EntityID,
		Expected: entry.BaseVersion,
	}
	if entry.Action == types.ActionUpdate {
		req.Fields = payload
	}
	result, err := svc.Apply(ctx, req)
	if cr, ok := syncerr.AsConflict(err); ok {
		p.raise(ctx, worker, entry, svc, entry.EntityID, cr.Current)
		return
	}
	if err != nil {
		p.fail(ctx, worker, entry, err)
		return
	}
	p.complete(ctx, worker, entry, result.EntityID, result.State.Version)
}

// confirm finishes an entry whose conflict was resolved by applying the
// chosen state. Nothing is re-applied.
func (p *Processor) confirm(ctx context.Context, worker string, entry types.SyncQueueEntry, c types.SyncConflict, svc domain.Service) {
	id := entry.AppliedEntityID
	if id == "" {
		id = c.EntityID
	}
	state, err := svc.CurrentVersion(ctx, entry.TenantID, id)
	switch {
	case err == nil:
	case entry.Action == types.ActionDelete && c.Resolution == types.ResolutionLocalWins && syncerr.IsDomainRejected(err):
		// The delete went through.
		version := c.ServerVersion.Version
		if entry.AppliedVersion != nil {
			version = *entry.AppliedVersion
		}
		p.complete(ctx, worker, entry, id, version)
		return
	default:
		p.fail(ctx, worker, entry, err)
		return
	}

	version := state.Version
	if entry.AppliedVersion != nil {
		if *entry.AppliedVersion != state.Version {
			p.logger.Debug().
				Int64("entry_id", entry.ID).
				Int64("applied_version", int64(*entry.AppliedVersion)).
				Int64("current_version", int64(state.Version)).
				Msg("entity moved after resolution")
		}
		version = *entry.AppliedVersion
	}
	p.complete(ctx, worker, entry, id, version)
}

func (p *Processor) raise(ctx context.Context, worker string, entry types.SyncQueueEntry, svc domain.Service, entityID types.EntityID, server types.State) {
	var base *types.State
	if entry.BaseVersion != nil && entry.Action != types.ActionCreate {
		base = p.detector.LoadBase(ctx, svc, entry.TenantID, entityID, *entry.BaseVersion)
	}
	c, err := p.detector.Detect(entry, entityID, server, base)
	if err != nil {
		p.fail(ctx, worker, entry, syncerr.Validation("%v", err))
		return
	}
	c.DetectedAt = p.now()

	c, settled, err := p.store.RaiseConflict(ctx, worker, c)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			p.leaseLost(entry, worker)
			return
		}
		p.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("raise conflict failed")
		return
	}

	kind := conflict.KindOf(c)
	conflict.Observe(kind, string(c.EntityType))
	entriesProcessed.WithLabelValues(string(types.StatusConflict)).Inc()
	logger := observability.LoggerWithTrace(ctx, p.logger)
	logger.Info().
		Str("tenant", string(entry.TenantID)).
		Str("entity_type", string(entry.EntityType)).
		Int64("entry_id", entry.ID).
		Int64("conflict_id", c.ID).
		Str("kind", string(kind)).
		Msg("conflict raised")
	p.publish(ctx, settled)

	if p.resolver == nil {
		return
	}
	if _, err := p.resolver.AutoResolve(ctx, c); err != nil {
		p.logger.Warn().Err(err).Int64("conflict_id", c.ID).Msg("automatic resolution failed")
	}
}

func (p *Processor) complete(ctx context.Context, worker string, entry types.SyncQueueEntry, id types.EntityID, version types.Version) {
	p.settle(ctx, worker, entry, storage.Settlement{
		Status:          types.StatusCompleted,
		AppliedEntityID: id,
		AppliedVersion:  &version,
	})
}

// fail settles entry according to how err is classified: terminal kinds
// fail immediately, everything else is retried with backoff until the retry
// budget runs out.
func (p *Processor) fail(ctx context.Context, worker string, entry types.SyncQueueEntry, err error) {
	kind := syncerr.KindOf(err)
	switch kind {
	case syncerr.KindDomainRejected, syncerr.KindValidation, syncerr.KindAuthorization, syncerr.KindNotFound, syncerr.KindState:
		p.settle(ctx, worker, entry, storage.Settlement{
			Status:       types.StatusFailed,
			ErrorMessage: syncerr.UserMessage(err),
		})
		return
	}

	now := p.now()
	if entry.RetryCount >= p.cfg.MaxRetries {
		p.logger.Warn().Err(err).Int64("entry_id", entry.ID).Int("retry_count", entry.RetryCount+1).Msg("retry budget exhausted")
		p.settle(ctx, worker, entry, storage.Settlement{
			Status:       types.StatusFailed,
			ErrorMessage: err.Error(),
			IncRetry:     true,
			Now:          now,
		})
		return
	}

	retries.WithLabelValues(string(kind)).Inc()
	p.settle(ctx, worker, entry, storage.Settlement{
		Status:        types.StatusPending,
		ErrorMessage:  err.Error(),
		IncRetry:      true,
		NextAttemptAt: now.Add(p.cfg.Backoff(entry.RetryCount + 1)),
		Now:           now,
	})
}

func (p *Processor) settle(ctx context.Context, worker string, entry types.SyncQueueEntry, s storage.Settlement) {
	if s.Now.IsZero() {
		s.Now = p.now()
	}
	settled, err := p.store.Settle(ctx, entry.ID, worker, s)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			p.leaseLost(entry, worker)
			return
		}
		p.logger.Error().Err(err).Int64("entry_id", entry.ID).Str("status", string(s.Status)).Msg("settle entry failed")
		return
	}

	entriesProcessed.WithLabelValues(string(s.Status)).Inc()
	event := p.logger.Debug()
	if s.Status == types.StatusFailed {
		event = p.logger.Warn()
	}
	event.
		Str("tenant", string(entry.TenantID)).
		Str("entity_type", string(entry.EntityType)).
		Int64("entry_id", entry.ID).
		Str("status", string(s.Status)).
		Str("error", s.ErrorMessage).
		Msg("entry settled")
	p.publish(ctx, settled)
}

func (p *Processor) leaseLost(entry types.SyncQueueEntry, worker string) {
	leasesLost.Inc()
	p.logger.Warn().Int64("entry_id", entry.ID).Str("worker", worker).Msg("lease lost; entry reclaimed by another worker")
}

func (p *Processor) publish(ctx context.Context, entry types.SyncQueueEntry) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Publish(ctx, types.EventFor(entry, p.now())); err != nil {
		p.logger.Warn().Err(err).Int64("entry_id", entry.ID).Msg("publish status event failed")
	}
}
