package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/offline-sync/internal/api"
	"github.com/example/offline-sync/internal/archive"
	"github.com/example/offline-sync/internal/auth"
	"github.com/example/offline-sync/internal/config"
	"github.com/example/offline-sync/internal/conflict"
	"github.com/example/offline-sync/internal/domain"
	"github.com/example/offline-sync/internal/ingest"
	"github.com/example/offline-sync/internal/notify"
	"github.com/example/offline-sync/internal/observability"
	"github.com/example/offline-sync/internal/processor"
	"github.com/example/offline-sync/internal/schema"
	"github.com/example/offline-sync/internal/storage"
	"github.com/example/offline-sync/internal/types"
	"github.com/example/offline-sync/internal/vault"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync API, queue workers and conflict archiver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// backend is the persistence and fan-out chosen by configuration.
type backend struct {
	store    storage.Store
	vault    vault.Vault
	notifier conflict.Notifier
	object   archive.Uploader
	health   func(context.Context) error
	close    func()
}

func openBackend(ctx context.Context, cfg config.Config, hub *notify.Hub, logger zerolog.Logger) (*backend, error) {
	if cfg.Backend == config.BackendMemory {
		logger.Warn().Msg("running on the in-memory backend; nothing is persisted")
		return &backend{
			store:    storage.NewMemory(),
			vault:    vault.NewMemory(),
			notifier: notify.NewLocal(hub),
			close:    func() {},
		}, nil
	}

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		return nil, err
	}
	bus := notify.NewRedisBus(resources.Redis, hub, logger)
	bus.Start(ctx)

	b := &backend{
		store:    storage.NewPostgres(resources.Postgres),
		vault:    vault.NewPostgres(resources.Postgres),
		notifier: bus,
		health:   resources.HealthCheck,
		close:    resources.Close,
	}
	if resources.Object != nil {
		b.object = resources.Object
	}
	return b, nil
}

func policies(cfg config.Config) (*conflict.PolicySet, error) {
	exprs := make(map[types.EntityType]string, len(cfg.Policies))
	for entityType, expr := range cfg.Policies {
		exprs[types.EntityType(entityType)] = expr
	}
	return conflict.NewPolicySet(exprs)
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	observability.RegisterRuntimeCollectors(prometheus.DefaultRegisterer)
	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer telemetryShutdown(context.Background())

	hub := notify.NewHub()
	be, err := openBackend(ctx, cfg, hub, logger)
	if err != nil {
		return fmt.Errorf("initialize backend: %w", err)
	}
	defer be.close()

	services, err := domain.NewRegistry(domain.Defaults(be.vault)...)
	if err != nil {
		return err
	}
	schemas := schema.NewRegistry()
	if err := services.RegisterSchemas(schemas); err != nil {
		return fmt.Errorf("register schemas: %w", err)
	}
	policySet, err := policies(cfg)
	if err != nil {
		return fmt.Errorf("compile conflict policies: %w", err)
	}

	detector := conflict.NewDetector(cfg.Sync.DetectorCache)
	resolver := conflict.NewResolver(be.store, services, schemas, detector, be.notifier, logger.With().Str("component", "resolver").Logger(),
		conflict.WithPolicies(policySet))

	proc := processor.New(be.store, services, detector, be.notifier, processor.Config{
		Workers:      cfg.Sync.Workers,
		BatchSize:    cfg.Sync.BatchSize,
		PollInterval: cfg.Sync.PollInterval,
		LeaseTimeout: cfg.Sync.LeaseTimeout,
		MaxRetries:   cfg.Sync.MaxRetries,
		BackoffBase:  cfg.Sync.BackoffBase,
		BackoffMax:   cfg.Sync.BackoffMax,
	}, logger.With().Str("component", "processor").Logger(), processor.WithResolver(resolver))
	hub.OnWake(proc.Wake)
	proc.Start(ctx)

	if be.object != nil {
		archive.NewWorker(be.store, be.object, cfg.ObjectBucket, logger.With().Str("component", "archive").Logger(),
			archive.WithInterval(cfg.ArchiveInterval)).Start(ctx)
	}

	authn := auth.HeaderAuthenticator{}
	deps := api.Deps{
		Authenticator: authn,
		Entries:       ingest.NewHTTPHandler(ingest.NewService(be.store, schemas, be.notifier, logger.With().Str("component", "ingest").Logger()), logger),
		Conflicts:     conflict.NewHTTPHandler(resolver, logger),
		Events:        notify.NewGateway(authn, hub, logger.With().Str("component", "events").Logger(), notify.GatewayConfig{}),
		Health:        be.health,
		Logger:        logger,
	}
	if cfg.MetricsAddr == "" {
		deps.Metrics = promhttp.Handler()
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Str("backend", cfg.Backend).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if be.health != nil {
		go healthLoop(ctx, be.health, cfg.HealthcheckProbe, logger)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-serveErr:
		logger.Error().Err(runErr).Msg("http server failed")
	}
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown; leased entries will be reclaimed")
	}
	return runErr
}

func healthLoop(ctx context.Context, check func(context.Context) error, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := check(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
