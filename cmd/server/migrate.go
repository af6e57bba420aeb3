package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/example/offline-sync/internal/storage"
	"github.com/example/offline-sync/internal/vault"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the sync queue, conflict and vault schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := pgxpool.New(ctx, cfg.PostgresURL)
			if err != nil {
				return fmt.Errorf("create postgres pool: %w", err)
			}
			defer pool.Close()

			steps := []struct {
				name string
				run  func(context.Context, *pgxpool.Pool) error
			}{
				{"vault", vault.Migrate},
				{"sync store", storage.Migrate},
			}
			for _, step := range steps {
				if err := step.run(ctx, pool); err != nil {
					return err
				}
				logger.Info().Str("schema", step.name).Msg("schema applied")
			}
			return nil
		},
	}
}
