package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/offline-sync/internal/config"
	"github.com/example/offline-sync/internal/observability"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "Offline sync and conflict resolution service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("SYNCD_CONFIG"), "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

func (o *rootOptions) load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, observability.NewLogger(os.Stderr, cfg.AppName, o.logLevel), nil
}
