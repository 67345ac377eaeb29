package main

import (
	"github.com/lychee-technology/cardbase"
	"github.com/lychee-technology/cardbase/internal/settings"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configFile string
	envFile    string
	config     *cardbase.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "cardbase-tools",
		Short:         "Operate a cardbase Postgres store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settings.Load(opts.configFile, opts.envFile)
			if err != nil {
				return err
			}
			logger, err := cardbase.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			opts.config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (json, yaml or toml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading CARDBASE_* variables")

	cmd.AddCommand(newInitDBCommand(opts))
	cmd.AddCommand(newCompileCommand(opts))
	cmd.AddCommand(newQueryCommand(opts))
	cmd.AddCommand(newTailCommand(opts))
	cmd.AddCommand(newHealthCommand(opts))
	return cmd
}
