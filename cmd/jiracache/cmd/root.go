// Package cmd provides the jiracache CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jhgg/jeev-jiracache/pkg/config"
	"github.com/jhgg/jeev-jiracache/pkg/logger"
)

type cfgKey struct{}

// NewRootCmd creates the root command. Every subcommand gets the loaded
// configuration through its context.
func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "jiracache",
		Short: "Redis-backed issue search with live updates",
		Long: `jiracache mirrors upstream issues into Redis sorted sets for key
autocomplete and ranked phrase search, and pushes changes to connected
websocket clients as they happen.

Configuration comes from the YAML file given by --config (built-in defaults
when omitted) with JC_* environment variables applied on top.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger.SetupWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey{}, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newResyncCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newFlushCmd())

	return cmd
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(cfgKey{}).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}
