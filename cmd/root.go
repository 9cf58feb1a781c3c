// Package cmd defines the fetchsched CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fetch-scheduler/internal/config"
	"github.com/JakeFAU/fetch-scheduler/internal/server"
)

// Runner is the application surface the run command drives.
type Runner interface {
	BatchID() string
	Run(ctx context.Context) error
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (Runner, error) {
	return server.Build(ctx, cfg)
}

type rootOptions struct {
	cfgFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "fetchsched",
		Short: "Politeness-aware fetch scheduler for batch crawls.",
		Long: `fetchsched runs one crawl batch: it queues the configured seeds per host,
hands them to a pool of fetch workers under per-host concurrency caps and
rate limits, reschedules every page from its fetch outcome and reports host
health when the batch completes.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newRunCmd(opts), newValidateCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
