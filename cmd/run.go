package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fetch-scheduler/internal/config"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		seeds   []string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one fetch batch to completion",
		Long: `Loads configuration, seeds the batch and runs fetch workers until every
queued task is finished, the batch max runtime elapses or the process is
signalled.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return err
			}
			if len(seeds) > 0 {
				cfg.Seeds = append(cfg.Seeds, seeds...)
			}
			if workers > 0 {
				cfg.Worker.Count = workers
			}
			app, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("batch %s: %w", app.BatchID(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s complete\n", app.BatchID())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "seed URL, repeatable; appended to configured seeds")
	cmd.Flags().IntVar(&workers, "workers", 0, "override worker.count")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate configuration without running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"config ok: %d workers, %d seeds, schedule %s, storage %s\n",
				cfg.Worker.Count, len(cfg.Seeds), cfg.Schedule.Strategy, cfg.Storage.Backend)
			return nil
		},
	}
}
