package cmd

import (
	"context"
	"encoding/json"

	"github.com/ortelius/pdvd-vulncorr/scheduler"
	"github.com/spf13/cobra"
)

var recalculate bool

// importCmd represents the import command
var importCmd = &cobra.Command{
	Use:   "import [path|url]",
	Short: "Import a vulnerability feed once",
	Long: `Imports a Grype vulnerability database archive, an OSV zip export or
a listing URL into the configured store. Without an argument the configured
feed.source is used. A source is skipped when it has nothing newer than
the last import.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&recalculate, "recalculate", false, "Recalculate every project's latest snapshot after the import")
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if len(args) == 1 {
		cfg.Feed.Source = args[0]
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	result, imported, err := a.fetcher.Refresh(ctx)
	if err != nil {
		return err
	}
	if !imported {
		logger.Sugar().Infof("Feed %s has nothing newer to import", cfg.Feed.Source)
		return nil
	}

	if recalculate {
		sched := scheduler.New(nil, a.calculator, a.store, cfg.SchedulerOptions(), logger)
		sched.TriggerAll(true)
		sched.Wait()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
