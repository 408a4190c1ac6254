package cmd

import (
	"context"
	"encoding/json"

	"github.com/ortelius/pdvd-vulncorr/alerts"
	"github.com/spf13/cobra"
)

var (
	snapshotID string
	calcMode   string
)

// calculateCmd represents the calculate command
var calculateCmd = &cobra.Command{
	Use:   "calculate",
	Short: "Calculate the alerts of one snapshot against the configured store",
	RunE:  runCalculate,
}

func init() {
	calculateCmd.Flags().StringVarP(&snapshotID, "snapshot", "s", "", "Snapshot id (required)")
	calculateCmd.Flags().StringVarP(&calcMode, "mode", "m", "", "full or incremental (default alerts.mode)")
	_ = calculateCmd.MarkFlagRequired("snapshot")
}

func runCalculate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	mode := a.calculator.Mode()
	if calcMode != "" {
		mode = alerts.ParseMode(calcMode)
	}
	summary, err := a.calculator.CalculateMode(ctx, snapshotID, mode)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
