// Package cmd implements the vulncorr command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/ortelius/pdvd-vulncorr/database"
	"github.com/ortelius/pdvd-vulncorr/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vulncorr",
	Short: "Correlates SBOM snapshots with a vulnerability feed and tracks alerts",
	Long: `vulncorr imports a vulnerability database, ingests project snapshots
from SBOMs, and keeps an alert per vulnerable dependency up to date as the
feed and the snapshots change.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, importCmd, calculateCmd)

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger every command shares
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, database.InitLogger(cfg.Verbose), nil
}
