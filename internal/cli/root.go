// Package cli provides the command-line interface for ecoscan.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jdziat/ecoscan/pkg/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config and logger
	cfg         config.Config
	logger      *slog.Logger
	closeLogger func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ecoscan",
	Short: "Waste classification backend",
	Long: `Ecoscan classifies waste from photos and chat messages, streams progress to
clients over server-sent events and rewards recyclable disposals with characters.

Processes:
  worker    runs the scan task chain from the broker
  router    relays event bus streams to per-job channels
  gateway   serves job progress as server-sent events`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}
		logger, closeLogger = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLogger != nil {
			if err := closeLogger(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(routerCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(warmupCacheCmd)
	rootCmd.AddCommand(esToDBSyncCmd)
	rootCmd.AddCommand(importDatasetCmd)
	rootCmd.AddCommand(initDBCmd)
	rootCmd.AddCommand(eventsCmd)
}
