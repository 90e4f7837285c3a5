package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "labdaq",
		Short: "labdaq - Experiment run automation middleware",
		Long: `labdaq drives laboratory experiments as streams of plan messages.

Features:
  - Plan primitives for counting, scanning, and time series acquisition
  - A run engine with pause, resume, abort, and checkpointing
  - Starlark scripting that yields plans back to the engine
  - Live run documents over WebSocket and Prometheus metrics
  - SQLite run history and Rego policy gating`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newScriptCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newCheckpointsCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}
