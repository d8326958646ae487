package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// defaultConfigPath is used when neither --config nor PATHRUNNER_CONFIG is set.
const defaultConfigPath = "pathrunner.cue"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	version string
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(ver, commit, buildDate string) *cobra.Command {
	version = ver

	rootCmd := &cobra.Command{
		Use:   "pathrunner",
		Short: "pathrunner - resilient multi-path action execution",
		Long: `pathrunner executes operational actions through an ordered list of
execution paths. Each attempt is recorded in an append-only ledger, unhealthy
paths are skipped by per-path circuit breakers, and an action that no path can
complete is escalated to a human with its full attempt history.

Paths can be:
  - Go functions compiled into the binary
  - Starlark scripts
  - WASM modules
  - Commands over SSH
  - An ephemeral micro-runner shipped over SFTP
  - HTTP webhooks`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", ver, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("PATHRUNNER_CONFIG")
	if defaultConfig == "" {
		defaultConfig = defaultConfigPath
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "config file path (CUE, YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newPathsCommand())
	rootCmd.AddCommand(newLedgerCommand())
	rootCmd.AddCommand(newEscalationsCommand())

	return rootCmd
}
