package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/cascade/cmd/cascade/commands"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cascade",
	Short: "cascade - content derivation pipeline",
	Long: `cascade - propagate content changes into derived artifacts.

When a source record changes, cascade translates its text fields, publishes
a public snapshot, purges CDN caches and refreshes vector embeddings. Every
run is recorded in the job run ledger and every unit of stage work is
claimed first, so replays and concurrent triggers never repeat a side effect.

Available commands:
  serve    - Start the HTTP trigger server with background workers
  trigger  - Run the pipeline for one record from the command line
  runs     - Inspect the job run ledger
  sweep    - Abandon stale runs and expire idempotency leases once
  am       - Show and validate configuration
  db       - Manage the database schema

Examples:
  cascade serve                       # Start the server on the configured port
  cascade trigger post p-42 -t acme   # Run the pipeline for posts/p-42
  cascade runs ls --status failed     # List failed runs
  cascade am show                     # Show effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON logs instead of console output")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (overrides the system/user/project cascade)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.TriggerCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.SweepCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
