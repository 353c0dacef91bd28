package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/blocksync/am"
	"github.com/teranos/blocksync/cmd/blocksync/commands"
	"github.com/teranos/blocksync/logger"
)

var rootCmd = &cobra.Command{
	Use:   "blocksync",
	Short: "blocksync - local-first block sync with a leader-elected outbox",
	Long: `blocksync keeps a local block store in step with a remote backend.

Edits land locally at once and are queued as transactions; one elected
agent per scope drains the queue, followers forward their edits to it.

Available commands:
  am     - Manage configuration
  serve  - Run the coordination hub
  agent  - Run a sync agent
  queue  - Inspect and manage the transaction queue
  db     - Manage the local database
  version

Examples:
  blocksync am show              # Show current configuration
  blocksync serve --dev-backend  # Hub plus an in-memory backend
  blocksync agent --page p1      # Sync and follow page p1
  blocksync queue stats          # Queue counters`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config output must stay parseable
		if cmd.Parent() != nil && cmd.Parent().Name() == "am" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		opts := logger.Options{Level: logger.VerbosityToLevel(verbosity)}
		if cfg, err := am.Load(); err == nil {
			opts.JSON = cfg.Log.JSON
			opts.File = cfg.Log.File
			opts.MaxSizeMB = cfg.Log.MaxSizeMB
			opts.MaxBackups = cfg.Log.MaxBackups
		}
		if err := logger.InitializeWithOptions(opts); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.AgentCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
