package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for orca.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orca",
		Short: "Autonomous coding-agent scheduler",
		Long: `Orca polls an issue tracker for ready work, dispatches Claude Code
agent invocations against git worktrees, watches CI and deploys, and
writes results back to the tracker.

It runs as a single long-lived process coordinating a Store, a Scheduler,
a SyncEngine, and a pair of monitors.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewStartCommand())
	cmd.AddCommand(NewAddCommand())
	cmd.AddCommand(NewStatusCommand())

	return cmd
}
