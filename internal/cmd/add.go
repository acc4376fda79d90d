package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/emily-flambe/orca/internal/config"
	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/store"
)

// NewAddCommand creates the add command: seeds a task directly in the
// Store, bypassing a tracker round-trip for manual backlog entry.
func NewAddCommand() *cobra.Command {
	var repoPath, prompt, project string
	var priority int

	cmd := &cobra.Command{
		Use:   "add <issueId>",
		Short: "Seed a task in the backlog without a tracker round-trip",
		Long: `Add inserts a single task directly into the store in the backlog
phase. Useful for running Orca against a repository with no tracker
integration configured, or for manually queuing one-off work.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueID := args[0]

			cfg, err := config.Load()
			if err != nil {
				return configError(err)
			}
			if repoPath == "" {
				return configError(fmt.Errorf("--repo-path is required"))
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return startupError(fmt.Errorf("open store: %w", err))
			}
			defer st.Close()

			ctx := cmd.Context()
			existing, err := st.GetTask(ctx, issueID)
			if err != nil {
				return startupError(fmt.Errorf("check existing task: %w", err))
			}
			if existing != nil {
				return fmt.Errorf("task %s already exists (phase %s)", issueID, existing.Phase)
			}

			now := time.Now()
			task := &models.Task{
				IssueID:     issueID,
				AgentPrompt: prompt,
				RepoPath:    repoPath,
				ProjectName: project,
				Phase:       models.PhaseBacklog,
				Priority:    priority,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := task.Validate(); err != nil {
				return configError(err)
			}
			if err := st.InsertTask(ctx, task); err != nil {
				return startupError(fmt.Errorf("insert task: %w", err))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "added task %s (backlog, priority %d)\n", issueID, priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&repoPath, "repo-path", "", "path to the git repository this task runs against (required)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "agent prompt / task description")
	cmd.Flags().StringVar(&project, "project", "", "project name grouping, if any")
	cmd.Flags().IntVar(&priority, "priority", 2, "priority in [0,4], lower admits first")

	return cmd
}
