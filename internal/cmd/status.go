package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/emily-flambe/orca/internal/config"
	"github.com/emily-flambe/orca/internal/store"
)

type statusSnapshot struct {
	ActiveSessions    int      `json:"activeSessions"`
	QueuedTasks       int      `json:"queuedTasks"`
	CostInWindow      float64  `json:"costInWindow"`
	BudgetLimit       float64  `json:"budgetLimit"`
	BudgetWindowHours int      `json:"budgetWindowHours"`
	ConcurrencyCap    int      `json:"concurrencyCap"`
	ActiveTaskIDs     []string `json:"activeTaskIds"`
}

// NewStatusCommand creates the status command: prints queue/active/cost
// by querying a running instance's /api/status, or the Store directly
// when --db is passed.
func NewStatusCommand() *cobra.Command {
	var dbPath, apiURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler queue, active sessions, and budget usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap statusSnapshot
			var err error

			if dbPath != "" {
				snap, err = statusFromStore(cmd, dbPath)
			} else {
				snap, err = statusFromAPI(apiURL)
			}
			if err != nil {
				return startupError(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "active sessions:   %d / %d\n", snap.ActiveSessions, snap.ConcurrencyCap)
			fmt.Fprintf(cmd.OutOrStdout(), "queued tasks:      %d\n", snap.QueuedTasks)
			fmt.Fprintf(cmd.OutOrStdout(), "cost in window:    $%.2f / $%.2f (%dh window)\n", snap.CostInWindow, snap.BudgetLimit, snap.BudgetWindowHours)
			if len(snap.ActiveTaskIDs) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "active task ids:   %v\n", snap.ActiveTaskIDs)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "query the sqlite store at this path directly instead of calling a running instance")
	cmd.Flags().StringVar(&apiURL, "api-url", "http://localhost:8080", "base URL of a running orca instance")

	return cmd
}

func statusFromAPI(apiURL string) (statusSnapshot, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(apiURL + "/api/status")
	if err != nil {
		return statusSnapshot{}, fmt.Errorf("query %s: %w", apiURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusSnapshot{}, fmt.Errorf("query %s: unexpected status %d", apiURL, resp.StatusCode)
	}

	var snap statusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return statusSnapshot{}, fmt.Errorf("decode status response: %w", err)
	}
	return snap, nil
}

func statusFromStore(cmd *cobra.Command, dbPath string) (statusSnapshot, error) {
	cfg, err := config.Load()
	if err != nil {
		return statusSnapshot{}, err
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return statusSnapshot{}, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := cmd.Context()

	active, err := st.ActiveInvocationCount(ctx)
	if err != nil {
		return statusSnapshot{}, fmt.Errorf("active invocation count: %w", err)
	}
	queued, err := st.DispatchableTasks(ctx)
	if err != nil {
		return statusSnapshot{}, fmt.Errorf("dispatchable tasks: %w", err)
	}
	cost, err := st.CostInWindow(ctx, time.Now().Add(-cfg.BudgetWindow()))
	if err != nil {
		return statusSnapshot{}, fmt.Errorf("cost in window: %w", err)
	}

	return statusSnapshot{
		ActiveSessions:    active,
		QueuedTasks:       len(queued),
		CostInWindow:      cost,
		BudgetLimit:       cfg.BudgetMaxCostUSD,
		BudgetWindowHours: cfg.BudgetWindowHours,
		ConcurrencyCap:    cfg.ConcurrencyCap,
	}, nil
}
