package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/emily-flambe/orca/internal/api"
	"github.com/emily-flambe/orca/internal/config"
	"github.com/emily-flambe/orca/internal/supervisor"
)

// NewStartCommand creates the start command: wires a Supervisor and an
// HTTP API server from environment configuration and blocks until
// stopped.
func NewStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the orchestrator",
		Long: `Start loads configuration from the environment, opens the sqlite
store, wires the Scheduler, SyncEngine (when a tracker is configured),
CIMonitor, and DeployMonitor, and serves the HTTP/SSE API alongside them.
It blocks until interrupted (SIGINT/SIGTERM) or the context is canceled.`,
		RunE: runStart,
	}
	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		return configError(err)
	}

	sv, err := supervisor.New(cfg, logger)
	if err != nil {
		return startupError(err)
	}

	// sv.SyncEngine() returns a typed *sync.Engine that is nil when no
	// tracker is configured; passed directly as api.SyncEngine it would
	// produce a non-nil interface wrapping a nil pointer, so it is only
	// forwarded when actually set.
	var syncEngine api.SyncEngine
	if se := sv.SyncEngine(); se != nil {
		syncEngine = se
	}

	srv := api.New(sv.Store(), syncEngine, sv.Scheduler(), sv.Bus(), api.Config{
		AllowedOrigins:       cfg.AllowedOrigins,
		ConcurrencyCap:       cfg.ConcurrencyCap,
		BudgetMaxCostUSD:     cfg.BudgetMaxCostUSD,
		BudgetWindowHours:    cfg.BudgetWindowHours,
		TrackerWebhookSecret: cfg.TrackerWebhookSecret,
		Logger:               logger,
	})

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: srv,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	runErr := sv.Run(ctx)

	_ = httpServer.Close()

	select {
	case err := <-errCh:
		if runErr == nil {
			return startupError(err)
		}
	default:
	}

	if runErr != nil {
		return startupError(runErr)
	}
	return nil
}

