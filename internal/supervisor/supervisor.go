// Package supervisor is Orca's process-wide controller: it wires the
// Store, Scheduler, SyncEngine, CIMonitor, DeployMonitor, and EventBus
// together, runs each component's loop in its own goroutine, and drives
// a periodic fullSync alongside them. Its signal-handling shutdown is
// grounded on `internal/executor/orchestrator.go`'s ExecutePlan: a
// cancelable context plus a background goroutine selecting on an
// os/signal channel versus ctx.Done(), generalized from a single
// plan-execution run to a long-lived daemon that runs until stopped.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/emily-flambe/orca/internal/budget"
	"github.com/emily-flambe/orca/internal/config"
	"github.com/emily-flambe/orca/internal/eventbus"
	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/monitor"
	"github.com/emily-flambe/orca/internal/runner"
	"github.com/emily-flambe/orca/internal/scheduler"
	"github.com/emily-flambe/orca/internal/scm"
	"github.com/emily-flambe/orca/internal/store"
	syncengine "github.com/emily-flambe/orca/internal/sync"
	"github.com/emily-flambe/orca/internal/tracker"
)

// Store is the subset of internal/store.Store the Supervisor itself needs
// directly, beyond what it hands to each component. It also carries the
// read methods the API layer needs (AllTasks, InvocationsForTask), since
// Store() is the API server's only path to the database.
type Store interface {
	scheduler.Store
	syncengine.Store
	monitor.Store
	AllTasks(ctx context.Context) ([]*models.Task, error)
	InvocationsForTask(ctx context.Context, issueID string) ([]*models.Invocation, error)
	Close() error
}

// Supervisor owns the long-running components and their shutdown.
type Supervisor struct {
	cfg       *config.Config
	store     Store
	bus       *eventbus.Bus
	scheduler *scheduler.Scheduler
	sync      *syncengine.Engine
	ciMon     *monitor.CIMonitor
	deployMon *monitor.DeployMonitor
	logger    *slog.Logger
}

// New wires every component from cfg. It opens the sqlite store at
// cfg.DBPath; Run closes it when it returns, and a Supervisor that is never
// run has its store closed through Store().Close().
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New()
	gitSCM := scm.NewGitSCM()

	rnr := runner.New(cfg.AgentPath)
	rnr.SCM = gitSCM
	rnr.Waiter = budget.NewRateLimitWaiter(
		cfg.RateLimitMaxWait(),
		cfg.RateLimitAnnounceInterval(),
		cfg.RateLimitSafetyBuffer(),
		nil,
	)

	schedCfg := scheduler.Config{
		ConcurrencyCap:   cfg.ConcurrencyCap,
		TickInterval:     cfg.SchedulerInterval(),
		BudgetWindow:     cfg.BudgetWindow(),
		BudgetMaxCostUSD: cfg.BudgetMaxCostUSD,
		SessionTimeout:   cfg.SessionTimeout(),
		MaxReviewCycles:  cfg.MaxReviewCycles,
		MaxRetries:       cfg.MaxRetries,
		SkipCI:           cfg.DeployStrategy == "none",
		ResumeOnMaxTurns: cfg.ResumeOnMaxTurns,
	}
	sched := scheduler.New(st, rnr, bus, nil, schedCfg)

	var trackerClient *tracker.Client
	if cfg.TrackerBaseURL != "" {
		trackerClient = tracker.New(cfg.TrackerBaseURL, cfg.TrackerAPIKey)
	}

	stateMap := make(map[models.Phase]string, len(cfg.TrackerStateMap))
	for phase, stateID := range cfg.TrackerStateMap {
		stateMap[models.Phase(phase)] = stateID
	}

	var syncEngine *syncengine.Engine
	if trackerClient != nil {
		syncEngine = syncengine.New(st, trackerClient, gitSCM, bus, sched, syncengine.Config{
			ProjectRepoMap:    cfg.ProjectRepoMap,
			TrackerProjectIDs: cfg.TrackerProjectIDs,
			ReadyStateType:    cfg.TrackerReadyStateType,
			StateMap:          stateMap,
			Logger:            logger,
		})
		sched.SetDeps(syncEngine)
	}

	ciMon := monitor.NewCIMonitor(st, gitSCM, bus, monitor.Config{
		PollInterval: cfg.DeployPollInterval(),
		CITimeout:    cfg.CITimeout(),
		Logger:       logger,
	})

	var deployChecker monitor.DeployChecker = monitor.NoopDeployChecker{}
	deployMon := monitor.NewDeployMonitor(st, deployChecker, bus, monitor.Config{
		PollInterval:  cfg.DeployPollInterval(),
		DeployTimeout: cfg.DeployTimeout(),
		Logger:        logger,
	})

	return &Supervisor{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		scheduler: sched,
		sync:      syncEngine,
		ciMon:     ciMon,
		deployMon: deployMon,
		logger:    logger,
	}, nil
}

// Bus exposes the EventBus for the API layer to subscribe to.
func (sv *Supervisor) Bus() *eventbus.Bus { return sv.bus }

// SyncEngine exposes the Engine for the API layer's /api/sync and
// /webhooks/tracker handlers. Nil when no tracker is configured.
func (sv *Supervisor) SyncEngine() *syncengine.Engine { return sv.sync }

// Store exposes the Store for the API layer's read endpoints.
func (sv *Supervisor) Store() Store { return sv.store }

// Scheduler exposes the Scheduler for the API layer's cancel endpoint.
func (sv *Supervisor) Scheduler() *scheduler.Scheduler { return sv.scheduler }

// Run starts every component and blocks until ctx is canceled or a
// SIGINT/SIGTERM arrives, then waits for every component's goroutine to
// return before closing the store.
func (sv *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			sv.logger.Info("received shutdown signal, stopping gracefully")
			cancel()
		case <-ctx.Done():
		}
	}()

	if sv.sync != nil {
		if err := sv.sync.FullSync(ctx); err != nil {
			sv.logger.Error("initial fullSync failed", "error", err)
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sv.scheduler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sv.ciMon.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sv.deployMon.Run(ctx)
	}()

	if sv.sync != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sv.runSyncLoop(ctx)
		}()
	}

	wg.Wait()

	if err := sv.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// runSyncLoop drives the periodic fullSync per spec.md §4.5: "full sync
// from tracker on boot/interval". The boot sync already ran in Run before
// the other components started; this loop covers every interval after.
func (sv *Supervisor) runSyncLoop(ctx context.Context) {
	interval := sv.cfg.SyncInterval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sv.sync.FullSync(ctx); err != nil {
				sv.logger.Error("fullSync failed", "error", err)
			}
		}
	}
}
