// Package monitor advances tasks waiting on external asynchronous systems:
// CI checks against an open pull request, and a deploy pipeline after CI
// passes. Both are timer loops structurally identical to the Scheduler's
// tick loop (spec.md §4.6), just against a narrower task set and a status
// poll instead of a Runner dispatch.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/emily-flambe/orca/internal/eventbus"
	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/scm"
)

// Store is the subset of internal/store.Store the monitors depend on.
type Store interface {
	AwaitingCITasks(ctx context.Context) ([]*models.Task, error)
	DeployingTasks(ctx context.Context) ([]*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error
}

// DeployChecker reports whether a deployment triggered from commitSHA has
// finished, succeeded, or is still running. Orca ships one implementation
// per spec.md's `deployStrategy` config value; `NoopDeployChecker` backs
// the "none" strategy.
type DeployChecker interface {
	CheckDeploy(ctx context.Context, repoPath, commitSHA string) (scm.CheckState, error)
}

// NoopDeployChecker reports every deploy as immediately successful. Grounds
// the `deployStrategy=none` configuration: a team with no deploy pipeline
// still wants tasks to reach `done` rather than stall in `deploying`.
type NoopDeployChecker struct{}

func (NoopDeployChecker) CheckDeploy(ctx context.Context, repoPath, commitSHA string) (scm.CheckState, error) {
	return scm.CheckSuccess, nil
}

// Config bounds the monitors' poll interval and per-task timeouts.
type Config struct {
	PollInterval    time.Duration
	CITimeout       time.Duration
	DeployTimeout   time.Duration
	Logger          *slog.Logger
}

// CIMonitor watches awaiting_ci tasks' PR checks and advances them to
// deploying or failed.
type CIMonitor struct {
	store  Store
	scm    scm.SourceControl
	bus    *eventbus.Bus
	cfg    Config
}

// NewCIMonitor constructs a CIMonitor.
func NewCIMonitor(store Store, s scm.SourceControl, bus *eventbus.Bus, cfg Config) *CIMonitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &CIMonitor{store: store, scm: s, bus: bus, cfg: cfg}
}

// Run polls on cfg.PollInterval until ctx is canceled.
func (m *CIMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *CIMonitor) tick(ctx context.Context) {
	tasks, err := m.store.AwaitingCITasks(ctx)
	if err != nil {
		m.cfg.Logger.Error("list awaiting_ci tasks failed", "error", err)
		return
	}
	now := time.Now()
	for _, t := range tasks {
		m.checkOne(ctx, t, now)
	}
}

func (m *CIMonitor) checkOne(ctx context.Context, t *models.Task, now time.Time) {
	if t.CIStartedAt != nil && m.cfg.CITimeout > 0 && now.Sub(*t.CIStartedAt) > m.cfg.CITimeout {
		m.fail(ctx, t, now, "ci timed out")
		return
	}
	if t.PRNumber == 0 {
		// No PR has been opened yet (implement invocation hasn't pushed),
		// nothing to poll this tick.
		return
	}

	state, err := m.scm.CheckPRStatus(ctx, t.RepoPath, t.PRNumber)
	if err != nil {
		m.cfg.Logger.Error("check pr status failed", "issue", t.IssueID, "error", err)
		return
	}

	switch state {
	case scm.CheckSuccess, scm.CheckNone:
		if err := t.TransitionTo(models.PhaseDeploying, now); err != nil {
			m.cfg.Logger.Error("transition to deploying failed", "issue", t.IssueID, "error", err)
			return
		}
		t.DeployStartedAt = &now
		m.save(ctx, t)
	case scm.CheckFailure:
		m.fail(ctx, t, now, "ci checks failed")
	case scm.CheckPending:
		// keep waiting
	}
}

func (m *CIMonitor) fail(ctx context.Context, t *models.Task, now time.Time, reason string) {
	if err := t.TransitionTo(models.PhaseFailed, now); err != nil {
		m.cfg.Logger.Error("transition to failed failed", "issue", t.IssueID, "reason", reason, "error", err)
		return
	}
	m.save(ctx, t)
}

func (m *CIMonitor) save(ctx context.Context, t *models.Task) {
	if err := m.store.UpdateTask(ctx, t); err != nil {
		m.cfg.Logger.Error("update task failed", "issue", t.IssueID, "error", err)
		return
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicTaskUpdated, t)
	}
}

// DeployMonitor watches deploying tasks' deploy pipeline and advances them
// to done or failed.
type DeployMonitor struct {
	store   Store
	checker DeployChecker
	bus     *eventbus.Bus
	cfg     Config
}

// NewDeployMonitor constructs a DeployMonitor. checker defaults to
// NoopDeployChecker when nil (deployStrategy=none).
func NewDeployMonitor(store Store, checker DeployChecker, bus *eventbus.Bus, cfg Config) *DeployMonitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if checker == nil {
		checker = NoopDeployChecker{}
	}
	return &DeployMonitor{store: store, checker: checker, bus: bus, cfg: cfg}
}

// Run polls on cfg.PollInterval until ctx is canceled.
func (m *DeployMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *DeployMonitor) tick(ctx context.Context) {
	tasks, err := m.store.DeployingTasks(ctx)
	if err != nil {
		m.cfg.Logger.Error("list deploying tasks failed", "error", err)
		return
	}
	now := time.Now()
	for _, t := range tasks {
		m.checkOne(ctx, t, now)
	}
}

func (m *DeployMonitor) checkOne(ctx context.Context, t *models.Task, now time.Time) {
	// Missing merge SHA or deploy start timestamp means Orca has no way to
	// correlate a deploy with this task; force-complete rather than hold
	// it indefinitely (spec.md §4.6).
	if t.MergeCommitSHA == "" || t.DeployStartedAt == nil {
		m.cfg.Logger.Warn("force-completing deploy with missing correlation data", "issue", t.IssueID)
		m.done(ctx, t, now)
		return
	}

	if m.cfg.DeployTimeout > 0 && now.Sub(*t.DeployStartedAt) > m.cfg.DeployTimeout {
		m.fail(ctx, t, now)
		return
	}

	state, err := m.checker.CheckDeploy(ctx, t.RepoPath, t.MergeCommitSHA)
	if err != nil {
		m.cfg.Logger.Error("check deploy status failed", "issue", t.IssueID, "error", err)
		return
	}

	switch state {
	case scm.CheckSuccess, scm.CheckNone:
		m.done(ctx, t, now)
	case scm.CheckFailure:
		m.fail(ctx, t, now)
	case scm.CheckPending:
		// keep waiting
	}
}

func (m *DeployMonitor) done(ctx context.Context, t *models.Task, now time.Time) {
	if err := t.TransitionTo(models.PhaseDone, now); err != nil {
		m.cfg.Logger.Error("transition to done failed", "issue", t.IssueID, "error", err)
		return
	}
	m.save(ctx, t)
}

func (m *DeployMonitor) fail(ctx context.Context, t *models.Task, now time.Time) {
	if err := t.TransitionTo(models.PhaseFailed, now); err != nil {
		m.cfg.Logger.Error("transition to failed failed", "issue", t.IssueID, "error", err)
		return
	}
	m.save(ctx, t)
}

func (m *DeployMonitor) save(ctx context.Context, t *models.Task) {
	if err := m.store.UpdateTask(ctx, t); err != nil {
		m.cfg.Logger.Error("update task failed", "issue", t.IssueID, "error", err)
		return
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicTaskUpdated, t)
	}
}
