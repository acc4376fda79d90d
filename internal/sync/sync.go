// Package sync reconciles Orca's local task state with the external issue
// tracker: a periodic/startup fullSync, inbound webhook handling, and
// writeBack of Orca-owned phase changes. It is the implementation of
// spec.md §4.5's three entry points plus the resolveConflict table
// (conflict.go) and evaluateParentStatuses roll-up.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emily-flambe/orca/internal/eventbus"
	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/scheduler"
	"github.com/emily-flambe/orca/internal/scm"
	"github.com/emily-flambe/orca/internal/tracker"
)

// Store is the subset of internal/store.Store the Engine depends on.
type Store interface {
	GetTask(ctx context.Context, issueID string) (*models.Task, error)
	InsertTask(ctx context.Context, t *models.Task) error
	UpdateTask(ctx context.Context, t *models.Task) error
	DeleteTask(ctx context.Context, issueID string) error
	ParentTasks(ctx context.Context) ([]*models.Task, error)
	ChildrenOf(ctx context.Context, issueID string) ([]*models.Task, error)
}

// TrackerClient is the subset of tracker.Client the Engine depends on.
type TrackerClient interface {
	FetchIssues(ctx context.Context, projectID string) ([]tracker.Issue, error)
	FetchWorkflowStates(ctx context.Context, projectID string) ([]tracker.WorkflowState, error)
	UpdateIssueState(ctx context.Context, issueID, stateID string) error
}

// SchedulerHandle is the subset of *scheduler.Scheduler the Engine needs to
// cancel an active invocation when a task is externally canceled or reset.
type SchedulerHandle interface {
	Cancel(issueID string) bool
}

// Config configures the Engine's mapping between Orca phases and tracker
// concepts.
type Config struct {
	// ProjectRepoMap maps a tracker project name to the local repo path
	// Runner invocations for that project's tasks operate against.
	ProjectRepoMap map[string]string
	// TrackerProjectIDs is the set of tracker projects fullSync scans.
	TrackerProjectIDs []string
	// ReadyStateType is the tracker workflow-state *type* (not id) whose
	// issues start life in PhaseReady rather than PhaseBacklog.
	ReadyStateType string
	// StateMap maps an Orca phase to the tracker workflow state id
	// writeBack pushes for that phase.
	StateMap map[models.Phase]string
	Logger   *slog.Logger
}

// Engine implements fullSync, webhook handling, and writeBack.
type Engine struct {
	store     Store
	tracker   TrackerClient
	scm       scm.SourceControl
	bus       *eventbus.Bus
	scheduler SchedulerHandle
	cfg       Config
	expected  *expectedChanges

	mu    sync.RWMutex
	graph *scheduler.BlockerGraph
}

// New constructs an Engine.
func New(store Store, tc TrackerClient, s scm.SourceControl, bus *eventbus.Bus, sched SchedulerHandle, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:     store,
		tracker:   tc,
		scm:       s,
		bus:       bus,
		scheduler: sched,
		cfg:       cfg,
		expected:  newExpectedChanges(),
	}
}

// BlockerGraph satisfies scheduler.DependencyProvider: the Scheduler's
// admission loop consults whatever graph the last fullSync computed.
func (e *Engine) BlockerGraph() *scheduler.BlockerGraph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph
}

// FullSync fetches every configured project's issues and workflow states,
// upserts local tasks, rebuilds the dependency graph, and evaluates parent
// roll-up status. Per spec.md §4.5.1, triggered at startup and on a
// periodic timer by the Supervisor.
func (e *Engine) FullSync(ctx context.Context) error {
	edges := make(map[string][]string)
	resolved := make(map[string]bool)
	childParents := make(map[string]bool)

	var allIssues []tracker.Issue

	for _, projectID := range e.cfg.TrackerProjectIDs {
		issues, err := e.tracker.FetchIssues(ctx, projectID)
		if err != nil {
			return fmt.Errorf("fetch issues for project %s: %w", projectID, err)
		}
		states, err := e.tracker.FetchWorkflowStates(ctx, projectID)
		if err != nil {
			return fmt.Errorf("fetch workflow states for project %s: %w", projectID, err)
		}
		stateTypeByID := make(map[string]string, len(states))
		stateNameByID := make(map[string]string, len(states))
		for _, st := range states {
			stateTypeByID[st.ID] = st.Type
			stateNameByID[st.ID] = st.Name
		}

		for _, issue := range issues {
			if issue.ParentIdentifier != "" {
				childParents[issue.ParentIdentifier] = true
			}
			edges[issue.ID] = issue.BlockedBy
		}

		for _, issue := range issues {
			if err := e.upsertTask(ctx, issue, stateTypeByID[issue.StateID], stateNameByID[issue.StateID]); err != nil {
				e.cfg.Logger.Error("upsert task failed", "issue", issue.ID, "error", err)
			}
		}
		allIssues = append(allIssues, issues...)
	}

	for _, issue := range allIssues {
		if t, err := e.store.GetTask(ctx, issue.ID); err == nil && t != nil && t.Phase.Terminal() && t.Phase == models.PhaseDone {
			resolved[issue.ID] = true
		}
	}

	graph := scheduler.NewBlockerGraph(edges, resolved)
	e.mu.Lock()
	e.graph = graph
	e.mu.Unlock()

	for id := range childParents {
		if t, err := e.store.GetTask(ctx, id); err == nil && t != nil && !t.IsParent {
			t.IsParent = true
			_ = e.store.UpdateTask(ctx, t)
		}
	}

	if err := e.EvaluateParentStatuses(ctx, nil); err != nil {
		e.cfg.Logger.Error("evaluate parent statuses failed", "error", err)
	}

	return nil
}

// upsertTask implements spec.md §4.5.1's INSERT/UPDATE rule: fields Orca
// owns (phase beyond ready/backlog/done/failed, retry counters, PR/deploy
// fields) are never written here; only title-derived prompt, priority,
// projectName, parent link, and (when the project is mapped) repo path are
// synced on UPDATE, and any divergent
// external state is routed through resolveConflict first.
func (e *Engine) upsertTask(ctx context.Context, issue tracker.Issue, stateType, stateName string) error {
	existing, err := e.store.GetTask(ctx, issue.ID)
	if err != nil {
		return err
	}

	prompt := issue.Title
	if issue.Description != "" {
		prompt = issue.Title + "\n\n" + issue.Description
	}
	repoPath := e.cfg.ProjectRepoMap[issue.ProjectName]

	if existing == nil {
		phase := mapStateToPhase(stateType, e.cfg.ReadyStateType)
		now := time.Now()
		task := &models.Task{
			IssueID:          issue.ID,
			AgentPrompt:      prompt,
			RepoPath:         repoPath,
			ProjectName:      issue.ProjectName,
			Phase:            phase,
			Priority:         issue.Priority,
			ParentIdentifier: issue.ParentIdentifier,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return e.store.InsertTask(ctx, task)
	}

	existing.AgentPrompt = prompt
	existing.Priority = issue.Priority
	existing.ProjectName = issue.ProjectName
	existing.ParentIdentifier = issue.ParentIdentifier
	if repoPath != "" {
		existing.RepoPath = repoPath
	}

	e.applyResolution(existing, resolveConflict(existing, stateName))

	return e.store.UpdateTask(ctx, existing)
}

// mapStateToPhase implements spec.md §4.2's initial-state rule.
func mapStateToPhase(stateType, readyStateType string) models.Phase {
	if stateType == readyStateType {
		return models.PhaseReady
	}
	return models.PhaseBacklog
}

func (e *Engine) applyResolution(t *models.Task, r conflictResolution) {
	if !r.apply {
		return
	}
	applyPhase(t, r.phase, time.Now())
	if r.cancel && e.scheduler != nil {
		e.scheduler.Cancel(t.IssueID)
	}
	if r.closePRs && e.scm != nil {
		go func(issueID, repoPath string) {
			if err := e.scm.ClosePullRequestsByPrefix(context.Background(), repoPath, "orca/"+issueID+"-"); err != nil {
				e.cfg.Logger.Error("close pull requests failed", "issue", issueID, "error", err)
			}
		}(t.IssueID, t.RepoPath)
	}
}

// HandleWebhook implements spec.md §4.5.2.
func (e *Engine) HandleWebhook(ctx context.Context, ev *tracker.WebhookEvent) error {
	if ev.Type != tracker.TypeIssue {
		return nil
	}

	var issue tracker.Issue
	if err := json.Unmarshal(ev.Data, &issue); err != nil {
		return fmt.Errorf("decode webhook issue payload: %w", err)
	}

	switch ev.Action {
	case tracker.ActionCreate:
		existing, err := e.store.GetTask(ctx, issue.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return e.upsertTask(ctx, issue, "", "")
		}
		return nil

	case tracker.ActionUpdate:
		if e.expected.Consume(issue.ID, issue.StateID) {
			return nil
		}
		return e.upsertTask(ctx, issue, "", stateNameFromIssue(issue))

	case tracker.ActionRemove:
		task, err := e.store.GetTask(ctx, issue.ID)
		if err != nil {
			return err
		}
		if err := e.store.DeleteTask(ctx, issue.ID); err != nil {
			e.cfg.Logger.Error("delete task on remove webhook failed", "issue", issue.ID, "error", err)
		}
		if task != nil && e.scm != nil {
			go func(issueID, repoPath string) {
				if err := e.scm.ClosePullRequestsByPrefix(context.Background(), repoPath, "orca/"+issueID+"-"); err != nil {
					e.cfg.Logger.Error("close pull requests on remove failed", "issue", issueID, "error", err)
				}
			}(task.IssueID, task.RepoPath)
		}
		return nil
	}

	return nil
}

// stateNameFromIssue is a placeholder seam: real webhook payloads from the
// tracker embed the state's display name directly on the issue object in
// Orca's wire format (unlike FetchIssues, which only carries the id and
// needs the separate state catalog to resolve it).
func stateNameFromIssue(issue tracker.Issue) string {
	return issue.StateID
}

// WriteBack implements spec.md §4.5.3.
func (e *Engine) WriteBack(ctx context.Context, t *models.Task) error {
	switch t.Phase {
	case models.PhaseDeploying, models.PhaseAwaitingCI, models.PhaseDispatched:
		return nil
	}

	stateID, ok := e.cfg.StateMap[t.Phase]
	if !ok {
		return fmt.Errorf("writeBack: no tracker state mapped for phase %q", t.Phase)
	}

	e.expected.Record(t.IssueID, stateID)
	if err := e.tracker.UpdateIssueState(ctx, t.IssueID, stateID); err != nil {
		return fmt.Errorf("writeBack %s -> %s: %w", t.IssueID, stateID, err)
	}
	return nil
}

// EvaluateParentStatuses implements spec.md §4.5.5. parentIDs scopes the
// pass to a subset (used after a single child transition); nil means all
// parents.
func (e *Engine) EvaluateParentStatuses(ctx context.Context, parentIDs []string) error {
	var parents []*models.Task
	if parentIDs == nil {
		all, err := e.store.ParentTasks(ctx)
		if err != nil {
			return fmt.Errorf("list parent tasks: %w", err)
		}
		parents = all
	} else {
		for _, id := range parentIDs {
			t, err := e.store.GetTask(ctx, id)
			if err != nil || t == nil || !t.IsParent {
				continue
			}
			parents = append(parents, t)
		}
	}

	for _, parent := range parents {
		children, err := e.store.ChildrenOf(ctx, parent.IssueID)
		if err != nil || len(children) == 0 {
			continue
		}

		allDone, anyActive := true, false
		for _, c := range children {
			if c.Phase != models.PhaseDone {
				allDone = false
			}
			if c.Phase.Active() {
				anyActive = true
			}
		}

		switch {
		case allDone && parent.Phase != models.PhaseDone:
			applyPhase(parent, models.PhaseDone, time.Now())
			if err := e.store.UpdateTask(ctx, parent); err != nil {
				continue
			}
			if err := e.WriteBack(ctx, parent); err != nil {
				e.cfg.Logger.Error("writeBack parent completion failed", "issue", parent.IssueID, "error", err)
			}
		case anyActive && (parent.Phase == models.PhaseReady || parent.Phase == models.PhaseBacklog):
			applyPhase(parent, models.PhaseRunning, time.Now())
			_ = e.store.UpdateTask(ctx, parent)
		}
	}

	return nil
}
