// Package scheduler turns dispatchable tasks into running invocations
// without exceeding the concurrency cap or the budget, and converts Runner
// results into the next task phase. The admission loop's bounded
// concurrency and result-channel idiom are grounded on
// `internal/executor/wave.go`'s executeWave: a semaphore of size
// concurrencyCap, one goroutine per admitted task, and a serializing
// collector. Unlike wave.go's static per-wave batch, the Scheduler's loop
// runs forever, re-admitting on every tick or EventBus wakeup.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emily-flambe/orca/internal/eventbus"
	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/runner"
)

// Store is the subset of internal/store.Store the Scheduler depends on.
type Store interface {
	DispatchableTasks(ctx context.Context) ([]*models.Task, error)
	GetTask(ctx context.Context, issueID string) (*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error
	ActiveInvocationCount(ctx context.Context) (int, error)
	CostInWindow(ctx context.Context, since time.Time) (float64, error)
	InsertInvocation(ctx context.Context, inv *models.Invocation) error
	CompleteInvocationWithBudgetEvent(ctx context.Context, inv *models.Invocation, ev *models.BudgetEvent) error
	LastResumableInvocation(ctx context.Context, issueID string) (*models.Invocation, error)
}

// RunnerClient executes one invocation. Satisfied by *runner.Runner.
type RunnerClient interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// DependencyProvider supplies the current blocker graph, rebuilt by the
// SyncEngine on each fullSync. A nil provider means no task is ever
// considered blocked.
type DependencyProvider interface {
	BlockerGraph() *BlockerGraph
}

// Config bounds admission.
type Config struct {
	ConcurrencyCap    int
	TickInterval      time.Duration
	BudgetWindow      time.Duration
	BudgetMaxCostUSD  float64
	SessionTimeout    time.Duration
	MaxReviewCycles   int
	MaxRetries        int
	RepoRoot          string
	LogDir            string
	// SkipCI routes an approved review straight to done instead of
	// awaiting_ci, for deploy strategies with no CI gate.
	SkipCI bool
	// ResumeOnMaxTurns controls whether an implement dispatch resumes the
	// last max-turns-truncated session/worktree (true) or starts fresh
	// (false) after a timed_out result sent the task back to ready.
	ResumeOnMaxTurns bool
}

// activeHandle is the in-memory record of a live invocation: the
// cancellation primitive for its child process, mirroring a running
// invocation row.
type activeHandle struct {
	invocationID int64
	cancel       context.CancelFunc
	startedAt    time.Time
}

// Scheduler runs the tick/event-driven admission loop described in
// spec.md §4.3. A single goroutine (Run's caller) serializes admission
// decisions; Runners execute concurrently in their own goroutines.
type Scheduler struct {
	store  Store
	runner RunnerClient
	bus    *eventbus.Bus
	deps   DependencyProvider
	cfg    Config

	mu      sync.Mutex
	handles map[string]*activeHandle // issueID -> handle

	wakeCh chan struct{}

	invocationSeq int64
}

// New constructs a Scheduler. deps may be nil.
func New(store Store, rc RunnerClient, bus *eventbus.Bus, deps DependencyProvider, cfg Config) *Scheduler {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.MaxReviewCycles <= 0 {
		cfg.MaxReviewCycles = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Scheduler{
		store:   store,
		runner:  rc,
		bus:     bus,
		deps:    deps,
		cfg:     cfg,
		handles: make(map[string]*activeHandle),
		wakeCh:  make(chan struct{}, 1),
	}
}

// SetDeps late-binds the DependencyProvider. It exists because the
// SyncEngine (the usual DependencyProvider) needs a constructed Scheduler
// to satisfy its own SchedulerHandle dependency, so the Supervisor
// constructs the Scheduler first with deps=nil and wires the SyncEngine in
// afterward. Safe to call before Run starts; not safe to call concurrently
// with an in-flight admission pass.
func (s *Scheduler) SetDeps(deps DependencyProvider) {
	s.deps = deps
}

// wake schedules an out-of-band admission pass without blocking the caller.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run blocks, driving the admission loop until ctx is canceled. It should
// be started exactly once per Scheduler, typically from the Supervisor.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	var taskCh, invCh, statusCh <-chan eventbus.Event
	var unsubTask, unsubInv, unsubStatus func()
	if s.bus != nil {
		taskCh, unsubTask = s.bus.Subscribe(eventbus.TopicTaskUpdated)
		invCh, unsubInv = s.bus.Subscribe(eventbus.TopicInvocationCompleted)
		statusCh, unsubStatus = s.bus.Subscribe(eventbus.TopicStatusUpdated)
		defer unsubTask()
		defer unsubInv()
		defer unsubStatus()
	}

	for {
		s.admitOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wakeCh:
		case <-taskCh:
		case <-invCh:
		case <-statusCh:
		}
	}
}

// admitOnce runs a single admission pass: the algorithm in spec.md §4.3.
func (s *Scheduler) admitOnce(ctx context.Context) {
	active, err := s.store.ActiveInvocationCount(ctx)
	if err != nil {
		return
	}

	// InsertInvocation happens asynchronously inside the spawned
	// runInvocation goroutine, while the active-handle map is populated
	// synchronously in admit. Without folding in the handle count, the
	// task:updated publish in admit can trigger a second admitOnce before
	// the just-admitted invocations' rows are committed, reading a stale
	// (too-low) active count and over-admitting past the cap.
	s.mu.Lock()
	inFlight := len(s.handles)
	s.mu.Unlock()
	if inFlight > active {
		active = inFlight
	}

	free := s.cfg.ConcurrencyCap - active
	if free <= 0 {
		return
	}

	if s.cfg.BudgetMaxCostUSD > 0 {
		since := time.Now().Add(-s.cfg.BudgetWindow)
		cost, err := s.store.CostInWindow(ctx, since)
		if err == nil && cost >= s.cfg.BudgetMaxCostUSD {
			return
		}
	}

	tasks, err := s.store.DispatchableTasks(ctx)
	if err != nil {
		return
	}

	var graph *BlockerGraph
	if s.deps != nil {
		graph = s.deps.BlockerGraph()
	}

	eligible := s.filterEligible(tasks, graph)
	if len(eligible) > free {
		eligible = eligible[:free]
	}

	for _, t := range eligible {
		s.admit(ctx, t)
	}
}

func (s *Scheduler) filterEligible(tasks []*models.Task, graph *BlockerGraph) []*models.Task {
	var out []*models.Task
	for _, t := range tasks {
		if t.IsParent || t.RepoPath == "" {
			continue
		}
		if graph != nil && graph.IsBlocked(t.IssueID) {
			continue
		}
		if t.Phase == models.PhaseInReview && t.ReviewCycleCount >= s.cfg.MaxReviewCycles {
			continue
		}
		s.mu.Lock()
		_, inFlight := s.handles[t.IssueID]
		s.mu.Unlock()
		if inFlight {
			continue
		}
		out = append(out, t)
	}
	return out
}

// admit transitions t into its running phase and spawns a Runner goroutine.
// The ready -> dispatched -> running and changes_requested -> running writes
// are plain UpdateTask calls, which overwrite the row without comparing the
// stored phase; a failed UpdateTask (a store error) drops the task from this
// pass. Double-dispatch is prevented by the single admission goroutine and
// the active-handle map checked in filterEligible and again below.
func (s *Scheduler) admit(ctx context.Context, t *models.Task) {
	var invPhase models.InvocationPhase
	switch t.Phase {
	case models.PhaseReady:
		invPhase = models.InvocationImplement
		if err := t.TransitionTo(models.PhaseDispatched, time.Now()); err != nil {
			return
		}
		if err := s.store.UpdateTask(ctx, t); err != nil {
			return
		}
		if err := t.TransitionTo(models.PhaseRunning, time.Now()); err != nil {
			return
		}
	case models.PhaseInReview:
		invPhase = models.InvocationReview
		// in_review stays in_review for the duration of the review
		// invocation; no task-phase CAS needed here, the active-handle
		// registration below is the guard.
	case models.PhaseChangesRequested:
		invPhase = models.InvocationFix
		if err := t.TransitionTo(models.PhaseRunning, time.Now()); err != nil {
			return
		}
	default:
		return
	}
	if invPhase != models.InvocationReview {
		if err := s.store.UpdateTask(ctx, t); err != nil {
			return
		}
	}

	s.mu.Lock()
	if _, exists := s.handles[t.IssueID]; exists {
		s.mu.Unlock()
		return
	}
	invCtx, cancel := context.WithCancel(ctx)
	s.invocationSeq++
	seq := s.invocationSeq
	s.handles[t.IssueID] = &activeHandle{cancel: cancel, startedAt: time.Now()}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.TopicTaskUpdated, t.IssueID)
	}

	go s.runInvocation(invCtx, cancel, t, invPhase, seq)
}

func (s *Scheduler) runInvocation(ctx context.Context, cancel context.CancelFunc, t *models.Task, phase models.InvocationPhase, seq int64) {
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.handles, t.IssueID)
		s.mu.Unlock()
		s.wake()
	}()

	req := runner.Request{
		IssueID:         t.IssueID,
		Phase:           phase,
		AgentPrompt:     t.AgentPrompt,
		RepoPath:        t.RepoPath,
		InvocationIndex: int(seq),
		SessionTimeout:  s.cfg.SessionTimeout,
		LogDir:          s.cfg.LogDir,
	}

	if phase == models.InvocationImplement && s.cfg.ResumeOnMaxTurns {
		if resumable, err := s.store.LastResumableInvocation(ctx, t.IssueID); err == nil && resumable != nil {
			req.ResumeSessionID = resumable.SessionID
			req.ResumeWorktree = resumable.WorktreePath
		}
	}

	inv := &models.Invocation{
		IssueID:    t.IssueID,
		Phase:      phase,
		Status:     models.InvocationStatusRunning,
		StartedAt:  time.Now(),
		BranchName: fmt.Sprintf("orca/%s-inv-%d", t.IssueID, seq),
	}
	if err := s.store.InsertInvocation(ctx, inv); err != nil {
		return
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.TopicInvocationStarted, inv)
	}

	result, err := s.runner.Run(ctx, req)
	if err != nil || result == nil {
		result = &runner.Result{Status: models.InvocationStatusFailed, Summary: errorOrUnknown(err)}
	}

	s.finishInvocation(context.Background(), t, inv, result)
}

func errorOrUnknown(err error) string {
	if err == nil {
		return "unknown runner failure"
	}
	return err.Error()
}

// finishInvocation writes the terminal invocation row, resolves the next
// task phase per spec.md §4.2 against the task's *current* store state
// (which may have changed via webhook while the invocation ran), and
// publishes the resulting events. It uses a background context because the
// invocation's own context may already be canceled.
func (s *Scheduler) finishInvocation(ctx context.Context, t *models.Task, inv *models.Invocation, result *runner.Result) {
	costUSD := result.CostUSD
	numTurns := result.NumTurns
	if err := inv.Complete(result.Status, time.Now(), &costUSD, &numTurns, result.Summary); err != nil {
		return
	}
	inv.SessionID = result.SessionID
	inv.BranchName = result.BranchName
	inv.WorktreePath = result.WorktreePath
	inv.LogPath = result.LogPath

	var ev *models.BudgetEvent
	if costUSD > 0 {
		ev = &models.BudgetEvent{InvocationID: inv.ID, CostUSD: costUSD, RecordedAt: time.Now()}
	}
	if err := s.store.CompleteInvocationWithBudgetEvent(ctx, inv, ev); err != nil {
		return
	}

	current, err := s.store.GetTask(ctx, t.IssueID)
	if err != nil || current == nil {
		return
	}

	next, same, sideEffect := resolveNextPhase(current, inv, result, s.cfg.MaxReviewCycles, s.cfg.MaxRetries, s.cfg.SkipCI)
	if next == "" && !same {
		// Task already moved under us (canceled/reassigned); abort silently.
		if s.bus != nil {
			s.bus.Publish(eventbus.TopicInvocationCompleted, inv)
		}
		return
	}

	if same {
		if sideEffect != nil {
			sideEffect(current)
		}
		current.UpdatedAt = time.Now()
	} else {
		now := time.Now()
		if err := current.TransitionTo(next, now); err != nil {
			return
		}
		if sideEffect != nil {
			sideEffect(current)
		}
	}
	_ = s.store.UpdateTask(ctx, current)

	if s.bus != nil {
		s.bus.Publish(eventbus.TopicTaskUpdated, current)
		s.bus.Publish(eventbus.TopicInvocationCompleted, inv)
	}
	s.wake()
}

// Cancel looks up issueID's active handle (if any) and cancels its
// subprocess. The Runner's own SIGTERM/grace/SIGKILL sequence (see
// internal/runner) and finishInvocation's terminal write handle recording
// the invocation as failed with summary "canceled".
func (s *Scheduler) Cancel(issueID string) bool {
	s.mu.Lock()
	h, ok := s.handles[issueID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// ActiveCount returns the number of in-flight invocations tracked in
// memory, for the API's status endpoint.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// ActiveIssueIDs returns the issue IDs currently running an invocation,
// for the API's /api/status activeTaskIds field.
func (s *Scheduler) ActiveIssueIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return ids
}
