package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca/internal/eventbus"
	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/runner"
)

type fakeStore struct {
	tasks       map[string]*models.Task
	invocations []*models.Invocation
	active      int
	costUSD     float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*models.Task)}
}

func (f *fakeStore) DispatchableTasks(ctx context.Context) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range f.tasks {
		if t.Phase.Dispatchable() || t.Phase == models.PhaseInReview || t.Phase == models.PhaseChangesRequested {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTask(ctx context.Context, issueID string) (*models.Task, error) {
	t, ok := f.tasks[issueID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t *models.Task) error {
	cp := *t
	f.tasks[t.IssueID] = &cp
	return nil
}

func (f *fakeStore) ActiveInvocationCount(ctx context.Context) (int, error) { return f.active, nil }
func (f *fakeStore) CostInWindow(ctx context.Context, since time.Time) (float64, error) {
	return f.costUSD, nil
}
func (f *fakeStore) InsertInvocation(ctx context.Context, inv *models.Invocation) error {
	inv.ID = int64(len(f.invocations) + 1)
	f.invocations = append(f.invocations, inv)
	return nil
}
func (f *fakeStore) CompleteInvocationWithBudgetEvent(ctx context.Context, inv *models.Invocation, ev *models.BudgetEvent) error {
	return nil
}
func (f *fakeStore) LastResumableInvocation(ctx context.Context, issueID string) (*models.Invocation, error) {
	return nil, nil
}

type fakeRunnerClient struct {
	result *runner.Result
	err    error
	calls  int
}

func (f *fakeRunnerClient) Run(ctx context.Context, req runner.Request) (*runner.Result, error) {
	f.calls++
	return f.result, f.err
}

func TestAdmitOnceDispatchesReadyTaskToRunning(t *testing.T) {
	st := newFakeStore()
	st.tasks["EMI-1"] = &models.Task{IssueID: "EMI-1", RepoPath: "/repo", Phase: models.PhaseReady, Priority: 1}
	rc := &fakeRunnerClient{result: &runner.Result{Status: models.InvocationStatusCompleted, CostUSD: 1.25, NumTurns: 3}}
	sched := New(st, rc, eventbus.New(), nil, Config{ConcurrencyCap: 2, LogDir: t.TempDir()})

	sched.admitOnce(context.Background())
	require.Eventually(t, func() bool {
		return rc.calls == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return st.tasks["EMI-1"].Phase == models.PhaseInReview
	}, time.Second, 5*time.Millisecond)
}

func TestAdmitOnceRespectsConcurrencyCap(t *testing.T) {
	st := newFakeStore()
	st.active = 2
	st.tasks["EMI-1"] = &models.Task{IssueID: "EMI-1", RepoPath: "/repo", Phase: models.PhaseReady}
	rc := &fakeRunnerClient{result: &runner.Result{Status: models.InvocationStatusCompleted}}
	sched := New(st, rc, eventbus.New(), nil, Config{ConcurrencyCap: 2, LogDir: t.TempDir()})

	sched.admitOnce(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, rc.calls)
	require.Equal(t, models.PhaseReady, st.tasks["EMI-1"].Phase)
}

func TestAdmitOnceRespectsBudgetGate(t *testing.T) {
	st := newFakeStore()
	st.costUSD = 10
	st.tasks["EMI-1"] = &models.Task{IssueID: "EMI-1", RepoPath: "/repo", Phase: models.PhaseReady}
	rc := &fakeRunnerClient{result: &runner.Result{Status: models.InvocationStatusCompleted}}
	sched := New(st, rc, eventbus.New(), nil, Config{ConcurrencyCap: 2, BudgetMaxCostUSD: 5, BudgetWindow: time.Hour, LogDir: t.TempDir()})

	sched.admitOnce(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, rc.calls)
}

func TestAdmitOnceSkipsBlockedTask(t *testing.T) {
	st := newFakeStore()
	st.tasks["EMI-2"] = &models.Task{IssueID: "EMI-2", RepoPath: "/repo", Phase: models.PhaseReady}
	rc := &fakeRunnerClient{result: &runner.Result{Status: models.InvocationStatusCompleted}}
	graph := NewBlockerGraph(map[string][]string{"EMI-2": {"EMI-1"}}, map[string]bool{"EMI-1": false})
	sched := New(st, rc, eventbus.New(), staticDeps{graph}, Config{ConcurrencyCap: 2, LogDir: t.TempDir()})

	sched.admitOnce(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, rc.calls)
}

func TestMaxTurnsReachedReturnsTaskToReady(t *testing.T) {
	st := newFakeStore()
	st.tasks["EMI-3"] = &models.Task{IssueID: "EMI-3", RepoPath: "/repo", Phase: models.PhaseReady}
	rc := &fakeRunnerClient{result: &runner.Result{Status: models.InvocationStatusTimedOut, Summary: models.MaxTurnsReached}}
	sched := New(st, rc, eventbus.New(), nil, Config{ConcurrencyCap: 2, MaxRetries: 3, LogDir: t.TempDir()})

	sched.admitOnce(context.Background())
	require.Eventually(t, func() bool {
		return st.tasks["EMI-3"].Phase == models.PhaseReady && st.tasks["EMI-3"].RetryCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCancelReturnsFalseWithoutActiveHandle(t *testing.T) {
	sched := New(newFakeStore(), &fakeRunnerClient{}, eventbus.New(), nil, Config{ConcurrencyCap: 1})
	require.False(t, sched.Cancel("missing"))
}

type staticDeps struct{ g *BlockerGraph }

func (s staticDeps) BlockerGraph() *BlockerGraph { return s.g }
