package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/tracker"
)

type fakeStore struct {
	tasks map[string]*models.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*models.Task)}
}

func (f *fakeStore) GetTask(ctx context.Context, issueID string) (*models.Task, error) {
	return f.tasks[issueID], nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t *models.Task) error {
	f.tasks[t.IssueID] = t
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t *models.Task) error {
	f.tasks[t.IssueID] = t
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, issueID string) error {
	delete(f.tasks, issueID)
	return nil
}

func (f *fakeStore) ParentTasks(ctx context.Context) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range f.tasks {
		if t.IsParent {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) ChildrenOf(ctx context.Context, issueID string) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range f.tasks {
		if t.ParentIdentifier == issueID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeTracker struct {
	issues       map[string][]tracker.Issue
	states       map[string][]tracker.WorkflowState
	updatedState map[string]string
}

func (f *fakeTracker) FetchIssues(ctx context.Context, projectID string) ([]tracker.Issue, error) {
	return f.issues[projectID], nil
}

func (f *fakeTracker) FetchWorkflowStates(ctx context.Context, projectID string) ([]tracker.WorkflowState, error) {
	return f.states[projectID], nil
}

func (f *fakeTracker) UpdateIssueState(ctx context.Context, issueID, stateID string) error {
	if f.updatedState == nil {
		f.updatedState = make(map[string]string)
	}
	f.updatedState[issueID] = stateID
	return nil
}

type fakeScheduler struct {
	canceled []string
}

func (f *fakeScheduler) Cancel(issueID string) bool {
	f.canceled = append(f.canceled, issueID)
	return true
}

func baseCfg() Config {
	return Config{
		ProjectRepoMap:    map[string]string{"proj": "/repo"},
		TrackerProjectIDs: []string{"proj"},
		ReadyStateType:    "unstarted",
		StateMap: map[models.Phase]string{
			models.PhaseReady:             "state-ready",
			models.PhaseBacklog:           "state-backlog",
			models.PhaseInReview:          "state-in-review",
			models.PhaseChangesRequested:  "state-changes",
			models.PhaseDone:              "state-done",
			models.PhaseFailed:            "state-failed",
		},
	}
}

func TestFullSyncInsertsNewTask(t *testing.T) {
	store := newFakeStore()
	tr := &fakeTracker{
		issues: map[string][]tracker.Issue{
			"proj": {{ID: "EMI-1", ProjectName: "proj", Title: "Do a thing", StateID: "s1", Priority: 2}},
		},
		states: map[string][]tracker.WorkflowState{
			"proj": {{ID: "s1", Name: "Todo", Type: "unstarted"}},
		},
	}
	e := New(store, tr, nil, nil, nil, baseCfg())

	require.NoError(t, e.FullSync(context.Background()))

	task := store.tasks["EMI-1"]
	require.NotNil(t, task)
	require.Equal(t, models.PhaseReady, task.Phase)
	require.Equal(t, "/repo", task.RepoPath)
}

func TestFullSyncDoesNotOverwriteOwnedFields(t *testing.T) {
	store := newFakeStore()
	store.tasks["EMI-1"] = &models.Task{
		IssueID:    "EMI-1",
		Phase:      models.PhaseRunning,
		RepoPath:   "/repo",
		RetryCount: 2,
	}
	tr := &fakeTracker{
		issues: map[string][]tracker.Issue{
			"proj": {{ID: "EMI-1", ProjectName: "proj", Title: "Do a thing", StateID: "s1", Priority: 1}},
		},
		// "In Progress" matches no resolveConflict row, so the sync leaves the phase alone.
		states: map[string][]tracker.WorkflowState{
			"proj": {{ID: "s1", Name: "In Progress", Type: "started"}},
		},
	}
	e := New(store, tr, nil, nil, nil, baseCfg())

	require.NoError(t, e.FullSync(context.Background()))

	task := store.tasks["EMI-1"]
	require.Equal(t, models.PhaseRunning, task.Phase)
	require.Equal(t, 2, task.RetryCount)
}

func TestFullSyncAppliesExternalCancelConflict(t *testing.T) {
	store := newFakeStore()
	store.tasks["EMI-1"] = &models.Task{IssueID: "EMI-1", Phase: models.PhaseRunning, RepoPath: "/repo"}
	tr := &fakeTracker{
		issues: map[string][]tracker.Issue{
			"proj": {{ID: "EMI-1", ProjectName: "proj", Title: "x", StateID: "s1"}},
		},
		states: map[string][]tracker.WorkflowState{
			"proj": {{ID: "s1", Name: ExternalCanceled, Type: "canceled"}},
		},
	}
	sched := &fakeScheduler{}
	e := New(store, tr, nil, nil, sched, baseCfg())

	require.NoError(t, e.FullSync(context.Background()))

	require.Equal(t, models.PhaseFailed, store.tasks["EMI-1"].Phase)
	require.Contains(t, sched.canceled, "EMI-1")
}

func TestFullSyncBuildsBlockerGraph(t *testing.T) {
	store := newFakeStore()
	tr := &fakeTracker{
		issues: map[string][]tracker.Issue{
			"proj": {
				{ID: "EMI-1", ProjectName: "proj", Title: "blocked", StateID: "s1", BlockedBy: []string{"EMI-2"}},
				{ID: "EMI-2", ProjectName: "proj", Title: "blocker", StateID: "s1"},
			},
		},
		states: map[string][]tracker.WorkflowState{
			"proj": {{ID: "s1", Name: "Todo", Type: "unstarted"}},
		},
	}
	e := New(store, tr, nil, nil, nil, baseCfg())

	require.NoError(t, e.FullSync(context.Background()))

	g := e.BlockerGraph()
	require.NotNil(t, g)
	require.True(t, g.IsBlocked("EMI-1"))
}

func TestHandleWebhookCreateInsertsNewTask(t *testing.T) {
	store := newFakeStore()
	e := New(store, &fakeTracker{}, nil, nil, nil, baseCfg())

	payload, err := json.Marshal(tracker.Issue{ID: "EMI-9", ProjectName: "proj", Title: "new", StateID: "s1"})
	require.NoError(t, err)
	ev := &tracker.WebhookEvent{Action: tracker.ActionCreate, Type: tracker.TypeIssue, Data: payload}

	require.NoError(t, e.HandleWebhook(context.Background(), ev))
	require.NotNil(t, store.tasks["EMI-9"])
}

func TestHandleWebhookUpdateSuppressedByExpectedChange(t *testing.T) {
	store := newFakeStore()
	store.tasks["EMI-1"] = &models.Task{IssueID: "EMI-1", Phase: models.PhaseRunning, RepoPath: "/repo", UpdatedAt: time.Now()}
	e := New(store, &fakeTracker{}, nil, nil, nil, baseCfg())
	e.expected.Record("EMI-1", "state-done")

	payload, err := json.Marshal(tracker.Issue{ID: "EMI-1", ProjectName: "proj", Title: "x", StateID: "state-done"})
	require.NoError(t, err)
	ev := &tracker.WebhookEvent{Action: tracker.ActionUpdate, Type: tracker.TypeIssue, Data: payload}

	require.NoError(t, e.HandleWebhook(context.Background(), ev))
	require.Equal(t, models.PhaseRunning, store.tasks["EMI-1"].Phase)
}

func TestHandleWebhookRemoveDeletesTask(t *testing.T) {
	store := newFakeStore()
	store.tasks["EMI-1"] = &models.Task{IssueID: "EMI-1", Phase: models.PhaseReady, RepoPath: "/repo"}
	e := New(store, &fakeTracker{}, nil, nil, nil, baseCfg())

	payload, err := json.Marshal(tracker.Issue{ID: "EMI-1"})
	require.NoError(t, err)
	ev := &tracker.WebhookEvent{Action: tracker.ActionRemove, Type: tracker.TypeIssue, Data: payload}

	require.NoError(t, e.HandleWebhook(context.Background(), ev))
	require.Nil(t, store.tasks["EMI-1"])
}

func TestWriteBackSkipsOrcaOwnedPhases(t *testing.T) {
	store := newFakeStore()
	tr := &fakeTracker{}
	e := New(store, tr, nil, nil, nil, baseCfg())

	task := &models.Task{IssueID: "EMI-1", Phase: models.PhaseDeploying}
	require.NoError(t, e.WriteBack(context.Background(), task))
	require.Empty(t, tr.updatedState)
}

func TestWriteBackPushesMappedState(t *testing.T) {
	store := newFakeStore()
	tr := &fakeTracker{}
	e := New(store, tr, nil, nil, nil, baseCfg())

	task := &models.Task{IssueID: "EMI-1", Phase: models.PhaseDone}
	require.NoError(t, e.WriteBack(context.Background(), task))
	require.Equal(t, "state-done", tr.updatedState["EMI-1"])
}

func TestEvaluateParentStatusesMarksDoneWhenAllChildrenDone(t *testing.T) {
	store := newFakeStore()
	store.tasks["PARENT"] = &models.Task{IssueID: "PARENT", Phase: models.PhaseRunning, IsParent: true, RepoPath: "/repo"}
	store.tasks["CHILD-1"] = &models.Task{IssueID: "CHILD-1", Phase: models.PhaseDone, ParentIdentifier: "PARENT", RepoPath: "/repo"}
	tr := &fakeTracker{}
	e := New(store, tr, nil, nil, nil, baseCfg())

	require.NoError(t, e.EvaluateParentStatuses(context.Background(), []string{"PARENT"}))

	require.Equal(t, models.PhaseDone, store.tasks["PARENT"].Phase)
	require.NotNil(t, store.tasks["PARENT"].DoneAt)
}

func TestEvaluateParentStatusesPromotesToRunningWhenChildActive(t *testing.T) {
	store := newFakeStore()
	store.tasks["PARENT"] = &models.Task{IssueID: "PARENT", Phase: models.PhaseReady, IsParent: true, RepoPath: "/repo"}
	store.tasks["CHILD-1"] = &models.Task{IssueID: "CHILD-1", Phase: models.PhaseRunning, ParentIdentifier: "PARENT", RepoPath: "/repo"}
	e := New(store, &fakeTracker{}, nil, nil, nil, baseCfg())

	require.NoError(t, e.EvaluateParentStatuses(context.Background(), []string{"PARENT"}))

	require.Equal(t, models.PhaseRunning, store.tasks["PARENT"].Phase)
}
