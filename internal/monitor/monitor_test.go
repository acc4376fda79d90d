package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/scm"
)

type fakeMonitorStore struct {
	awaitingCI []*models.Task
	deploying  []*models.Task
	updated    []*models.Task
}

func (f *fakeMonitorStore) AwaitingCITasks(ctx context.Context) ([]*models.Task, error) {
	return f.awaitingCI, nil
}

func (f *fakeMonitorStore) DeployingTasks(ctx context.Context) ([]*models.Task, error) {
	return f.deploying, nil
}

func (f *fakeMonitorStore) UpdateTask(ctx context.Context, t *models.Task) error {
	f.updated = append(f.updated, t)
	return nil
}

type fakeSCMChecker struct {
	state scm.CheckState
	err   error
}

func (f *fakeSCMChecker) CreateWorktree(ctx context.Context, repoPath, worktreePath, branchName string) error {
	return nil
}
func (f *fakeSCMChecker) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	return nil
}
func (f *fakeSCMChecker) PushBranch(ctx context.Context, worktreePath, branchName string) error {
	return nil
}
func (f *fakeSCMChecker) ClosePullRequestsByPrefix(ctx context.Context, repoPath, branchPrefix string) error {
	return nil
}
func (f *fakeSCMChecker) CheckPRStatus(ctx context.Context, repoPath string, prNumber int) (scm.CheckState, error) {
	return f.state, f.err
}

type fakeDeployChecker struct {
	state scm.CheckState
	err   error
}

func (f *fakeDeployChecker) CheckDeploy(ctx context.Context, repoPath, commitSHA string) (scm.CheckState, error) {
	return f.state, f.err
}

func TestCIMonitorAdvancesToDeployingOnSuccess(t *testing.T) {
	task := &models.Task{IssueID: "EMI-1", Phase: models.PhaseAwaitingCI, PRNumber: 7, RepoPath: "/repo"}
	store := &fakeMonitorStore{awaitingCI: []*models.Task{task}}
	m := NewCIMonitor(store, &fakeSCMChecker{state: scm.CheckSuccess}, nil, Config{})

	m.tick(context.Background())

	require.Equal(t, models.PhaseDeploying, task.Phase)
	require.NotNil(t, task.DeployStartedAt)
	require.Len(t, store.updated, 1)
}

func TestCIMonitorFailsOnCheckFailure(t *testing.T) {
	task := &models.Task{IssueID: "EMI-1", Phase: models.PhaseAwaitingCI, PRNumber: 7, RepoPath: "/repo"}
	store := &fakeMonitorStore{awaitingCI: []*models.Task{task}}
	m := NewCIMonitor(store, &fakeSCMChecker{state: scm.CheckFailure}, nil, Config{})

	m.tick(context.Background())

	require.Equal(t, models.PhaseFailed, task.Phase)
}

func TestCIMonitorLeavesPendingUntouched(t *testing.T) {
	task := &models.Task{IssueID: "EMI-1", Phase: models.PhaseAwaitingCI, PRNumber: 7, RepoPath: "/repo"}
	store := &fakeMonitorStore{awaitingCI: []*models.Task{task}}
	m := NewCIMonitor(store, &fakeSCMChecker{state: scm.CheckPending}, nil, Config{})

	m.tick(context.Background())

	require.Equal(t, models.PhaseAwaitingCI, task.Phase)
	require.Empty(t, store.updated)
}

func TestCIMonitorFailsOnTimeout(t *testing.T) {
	started := time.Now().Add(-time.Hour)
	task := &models.Task{IssueID: "EMI-1", Phase: models.PhaseAwaitingCI, PRNumber: 7, RepoPath: "/repo", CIStartedAt: &started}
	store := &fakeMonitorStore{awaitingCI: []*models.Task{task}}
	m := NewCIMonitor(store, &fakeSCMChecker{state: scm.CheckPending}, nil, Config{CITimeout: time.Minute})

	m.tick(context.Background())

	require.Equal(t, models.PhaseFailed, task.Phase)
}

func TestCIMonitorSkipsTaskWithoutPR(t *testing.T) {
	task := &models.Task{IssueID: "EMI-1", Phase: models.PhaseAwaitingCI, RepoPath: "/repo"}
	store := &fakeMonitorStore{awaitingCI: []*models.Task{task}}
	m := NewCIMonitor(store, &fakeSCMChecker{state: scm.CheckSuccess}, nil, Config{})

	m.tick(context.Background())

	require.Equal(t, models.PhaseAwaitingCI, task.Phase)
}

func TestDeployMonitorMarksDoneOnSuccess(t *testing.T) {
	started := time.Now()
	task := &models.Task{IssueID: "EMI-1", Phase: models.PhaseDeploying, MergeCommitSHA: "abc123", DeployStartedAt: &started, RepoPath: "/repo"}
	store := &fakeMonitorStore{deploying: []*models.Task{task}}
	m := NewDeployMonitor(store, &fakeDeployChecker{state: scm.CheckSuccess}, nil, Config{})

	m.tick(context.Background())

	require.Equal(t, models.PhaseDone, task.Phase)
	require.NotNil(t, task.DoneAt)
}

func TestDeployMonitorFailsOnFailure(t *testing.T) {
	started := time.Now()
	task := &models.Task{IssueID: "EMI-1", Phase: models.PhaseDeploying, MergeCommitSHA: "abc123", DeployStartedAt: &started, RepoPath: "/repo"}
	store := &fakeMonitorStore{deploying: []*models.Task{task}}
	m := NewDeployMonitor(store, &fakeDeployChecker{state: scm.CheckFailure}, nil, Config{})

	m.tick(context.Background())

	require.Equal(t, models.PhaseFailed, task.Phase)
}

func TestDeployMonitorForceCompletesMissingCorrelationData(t *testing.T) {
	task := &models.Task{IssueID: "EMI-1", Phase: models.PhaseDeploying, RepoPath: "/repo"}
	store := &fakeMonitorStore{deploying: []*models.Task{task}}
	m := NewDeployMonitor(store, &fakeDeployChecker{state: scm.CheckPending}, nil, Config{})

	m.tick(context.Background())

	require.Equal(t, models.PhaseDone, task.Phase)
}

func TestDeployMonitorFailsOnTimeout(t *testing.T) {
	started := time.Now().Add(-time.Hour)
	task := &models.Task{IssueID: "EMI-1", Phase: models.PhaseDeploying, MergeCommitSHA: "abc123", DeployStartedAt: &started, RepoPath: "/repo"}
	store := &fakeMonitorStore{deploying: []*models.Task{task}}
	m := NewDeployMonitor(store, &fakeDeployChecker{state: scm.CheckPending}, nil, Config{DeployTimeout: time.Minute})

	m.tick(context.Background())

	require.Equal(t, models.PhaseFailed, task.Phase)
}

func TestNoopDeployCheckerAlwaysSucceeds(t *testing.T) {
	state, err := NoopDeployChecker{}.CheckDeploy(context.Background(), "/repo", "abc")
	require.NoError(t, err)
	require.Equal(t, scm.CheckSuccess, state)
}
