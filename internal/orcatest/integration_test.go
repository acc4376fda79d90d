package orcatest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca/internal/eventbus"
	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/runner"
	"github.com/emily-flambe/orca/internal/scheduler"
	"github.com/emily-flambe/orca/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orca.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// waitForPhase polls the store until the task reaches want or the timeout
// elapses, mirroring how a real operator would observe dispatch through
// the API rather than reaching into scheduler internals.
func waitForPhase(t *testing.T, st *store.Store, issueID string, want models.Phase) *models.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), issueID)
		require.NoError(t, err)
		if task.Phase == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach phase %s in time", issueID, want)
	return nil
}

// TestSimpleHappyPathDispatchesAndCompletes covers spec.md §8 scenario 1: a
// ready task is dispatched, its invocation completes, and the task phase
// advances past running.
func TestSimpleHappyPathDispatchesAndCompletes(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertTask(ctx, &models.Task{
		IssueID:  "EMI-1",
		RepoPath: "/repo/emi-1",
		Phase:    models.PhaseReady,
		Priority: 2,
	}))

	bus := eventbus.New()
	fr := &FakeRunner{
		RunFunc: func(ctx context.Context, req runner.Request) (*runner.Result, error) {
			return &runner.Result{
				Status:     models.InvocationStatusCompleted,
				BranchName: "orca/EMI-1-inv-0",
				CostUSD:    0.5,
				NumTurns:   3,
				Summary:    "implemented",
			}, nil
		},
	}

	sched := scheduler.New(st, fr, bus, nil, scheduler.Config{
		ConcurrencyCap: 2,
		TickInterval:   10 * time.Millisecond,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)

	waitForPhase(t, st, "EMI-1", models.PhaseInReview)
	require.Equal(t, 1, fr.CallCount())

	invs, err := st.InvocationsForTask(ctx, "EMI-1")
	require.NoError(t, err)
	require.Len(t, invs, 1)
	require.Equal(t, "orca/EMI-1-inv-0", invs[0].BranchName)
	require.NotNil(t, invs[0].CostUSD)
	require.InDelta(t, 0.5, *invs[0].CostUSD, 0.0001)
}

// TestConcurrencyCapLimitsSimultaneousDispatch covers spec.md §8 scenario 2:
// with a cap of 2 and 3 ready tasks, exactly 2 are running after one
// admission pass, and the third is admitted only once a slot frees up.
func TestConcurrencyCapLimitsSimultaneousDispatch(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"EMI-10", "EMI-11", "EMI-12"} {
		require.NoError(t, st.InsertTask(ctx, &models.Task{
			IssueID:  id,
			RepoPath: "/repo/" + id,
			Phase:    models.PhaseReady,
			Priority: 2,
		}))
	}

	release := make(chan struct{})
	fr := Blocking(release, &runner.Result{Status: models.InvocationStatusCompleted})

	bus := eventbus.New()
	sched := scheduler.New(st, fr, bus, nil, scheduler.Config{
		ConcurrencyCap: 2,
		TickInterval:   10 * time.Millisecond,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)

	require.Eventually(t, func() bool {
		active, err := st.ActiveInvocationCount(ctx)
		return err == nil && active == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Never(t, func() bool {
		active, _ := st.ActiveInvocationCount(ctx)
		return active > 2
	}, 200*time.Millisecond, 10*time.Millisecond)

	close(release)

	require.Eventually(t, func() bool {
		active, err := st.ActiveInvocationCount(ctx)
		return err == nil && active == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 3, fr.CallCount())
}
