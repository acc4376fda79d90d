package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/store"
)

func newTestDB(t *testing.T) string {
	t.Helper()
	dbPath := t.TempDir() + "/orca.db"
	t.Setenv("ORCA_DB_PATH", dbPath)
	return dbPath
}

func TestAddCommandInsertsBacklogTask(t *testing.T) {
	dbPath := newTestDB(t)

	root := NewRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"add", "ISSUE-1", "--repo-path", "/repo", "--priority", "1"})

	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "ISSUE-1")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	task, err := st.GetTask(context.Background(), "ISSUE-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, models.PhaseBacklog, task.Phase)
	require.Equal(t, 1, task.Priority)
	require.Equal(t, "/repo", task.RepoPath)
}

func TestAddCommandRequiresRepoPath(t *testing.T) {
	newTestDB(t)

	root := NewRootCommand()
	root.SetArgs([]string{"add", "ISSUE-2"})
	root.SilenceErrors = true

	err := root.Execute()
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.Code)
}

func TestAddCommandRejectsDuplicate(t *testing.T) {
	dbPath := newTestDB(t)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	task := &models.Task{
		IssueID:  "ISSUE-3",
		RepoPath: "/repo",
		Phase:    models.PhaseBacklog,
		Priority: 2,
	}
	require.NoError(t, st.InsertTask(context.Background(), task))
	require.NoError(t, st.Close())

	root := NewRootCommand()
	root.SilenceErrors = true
	root.SetArgs([]string{"add", "ISSUE-3", "--repo-path", "/repo"})

	err = root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}
