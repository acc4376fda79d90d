package scm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls [][]string
	out   map[string]string
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	full := append([]string{name}, args...)
	f.calls = append(f.calls, full)
	key := strings.Join(full, " ")
	if f.err != nil {
		return "", f.err
	}
	return f.out[key], nil
}

func TestCreateWorktree(t *testing.T) {
	runner := &fakeRunner{out: map[string]string{}}
	g := &GitSCM{Runner: runner}

	err := g.CreateWorktree(context.Background(), "/repo", "/repo-worktrees/EMI-1", "orca/EMI-1-inv-1")
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	require.Equal(t, []string{"git", "worktree", "add", "-b", "orca/EMI-1-inv-1", "/repo-worktrees/EMI-1"}, runner.calls[0])
}

func TestRemoveWorktreePrunes(t *testing.T) {
	runner := &fakeRunner{out: map[string]string{}}
	g := &GitSCM{Runner: runner}

	err := g.RemoveWorktree(context.Background(), "/repo", "/repo-worktrees/EMI-1")
	require.NoError(t, err)
	require.Len(t, runner.calls, 2)
	require.Equal(t, "prune", runner.calls[1][2])
}

func TestClosePullRequestsByPrefixFiltersNonMatching(t *testing.T) {
	runner := &fakeRunner{out: map[string]string{
		"gh pr list --state open --json number,headRefName": `[
			{"number": 10, "headRefName": "orca/EMI-95-inv-1"},
			{"number": 11, "headRefName": "orca/EMI-9-inv-1"}
		]`,
	}}
	g := &GitSCM{Runner: runner}

	err := g.ClosePullRequestsByPrefix(context.Background(), "/repo", "orca/EMI-95-")
	require.NoError(t, err)

	// Only the PR with the matching prefix should be closed; EMI-9 must
	// not be touched by a close scoped to EMI-95.
	require.Len(t, runner.calls, 2)
	require.Equal(t, []string{"gh", "pr", "close", "10"}, runner.calls[1])
}

func TestParsePRNumbersForPrefixIgnoresMalformedJSON(t *testing.T) {
	require.Nil(t, parsePRNumbersForPrefix("not json", "orca/EMI-1-"))
}
