// Package scm wraps the git operations Orca's Runner needs to isolate each
// invocation in its own worktree and branch. This is the narrow interface
// spec.md treats the source-control CLI as external to: callers depend on
// SourceControl, not on git directly, so the Runner can be exercised with a
// fake in tests.
package scm

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CommandRunner executes a shell command and returns combined output.
// Exists so tests can inject a fake without shelling out to real git.
type CommandRunner interface {
	Run(ctx context.Context, workDir string, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, string(out))
	}
	return string(out), nil
}

// SourceControl is the operations the Runner and Scheduler need against a
// source repository: creating and tearing down per-invocation worktrees and
// closing pull requests tied to a canceled/failed task.
type SourceControl interface {
	// CreateWorktree creates a new worktree at worktreePath on a new branch
	// branchName, based on the repo's default branch.
	CreateWorktree(ctx context.Context, repoPath, worktreePath, branchName string) error
	// RemoveWorktree deletes a worktree and prunes its git metadata. Called
	// on invocation success; left in place on failure so an operator can
	// inspect the agent's work.
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error
	// PushBranch pushes branchName from worktreePath to its remote.
	PushBranch(ctx context.Context, worktreePath, branchName string) error
	// ClosePullRequestsByPrefix closes every open PR whose source branch
	// starts with branchPrefix, used when a task is canceled or fails
	// terminally (spec.md §4.5.4's PR-close filtering).
	ClosePullRequestsByPrefix(ctx context.Context, repoPath, branchPrefix string) error
	// CheckPRStatus reports the aggregate CI check state for prNumber,
	// polled by CIMonitor while a task sits in awaiting_ci.
	CheckPRStatus(ctx context.Context, repoPath string, prNumber int) (CheckState, error)
}

// GitSCM implements SourceControl by shelling out to git and gh.
type GitSCM struct {
	Runner CommandRunner
}

// NewGitSCM creates a GitSCM using the real os/exec runner.
func NewGitSCM() *GitSCM {
	return &GitSCM{Runner: ExecRunner{}}
}

func (g *GitSCM) run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	runner := g.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	return runner.Run(ctx, workDir, name, args...)
}

// CreateWorktree runs `git worktree add -b <branch> <path>` against repoPath.
func (g *GitSCM) CreateWorktree(ctx context.Context, repoPath, worktreePath, branchName string) error {
	if _, err := g.run(ctx, repoPath, "git", "worktree", "add", "-b", branchName, worktreePath); err != nil {
		return fmt.Errorf("create worktree %s on branch %s: %w", worktreePath, branchName, err)
	}
	return nil
}

// RemoveWorktree runs `git worktree remove --force` then prunes.
func (g *GitSCM) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	if _, err := g.run(ctx, repoPath, "git", "worktree", "remove", "--force", worktreePath); err != nil {
		return fmt.Errorf("remove worktree %s: %w", worktreePath, err)
	}
	if _, err := g.run(ctx, repoPath, "git", "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// PushBranch runs `git push -u origin <branch>` from the worktree.
func (g *GitSCM) PushBranch(ctx context.Context, worktreePath, branchName string) error {
	if _, err := g.run(ctx, worktreePath, "git", "push", "-u", "origin", branchName); err != nil {
		return fmt.Errorf("push branch %s: %w", branchName, err)
	}
	return nil
}

// ClosePullRequestsByPrefix lists open PRs via the gh CLI and closes the
// ones whose head branch starts with branchPrefix.
func (g *GitSCM) ClosePullRequestsByPrefix(ctx context.Context, repoPath, branchPrefix string) error {
	out, err := g.run(ctx, repoPath, "gh", "pr", "list", "--state", "open", "--json", "number,headRefName")
	if err != nil {
		return fmt.Errorf("list open pull requests: %w", err)
	}
	numbers := parsePRNumbersForPrefix(out, branchPrefix)
	for _, n := range numbers {
		if _, err := g.run(ctx, repoPath, "gh", "pr", "close", n); err != nil {
			return fmt.Errorf("close pull request %s: %w", n, err)
		}
	}
	return nil
}

// CheckPRStatus runs `gh pr checks` and aggregates the result into a single
// CheckState. A PR with no checks configured reports CheckNone so callers
// can decide whether that counts as success (spec.md §4.6's "missing"
// force-completion path reuses the same signal for deploys).
func (g *GitSCM) CheckPRStatus(ctx context.Context, repoPath string, prNumber int) (CheckState, error) {
	out, err := g.run(ctx, repoPath, "gh", "pr", "checks", strconv.Itoa(prNumber), "--json", "state,conclusion")
	if err != nil {
		// gh pr checks exits non-zero when any check failed; the JSON body
		// is still printed and meaningful, so parse it before giving up.
		if state := aggregatePRChecks(out); state == CheckFailure {
			return CheckFailure, nil
		}
		return CheckPending, fmt.Errorf("check pr %d status: %w", prNumber, err)
	}
	return aggregatePRChecks(out), nil
}

var _ SourceControl = (*GitSCM)(nil)
