// Package runner executes a single invocation end to end: worktree setup,
// agent subprocess spawn, streaming stdout parsing, and terminal
// classification. It generalizes `internal/claude/invoker.go`'s single-shot
// CombinedOutput invocation into a long-running streaming subprocess with a
// three-way select between process exit, a session deadline, and external
// cancellation.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/emily-flambe/orca/internal/budget"
	"github.com/emily-flambe/orca/internal/claude"
	"github.com/emily-flambe/orca/internal/errs"
	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/scm"
)

// Request describes one invocation to execute.
type Request struct {
	IssueID         string
	Phase           models.InvocationPhase
	AgentPrompt     string
	RepoPath        string
	InvocationIndex int // used to build the branch name orca/<issueId>-inv-<N>
	ResumeSessionID string
	ResumeWorktree  string
	Model           string
	SessionTimeout  time.Duration
	LogDir          string
}

// Result is what the Runner hands back to the Scheduler once the invocation
// reaches a terminal state.
type Result struct {
	Status       models.InvocationStatus
	SessionID    string
	BranchName   string
	WorktreePath string
	CostUSD      float64
	NumTurns     int
	Summary      string
	LogPath      string
}

// claudeLine is the subset of stream-JSON line shapes the Runner cares
// about: `system` lines carry the session id, the terminal `result` line
// carries cost/turns/subtype/summary.
type claudeLine struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Subtype   string  `json:"subtype"`
	CostUSD   float64 `json:"total_cost_usd"`
	NumTurns  int     `json:"num_turns"`
	Result    string  `json:"result"`
}

const (
	subtypeSuccess  = "success"
	subtypeMaxTurns = "max_turns"

	// killGracePeriod is how long the Runner waits after SIGTERM before
	// escalating to SIGKILL on deadline or cancellation.
	killGracePeriod = 5 * time.Second

	readChunkSize = 64 * 1024
)

// Runner executes invocations via an agent CLI subprocess.
type Runner struct {
	AgentPath string
	SCM       scm.SourceControl
	Waiter    *budget.RateLimitWaiter
}

// New constructs a Runner using the real git/gh-backed SourceControl.
func New(agentPath string) *Runner {
	return &Runner{AgentPath: agentPath, SCM: scm.NewGitSCM()}
}

// Run executes req to completion, blocking until the invocation reaches a
// terminal status or ctx is canceled.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	branch := fmt.Sprintf("orca/%s-inv-%d", req.IssueID, req.InvocationIndex)
	worktreePath := filepath.Join(filepath.Dir(req.RepoPath), fmt.Sprintf("%s-worktrees", filepath.Base(req.RepoPath)), req.IssueID)

	if req.ResumeWorktree != "" {
		worktreePath = req.ResumeWorktree
	} else if err := r.scmOrDefault().CreateWorktree(ctx, req.RepoPath, worktreePath, branch); err != nil {
		return &Result{
			Status:  models.InvocationStatusFailed,
			Summary: fmt.Sprintf("worktree setup failed: %v", err),
		}, nil
	}

	logPath := filepath.Join(req.LogDir, fmt.Sprintf("%s-inv-%d.jsonl", req.IssueID, req.InvocationIndex))
	result, err := r.invoke(ctx, req, worktreePath, branch, logPath)
	if err != nil {
		return nil, err
	}

	if result.Status == models.InvocationStatusCompleted {
		if rmErr := r.scmOrDefault().RemoveWorktree(ctx, req.RepoPath, worktreePath); rmErr != nil {
			// Cleanup failure does not change the invocation's own terminal
			// status; the worktree is simply left for manual inspection.
			result.Summary += fmt.Sprintf(" (worktree cleanup failed: %v)", rmErr)
		}
	}

	return result, nil
}

func (r *Runner) scmOrDefault() scm.SourceControl {
	if r.SCM != nil {
		return r.SCM
	}
	return scm.NewGitSCM()
}

func (r *Runner) invoke(ctx context.Context, req Request, worktreePath, branch, logPath string) (*Result, error) {
	args := r.buildArgs(req)

	cmd := exec.Command(r.AgentPath, args...)
	cmd.Dir = worktreePath
	claude.SetCleanEnv(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.NewTaskError(req.IssueID, errs.KindAgentFailure, "create stdout pipe", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errs.NewTaskError(req.IssueID, errs.KindAgentFailure, "open log file", err)
	}
	defer logFile.Close()

	if err := cmd.Start(); err != nil {
		return &Result{Status: models.InvocationStatusFailed, Summary: fmt.Sprintf("agent spawn failed: %v", err), LogPath: logPath}, nil
	}

	var mu sync.Mutex
	sessionID := req.ResumeSessionID
	terminal := claudeLine{}
	sawTerminal := false

	done := make(chan error, 1)
	go func() {
		done <- streamOutput(stdout, logFile, func(line claudeLine) {
			mu.Lock()
			defer mu.Unlock()
			if line.SessionID != "" {
				sessionID = line.SessionID
			}
			if line.Type == "result" {
				terminal = line
				sawTerminal = true
			}
		})
	}()

	timeout := req.SessionTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	var deadline, canceled bool

	select {
	case waitErr = <-waitForExit(cmd, done):
	case <-timer.C:
		deadline = true
		waitErr = killGracefully(cmd)
	case <-ctx.Done():
		canceled = true
		waitErr = killGracefully(cmd)
	}

	mu.Lock()
	finalSessionID := sessionID
	finalTerminal := terminal
	finalSawTerminal := sawTerminal
	mu.Unlock()

	result := &Result{
		SessionID:    finalSessionID,
		BranchName:   branch,
		WorktreePath: worktreePath,
		LogPath:      logPath,
		CostUSD:      finalTerminal.CostUSD,
		NumTurns:     finalTerminal.NumTurns,
		Summary:      finalTerminal.Result,
	}

	switch {
	case canceled:
		result.Status = models.InvocationStatusFailed
		result.Summary = "canceled"
	case deadline:
		result.Status = models.InvocationStatusTimedOut
		if result.Summary == "" {
			result.Summary = models.MaxTurnsReached
		}
	case finalSawTerminal && finalTerminal.Subtype == subtypeSuccess:
		result.Status = models.InvocationStatusCompleted
	case finalSawTerminal && finalTerminal.Subtype == subtypeMaxTurns:
		result.Status = models.InvocationStatusTimedOut
		result.Summary = models.MaxTurnsReached
	case waitErr != nil:
		if info := budget.ParseRateLimitFromError(waitErr.Error()); info != nil && r.Waiter != nil {
			if waitErr2 := r.Waiter.WaitForReset(ctx, info); waitErr2 == nil {
				return r.invoke(ctx, req, worktreePath, branch, logPath)
			}
		}
		result.Status = models.InvocationStatusFailed
		if result.Summary == "" {
			result.Summary = waitErr.Error()
		}
	default:
		result.Status = models.InvocationStatusFailed
		if result.Summary == "" {
			result.Summary = "agent exited without a terminal result line"
		}
	}

	return result, nil
}

func (r *Runner) buildArgs(req Request) []string {
	args := []string{
		"--output-format", "stream-json",
		"--permission-mode", "bypassPermissions",
		"--settings", `{"disableAllHooks":true}`,
		"-p", req.AgentPrompt,
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return args
}

// streamOutput drains stdout continuously in fixed-size chunks so a slow
// downstream writer never blocks the subprocess, while a line scanner on
// top of the drained buffer extracts structured claudeLine events.
func streamOutput(stdout io.Reader, logFile io.Writer, onLine func(claudeLine)) error {
	reader := io.TeeReader(bufio.NewReaderSize(stdout, readChunkSize), logFile)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, readChunkSize), 1024*1024)

	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var line claudeLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			continue
		}
		onLine(line)
	}
	return scanner.Err()
}

func waitForExit(cmd *exec.Cmd, streamDone <-chan error) <-chan error {
	out := make(chan error, 1)
	go func() {
		<-streamDone
		out <- cmd.Wait()
	}()
	return out
}

func killGracefully(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(killGracePeriod):
		_ = cmd.Process.Kill()
		return <-done
	}
}
