package models

import (
	"fmt"
	"time"
)

// Invocation is a single subprocess run of the coding agent against one
// Task, at one phase (implement, review, or fix).
//
// Invariants:
//   - Created with Status=running and every nullable terminal field unset.
//   - Exactly one terminal write ever happens: Status moves from running to
//     exactly one of completed/failed/timed_out, and EndedAt is set in the
//     same write. No invocation is ever re-opened.
//   - EndedAt is nil if and only if Status == running.
type Invocation struct {
	ID            int64            `json:"id"`
	IssueID       string           `json:"issueId"`
	Phase         InvocationPhase  `json:"phase"`
	Status        InvocationStatus `json:"status"`
	SessionID     string           `json:"sessionId,omitempty"` // empty until the agent reports one
	BranchName    string           `json:"branchName,omitempty"`
	WorktreePath  string           `json:"worktreePath,omitempty"`
	Model         string           `json:"model,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	EndedAt       *time.Time       `json:"endedAt,omitempty"`
	CostUSD       *float64         `json:"costUsd,omitempty"`
	NumTurns      *int             `json:"numTurns,omitempty"`
	OutputSummary string           `json:"outputSummary,omitempty"`
	LogPath       string           `json:"logPath,omitempty"`
}

// Validate checks structural invariants that do not require other rows.
func (i *Invocation) Validate() error {
	if i.IssueID == "" {
		return fmt.Errorf("invocation: issueId is required")
	}
	if !i.Phase.Valid() {
		return fmt.Errorf("invocation %d: invalid phase %q", i.ID, i.Phase)
	}
	if !i.Status.Valid() {
		return fmt.Errorf("invocation %d: invalid status %q", i.ID, i.Status)
	}
	if i.Status == InvocationStatusRunning && i.EndedAt != nil {
		return fmt.Errorf("invocation %d: status running but endedAt is set", i.ID)
	}
	if i.Status != InvocationStatusRunning && i.EndedAt == nil {
		return fmt.Errorf("invocation %d: terminal status %q requires endedAt", i.ID, i.Status)
	}
	return nil
}

// Complete applies a terminal write. It is an error to call this on an
// invocation that is already terminal.
func (i *Invocation) Complete(status InvocationStatus, now time.Time, costUSD *float64, numTurns *int, summary string) error {
	if i.Status.Terminal() {
		return fmt.Errorf("invocation %d: already terminal (%s)", i.ID, i.Status)
	}
	if !status.Valid() || status == InvocationStatusRunning {
		return fmt.Errorf("invocation %d: invalid terminal status %q", i.ID, status)
	}
	i.Status = status
	i.EndedAt = &now
	i.CostUSD = costUSD
	i.NumTurns = numTurns
	i.OutputSummary = summary
	return nil
}

// MaxTurnsReached is the OutputSummary sentinel used to identify a
// resumable implement-phase invocation (see Store.LastResumableInvocation).
const MaxTurnsReached = "max turns reached"

// Resumable reports whether this invocation can seed a --resume on a
// follow-up implement invocation.
func (i *Invocation) Resumable() bool {
	return i.Phase == InvocationImplement &&
		i.OutputSummary == MaxTurnsReached &&
		i.SessionID != "" &&
		i.WorktreePath != ""
}
