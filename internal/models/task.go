package models

import (
	"fmt"
	"time"
)

// Task is a single unit of backlog work, one row per tracker issue.
//
// Invariants:
//   - IssueID is unique and immutable once inserted.
//   - Priority is in [0,4], lower admits first.
//   - RetryCount never exceeds maxRetries+1 (the scheduler's final attempt).
//   - DoneAt is non-nil if and only if Phase == PhaseDone.
//   - IsParent tasks are never dispatched directly; they track their
//     children's aggregate status (see evaluateParentStatuses).
type Task struct {
	IssueID          string     `json:"issueId"`
	AgentPrompt      string     `json:"agentPrompt"`
	RepoPath         string     `json:"repoPath"`
	ProjectName      string     `json:"projectName,omitempty"` // empty when the tracker has no project grouping
	Phase            Phase      `json:"phase"`
	Priority         int        `json:"priority"`
	RetryCount       int        `json:"retryCount"`
	ReviewCycleCount int        `json:"reviewCycleCount"`
	PRBranchName     string     `json:"prBranchName,omitempty"`
	PRNumber         int        `json:"prNumber,omitempty"` // 0 means unset
	MergeCommitSHA   string     `json:"mergeCommitSha,omitempty"`
	DeployStartedAt  *time.Time `json:"deployStartedAt,omitempty"`
	CIStartedAt      *time.Time `json:"ciStartedAt,omitempty"`
	DoneAt           *time.Time `json:"doneAt,omitempty"`
	ParentIdentifier string     `json:"parentIdentifier,omitempty"` // empty when the task has no parent
	IsParent         bool       `json:"isParent"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Validate checks structural invariants that do not depend on other rows.
func (t *Task) Validate() error {
	if t.IssueID == "" {
		return fmt.Errorf("task: issueId is required")
	}
	if t.RepoPath == "" {
		return fmt.Errorf("task %s: repoPath is required", t.IssueID)
	}
	if !t.Phase.Valid() {
		return fmt.Errorf("task %s: invalid phase %q", t.IssueID, t.Phase)
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("task %s: priority %d out of range [0,4]", t.IssueID, t.Priority)
	}
	if t.Phase == PhaseDone && t.DoneAt == nil {
		return fmt.Errorf("task %s: phase done requires doneAt", t.IssueID)
	}
	if t.Phase != PhaseDone && t.DoneAt != nil {
		return fmt.Errorf("task %s: doneAt set but phase is %q, not done", t.IssueID, t.Phase)
	}
	return nil
}

// TransitionTo validates and applies a phase change, maintaining the
// DoneAt invariant. It does not persist the change; callers write the
// resulting Task through the Store in the same transaction that reads it.
func (t *Task) TransitionTo(next Phase, now time.Time) error {
	if !t.Phase.CanTransition(next) {
		return &ErrInvalidTransition{From: t.Phase, To: next}
	}
	t.Phase = next
	t.UpdatedAt = now
	if next == PhaseDone {
		t.DoneAt = &now
	} else {
		t.DoneAt = nil
	}
	return nil
}

// Dispatchable reports whether t is eligible for scheduler admission: in
// the ready phase and not a parent roll-up task.
func (t *Task) Dispatchable() bool {
	return !t.IsParent && t.Phase.Dispatchable()
}
