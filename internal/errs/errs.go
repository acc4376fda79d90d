// Package errs classifies the error kinds Orca's workers can encounter, per
// the error handling design: every worker-local error is converted to one of
// these kinds, logged with context, and turned into a terminal row rather
// than bubbling out of a goroutine.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the classification of an error as it crosses a worker boundary.
type Kind int

const (
	// KindTransient is a bounded-retry external failure (tracker HTTP call,
	// CI/deploy poll). Retried with backoff; surfaced only once retries are
	// exhausted.
	KindTransient Kind = iota
	// KindAgentFailure is a non-zero exit or unparseable result from the
	// coding agent subprocess.
	KindAgentFailure
	// KindMaxTurns is the agent hitting its turn budget without a terminal
	// result.
	KindMaxTurns
	// KindSessionTimeout is the Runner's own deadline firing before the
	// agent exits.
	KindSessionTimeout
	// KindWorktreeError is a git/worktree/branch operation failure.
	KindWorktreeError
	// KindBudgetExhausted is an admission-time stop, never surfaced as an
	// error to a user -- only used internally to short-circuit dispatch.
	KindBudgetExhausted
	// KindConflict is an external-state conflict resolved by policy (see
	// SyncEngine.resolveConflict); never treated as a failure.
	KindConflict
	// KindInvariant is a programmer-error / invariant violation. The
	// process stays up; the offending task is marked failed to avoid
	// livelock.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAgentFailure:
		return "agent_failure"
	case KindMaxTurns:
		return "max_turns"
	case KindSessionTimeout:
		return "session_timeout"
	case KindWorktreeError:
		return "worktree_error"
	case KindBudgetExhausted:
		return "budget_exhausted"
	case KindConflict:
		return "conflict"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// TaskError is an error attributable to one issue's work, carrying the
// classification needed for the scheduler's retry-vs-fail decision.
type TaskError struct {
	IssueID   string
	Kind      Kind
	Message   string
	Err       error
	Timestamp time.Time
}

// NewTaskError creates a TaskError stamped with the current time.
func NewTaskError(issueID string, kind Kind, msg string, err error) *TaskError {
	return &TaskError{
		IssueID:   issueID,
		Kind:      kind,
		Message:   msg,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s [%s]: %s: %v", e.IssueID, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("task %s [%s]: %s", e.IssueID, e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// TimeoutError represents a Runner deadline or agent session timeout.
type TimeoutError struct {
	IssueID         string
	TimeoutDuration time.Duration
	Context         string
	Timestamp       time.Time
}

// NewTimeoutError creates a TimeoutError stamped with the current time.
func NewTimeoutError(issueID string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		IssueID:         issueID,
		TimeoutDuration: duration,
		Timestamp:       time.Now(),
	}
}

func (e *TimeoutError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("task %s: timeout after %v (%s)", e.IssueID, e.TimeoutDuration, e.Context)
	}
	return fmt.Sprintf("task %s: timeout after %v", e.IssueID, e.TimeoutDuration)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// InvariantError marks a programmer-error condition. The caller should log
// it, mark the affected task failed, and keep the process running.
type InvariantError struct {
	IssueID string
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation on task %s: %s", e.IssueID, e.Message)
}

// KindOf classifies err, defaulting to KindInvariant when nothing more
// specific matches -- an unrecognized error is treated conservatively as a
// programmer error rather than silently retried forever.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvariant
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	var toe *TimeoutError
	if errors.As(err, &toe) {
		return KindSessionTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindSessionTimeout
	}
	var ie *InvariantError
	if errors.As(err, &ie) {
		return KindInvariant
	}
	return KindInvariant
}

// IsTimeout reports whether err is or wraps a TimeoutError or
// context.DeadlineExceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryEligible reports whether a task error of this kind should consume a
// retry attempt rather than being treated as an immediate terminal failure.
func RetryEligible(k Kind) bool {
	switch k {
	case KindAgentFailure, KindSessionTimeout, KindWorktreeError, KindTransient:
		return true
	default:
		return false
	}
}
