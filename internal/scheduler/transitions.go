package scheduler

import (
	"strings"

	"github.com/emily-flambe/orca/internal/models"
	"github.com/emily-flambe/orca/internal/runner"
)

// resolveNextPhase implements the Runner-result-driven half of spec.md
// §4.2's transition table. It returns the next phase to transition t into
// and a side-effect applied to t before persisting (retry/cycle counter
// bookkeeping). A next value of "" with same=false signals "task moved
// under us, abort silently" (spec.md §4.3's Runner result handling).
//
// A same=true result means t stays in its current phase (no TransitionTo
// call -- there is no self-edge in the phase machine) but the side effect
// (typically RetryCount++) must still be persisted, so the caller can
// retry the review without ever leaving in_review.
func resolveNextPhase(t *models.Task, inv *models.Invocation, result *runner.Result, maxReviewCycles, maxRetries int, skipCI bool) (next models.Phase, same bool, sideEffect func(*models.Task)) {
	switch t.Phase {
	case models.PhaseRunning:
		return resolveRunningResult(t, result, maxRetries)
	case models.PhaseInReview:
		return resolveReviewResult(t, result, maxReviewCycles, maxRetries, skipCI)
	default:
		// Task moved to a phase the Scheduler no longer recognizes as
		// awaiting this invocation's result (canceled, reassigned, or
		// already resolved by a webhook). Drop the result.
		return "", false, nil
	}
}

func resolveRunningResult(t *models.Task, result *runner.Result, maxRetries int) (models.Phase, bool, func(*models.Task)) {
	switch result.Status {
	case models.InvocationStatusCompleted:
		return models.PhaseInReview, false, nil

	case models.InvocationStatusTimedOut:
		// Max-turns (implement phase only, enforced by LastResumableInvocation's
		// phase='implement' filter) or a session deadline. Either way this is
		// retry-eligible, but bounded by maxRetries like any other failure --
		// otherwise a task that keeps hitting max-turns is re-dispatched
		// forever.
		if t.RetryCount+1 >= maxRetries {
			return models.PhaseFailed, false, func(t *models.Task) { t.RetryCount++ }
		}
		return models.PhaseReady, false, func(t *models.Task) { t.RetryCount++ }

	case models.InvocationStatusFailed:
		if result.Summary == "canceled" {
			return models.PhaseFailed, false, nil
		}
		if t.RetryCount+1 >= maxRetries {
			return models.PhaseFailed, false, func(t *models.Task) { t.RetryCount++ }
		}
		return models.PhaseReady, false, func(t *models.Task) { t.RetryCount++ }

	default:
		return models.PhaseFailed, false, nil
	}
}

func resolveReviewResult(t *models.Task, result *runner.Result, maxReviewCycles, maxRetries int, skipCI bool) (models.Phase, bool, func(*models.Task)) {
	if result.Status != models.InvocationStatusCompleted {
		if result.Summary == "canceled" {
			return models.PhaseFailed, false, nil
		}
		if t.RetryCount+1 >= maxRetries {
			return models.PhaseFailed, false, func(t *models.Task) { t.RetryCount++ }
		}
		// Stay in in_review; a technical review failure is retried in
		// place rather than bounced through changes_requested.
		return t.Phase, true, func(t *models.Task) { t.RetryCount++ }
	}

	if reviewRequestsChanges(result.Summary) {
		if t.ReviewCycleCount+1 >= maxReviewCycles {
			return models.PhaseFailed, false, func(t *models.Task) { t.ReviewCycleCount++ }
		}
		return models.PhaseChangesRequested, false, func(t *models.Task) { t.ReviewCycleCount++ }
	}

	// Approved. Whether the next stop is awaiting_ci or straight to done is
	// a per-task deploy-strategy decision, encoded here as Config.SkipCI.
	if skipCI {
		return models.PhaseDone, false, nil
	}
	return models.PhaseAwaitingCI, false, nil
}

// reviewRequestsChanges inspects the review invocation's summary for a
// changes-requested verdict. The agent is prompted to state its verdict in
// its final summary line; "approved" is the default when neither marker is
// present so a malformed summary does not silently stall a task forever.
func reviewRequestsChanges(summary string) bool {
	return strings.Contains(strings.ToLower(summary), "changes_requested") ||
		strings.Contains(strings.ToLower(summary), "changes requested")
}
