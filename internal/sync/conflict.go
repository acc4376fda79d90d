package sync

import (
	"time"

	"github.com/emily-flambe/orca/internal/models"
)

// External state labels, matching the tracker's workflow-state names used
// verbatim in spec.md §4.5.4's table.
const (
	ExternalTodo     = "Todo"
	ExternalInReview = "In Review"
	ExternalDone     = "Done"
	ExternalCanceled = "Canceled"
)

// conflictResolution is the side effect of resolveConflict: an optional
// phase override plus the fire-and-forget actions it triggers.
type conflictResolution struct {
	phase    models.Phase
	apply    bool // false means no-op / fall through
	cancel   bool // cancel the task's active Runner handle
	closePRs bool // close open PRs with the orca/<issueId>- prefix
}

// resolveConflict implements spec.md §4.5.4's explicit state-divergence
// table verbatim. It is deliberately a direct phase override rather than a
// Task.TransitionTo call: several of its rows (e.g. "any -> Done -> done"
// from a running task) are not legal edges in the §4.2 phase machine by
// design -- they represent a human overriding Orca's own bookkeeping, not
// a normal lifecycle step.
func resolveConflict(t *models.Task, externalState string) conflictResolution {
	switch {
	case t.Phase == models.PhaseDeploying && externalState == ExternalInReview:
		return conflictResolution{}
	case t.Phase == models.PhaseDeploying && externalState == ExternalTodo:
		return conflictResolution{phase: models.PhaseReady, apply: true}
	case t.Phase == models.PhaseDeploying && externalState == ExternalDone:
		return conflictResolution{phase: models.PhaseDone, apply: true}
	case t.Phase == models.PhaseDeploying && externalState == ExternalCanceled:
		return conflictResolution{phase: models.PhaseFailed, apply: true, closePRs: true}
	case externalState == ExternalCanceled:
		return conflictResolution{phase: models.PhaseFailed, apply: true, closePRs: true, cancel: true}
	case externalState == ExternalDone:
		return conflictResolution{phase: models.PhaseDone, apply: true}
	case (t.Phase == models.PhaseRunning || t.Phase == models.PhaseDispatched) && externalState == ExternalTodo:
		return conflictResolution{phase: models.PhaseReady, apply: true, cancel: true}
	case (t.Phase == models.PhaseRunning || t.Phase == models.PhaseInReview) && externalState == ExternalInReview:
		return conflictResolution{}
	case t.Phase == models.PhaseInReview && externalState == ExternalDone:
		return conflictResolution{phase: models.PhaseDone, apply: true}
	default:
		return conflictResolution{}
	}
}

// applyPhase sets t's phase directly, maintaining the DoneAt invariant
// without requiring the move to be a legal §4.2 edge. Used by
// resolveConflict and evaluateParentStatuses, the two override paths
// spec.md documents as sitting outside the normal transition table.
func applyPhase(t *models.Task, phase models.Phase, now time.Time) {
	t.Phase = phase
	t.UpdatedAt = now
	if phase == models.PhaseDone {
		t.DoneAt = &now
	} else {
		t.DoneAt = nil
	}
}
