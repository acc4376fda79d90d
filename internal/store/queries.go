package store

import (
	"context"
	"fmt"

	"github.com/emily-flambe/orca/internal/models"
)

// ReadyTasks returns dispatchable tasks ordered by priority ascending, then
// createdAt ascending -- the exact order the scheduler's admission loop
// consumes.
func (s *Store) ReadyTasks(ctx context.Context) ([]*models.Task, error) {
	return s.tasksWherePhase(ctx, string(models.PhaseReady), `AND is_parent = 0`)
}

// DispatchableTasks returns every non-parent task whose phase needs a
// Runner invocation: ready (implement), in_review (review), and
// changes_requested (fix). awaiting_ci and deploying are watched by the
// Monitors instead, not dispatched by the Scheduler.
func (s *Store) DispatchableTasks(ctx context.Context) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := taskSelectSQL + ` WHERE is_parent = 0 AND phase IN (?, ?, ?) ORDER BY priority ASC, created_at ASC`
	rows, err := s.db.QueryContext(ctx, query,
		string(models.PhaseReady), string(models.PhaseInReview), string(models.PhaseChangesRequested))
	if err != nil {
		return nil, fmt.Errorf("query dispatchable tasks: %w", err)
	}
	return scanTasks(rows)
}

// DeployingTasks returns tasks currently in the deploying phase, for
// DeployMonitor.
func (s *Store) DeployingTasks(ctx context.Context) ([]*models.Task, error) {
	return s.tasksWherePhase(ctx, string(models.PhaseDeploying), "")
}

// AwaitingCITasks returns tasks currently awaiting CI, for CIMonitor.
func (s *Store) AwaitingCITasks(ctx context.Context) ([]*models.Task, error) {
	return s.tasksWherePhase(ctx, string(models.PhaseAwaitingCI), "")
}

func (s *Store) tasksWherePhase(ctx context.Context, phase, extra string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := taskSelectSQL + ` WHERE phase = ? ` + extra + ` ORDER BY priority ASC, created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, phase)
	if err != nil {
		return nil, fmt.Errorf("query tasks in phase %s: %w", phase, err)
	}
	return scanTasks(rows)
}

// ParentTasks returns all tasks marked isParent, for evaluateParentStatuses.
func (s *Store) ParentTasks(ctx context.Context) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, taskSelectSQL+` WHERE is_parent = 1 ORDER BY issue_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query parent tasks: %w", err)
	}
	return scanTasks(rows)
}

// ChildrenOf returns all tasks whose parentIdentifier equals issueID.
func (s *Store) ChildrenOf(ctx context.Context, issueID string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, taskSelectSQL+` WHERE parent_identifier = ? ORDER BY issue_id ASC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("query children of %s: %w", issueID, err)
	}
	return scanTasks(rows)
}

// AllTasks returns every task ordered by priority then creation time, for
// the API's list endpoint.
func (s *Store) AllTasks(ctx context.Context) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, taskSelectSQL+` ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all tasks: %w", err)
	}
	return scanTasks(rows)
}
