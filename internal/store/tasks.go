package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emily-flambe/orca/internal/models"
)

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}

// InsertTask creates a new task row. Returns an error if issueId already
// exists (UNIQUE/PRIMARY KEY violation surfaces from the driver).
func (s *Store) InsertTask(ctx context.Context, t *models.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			issue_id, agent_prompt, repo_path, project_name, phase, priority,
			retry_count, review_cycle_count, pr_branch_name, pr_number,
			merge_commit_sha, deploy_started_at, ci_started_at, done_at,
			parent_identifier, is_parent, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.IssueID, t.AgentPrompt, t.RepoPath, nullString(t.ProjectName), string(t.Phase), t.Priority,
		t.RetryCount, t.ReviewCycleCount, nullString(t.PRBranchName), nullInt(t.PRNumber),
		nullString(t.MergeCommitSHA), nullTime(t.DeployStartedAt), nullTime(t.CIStartedAt), nullTime(t.DoneAt),
		nullString(t.ParentIdentifier), t.IsParent, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.IssueID, err)
	}
	return nil
}

// UpdateTask overwrites every mutable field of an existing task row.
func (s *Store) UpdateTask(ctx context.Context, t *models.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			agent_prompt=?, repo_path=?, project_name=?, phase=?, priority=?,
			retry_count=?, review_cycle_count=?, pr_branch_name=?, pr_number=?,
			merge_commit_sha=?, deploy_started_at=?, ci_started_at=?, done_at=?,
			parent_identifier=?, is_parent=?, updated_at=?
		WHERE issue_id=?`,
		t.AgentPrompt, t.RepoPath, nullString(t.ProjectName), string(t.Phase), t.Priority,
		t.RetryCount, t.ReviewCycleCount, nullString(t.PRBranchName), nullInt(t.PRNumber),
		nullString(t.MergeCommitSHA), nullTime(t.DeployStartedAt), nullTime(t.CIStartedAt), nullTime(t.DoneAt),
		nullString(t.ParentIdentifier), t.IsParent, t.UpdatedAt, t.IssueID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.IssueID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update task %s: not found", t.IssueID)
	}
	return nil
}

// DeleteTask removes a task and cascades to its invocations and budget
// events. This only affects historical cost attribution, never a live
// rolling-window computation (see DESIGN.md open question (a)).
func (s *Store) DeleteTask(ctx context.Context, issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE issue_id=?`, issueID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", issueID, err)
	}
	return nil
}

// GetTask fetches a single task by issue id.
func (s *Store) GetTask(ctx context.Context, issueID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, taskSelectSQL+` WHERE issue_id=?`, issueID)
	return scanTask(row)
}

const taskSelectSQL = `SELECT
	issue_id, agent_prompt, repo_path, project_name, phase, priority,
	retry_count, review_cycle_count, pr_branch_name, pr_number,
	merge_commit_sha, deploy_started_at, ci_started_at, done_at,
	parent_identifier, is_parent, created_at, updated_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var projectName, phase, prBranch, mergeSHA, parentID sql.NullString
	var prNumber sql.NullInt64
	var deployStarted, ciStarted, doneAt sql.NullTime

	err := row.Scan(
		&t.IssueID, &t.AgentPrompt, &t.RepoPath, &projectName, &phase, &t.Priority,
		&t.RetryCount, &t.ReviewCycleCount, &prBranch, &prNumber,
		&mergeSHA, &deployStarted, &ciStarted, &doneAt,
		&parentID, &t.IsParent, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Phase = models.Phase(phase.String)
	t.ProjectName = projectName.String
	t.PRBranchName = prBranch.String
	t.MergeCommitSHA = mergeSHA.String
	t.ParentIdentifier = parentID.String
	if prNumber.Valid {
		t.PRNumber = int(prNumber.Int64)
	}
	if deployStarted.Valid {
		v := deployStarted.Time
		t.DeployStartedAt = &v
	}
	if ciStarted.Valid {
		v := ciStarted.Time
		t.CIStartedAt = &v
	}
	if doneAt.Valid {
		v := doneAt.Time
		t.DoneAt = &v
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	defer rows.Close()
	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
