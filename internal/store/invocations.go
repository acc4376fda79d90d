package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emily-flambe/orca/internal/models"
)

// InsertInvocation creates a new invocation row. The running-status insert
// must strictly precede any terminal update for the same invocation, per
// the ordering guarantee in the concurrency model.
func (s *Store) InsertInvocation(ctx context.Context, inv *models.Invocation) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations (
			issue_id, phase, status, session_id, branch_name, worktree_path,
			model, started_at, ended_at, cost_usd, num_turns, output_summary, log_path
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inv.IssueID, string(inv.Phase), string(inv.Status), nullString(inv.SessionID),
		nullString(inv.BranchName), nullString(inv.WorktreePath), nullString(inv.Model),
		inv.StartedAt, nullTime(inv.EndedAt), inv.CostUSD, inv.NumTurns,
		nullString(inv.OutputSummary), nullString(inv.LogPath),
	)
	if err != nil {
		return fmt.Errorf("insert invocation for %s: %w", inv.IssueID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get invocation id: %w", err)
	}
	inv.ID = id
	return nil
}

// UpdateInvocation writes the invocation's current state, including a
// terminal write (status + endedAt + cost/turns/summary) when applicable.
// CompleteInvocationWithBudgetEvent is the other path that changes an
// invocation's status after insert.
func (s *Store) UpdateInvocation(ctx context.Context, inv *models.Invocation) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations SET
			status=?, session_id=?, branch_name=?, worktree_path=?, model=?,
			ended_at=?, cost_usd=?, num_turns=?, output_summary=?, log_path=?
		WHERE id=?`,
		string(inv.Status), nullString(inv.SessionID), nullString(inv.BranchName),
		nullString(inv.WorktreePath), nullString(inv.Model), nullTime(inv.EndedAt),
		inv.CostUSD, inv.NumTurns, nullString(inv.OutputSummary), nullString(inv.LogPath),
		inv.ID,
	)
	if err != nil {
		return fmt.Errorf("update invocation %d: %w", inv.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update invocation %d: not found", inv.ID)
	}
	return nil
}

// CompleteInvocationWithBudgetEvent performs the terminal invocation write
// and the corresponding BudgetEvent append atomically in one transaction,
// per the ordering guarantee that a terminal write and its budget event are
// never observed independently.
func (s *Store) CompleteInvocationWithBudgetEvent(ctx context.Context, inv *models.Invocation, event *models.BudgetEvent) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE invocations SET
			status=?, session_id=?, branch_name=?, worktree_path=?, model=?,
			ended_at=?, cost_usd=?, num_turns=?, output_summary=?, log_path=?
		WHERE id=?`,
		string(inv.Status), nullString(inv.SessionID), nullString(inv.BranchName),
		nullString(inv.WorktreePath), nullString(inv.Model), nullTime(inv.EndedAt),
		inv.CostUSD, inv.NumTurns, nullString(inv.OutputSummary), nullString(inv.LogPath),
		inv.ID,
	)
	if err != nil {
		return fmt.Errorf("update invocation %d: %w", inv.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update invocation %d: not found", inv.ID)
	}

	if event != nil {
		if err := event.Validate(); err != nil {
			return err
		}
		event.InvocationID = inv.ID
		if event.RecordedAt.IsZero() {
			event.RecordedAt = time.Now()
		}
		er, err := tx.ExecContext(ctx, `INSERT INTO budget_events (invocation_id, cost_usd, recorded_at) VALUES (?,?,?)`,
			event.InvocationID, event.CostUSD, event.RecordedAt)
		if err != nil {
			return fmt.Errorf("insert budget event: %w", err)
		}
		id, _ := er.LastInsertId()
		event.ID = id
	}

	return tx.Commit()
}

// AppendBudgetEvent records cost incurred outside a terminal-write context
// (e.g. a mid-run partial-cost checkpoint), independent of the atomic
// terminal-write path above.
func (s *Store) AppendBudgetEvent(ctx context.Context, event *models.BudgetEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.RecordedAt.IsZero() {
		event.RecordedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO budget_events (invocation_id, cost_usd, recorded_at) VALUES (?,?,?)`,
		event.InvocationID, event.CostUSD, event.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert budget event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get budget event id: %w", err)
	}
	event.ID = id
	return nil
}

const invocationSelectSQL = `SELECT
	id, issue_id, phase, status, session_id, branch_name, worktree_path, model,
	started_at, ended_at, cost_usd, num_turns, output_summary, log_path
	FROM invocations`

func scanInvocation(row rowScanner) (*models.Invocation, error) {
	var inv models.Invocation
	var phase, status, sessionID, branch, worktree, model, summary, logPath sql.NullString
	var endedAt sql.NullTime
	var costUSD sql.NullFloat64
	var numTurns sql.NullInt64

	err := row.Scan(
		&inv.ID, &inv.IssueID, &phase, &status, &sessionID, &branch, &worktree, &model,
		&inv.StartedAt, &endedAt, &costUSD, &numTurns, &summary, &logPath,
	)
	if err != nil {
		return nil, err
	}
	inv.Phase = models.InvocationPhase(phase.String)
	inv.Status = models.InvocationStatus(status.String)
	inv.SessionID = sessionID.String
	inv.BranchName = branch.String
	inv.WorktreePath = worktree.String
	inv.Model = model.String
	inv.OutputSummary = summary.String
	inv.LogPath = logPath.String
	if endedAt.Valid {
		v := endedAt.Time
		inv.EndedAt = &v
	}
	if costUSD.Valid {
		v := costUSD.Float64
		inv.CostUSD = &v
	}
	if numTurns.Valid {
		v := int(numTurns.Int64)
		inv.NumTurns = &v
	}
	return &inv, nil
}

// InvocationsForTask returns all invocations for an issue, newest first.
func (s *Store) InvocationsForTask(ctx context.Context, issueID string) ([]*models.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, invocationSelectSQL+` WHERE issue_id=? ORDER BY started_at DESC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("query invocations for %s: %w", issueID, err)
	}
	defer rows.Close()

	var out []*models.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// LastResumableInvocation returns the newest implement-phase invocation for
// issueID that hit the max-turns ceiling with a resumable session, or nil
// if none exists.
func (s *Store) LastResumableInvocation(ctx context.Context, issueID string) (*models.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, invocationSelectSQL+`
		WHERE issue_id=? AND phase='implement' AND output_summary=?
		AND session_id IS NOT NULL AND worktree_path IS NOT NULL
		ORDER BY started_at DESC LIMIT 1`, issueID, models.MaxTurnsReached)

	inv, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last resumable invocation for %s: %w", issueID, err)
	}
	return inv, nil
}

// ActiveInvocationCount returns the number of invocations currently running,
// the live admission-capacity signal for the scheduler.
func (s *Store) ActiveInvocationCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invocations WHERE status='running'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active invocations: %w", err)
	}
	return n, nil
}

// CostInWindow returns the live sum of budget events recorded at or after
// since. It is never cached or retroactively adjusted (see DESIGN.md
// open question (a)): a deleted task's events simply stop contributing.
func (s *Store) CostInWindow(ctx context.Context, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(cost_usd) FROM budget_events WHERE recorded_at >= ?`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum cost in window: %w", err)
	}
	return total.Float64, nil
}
