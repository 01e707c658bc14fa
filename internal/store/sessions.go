package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/sessiond/internal/domain"
)

// ErrSessionExists is returned by CreateSession when the identifier is
// already taken.
var ErrSessionExists = errors.New("session already exists")

const sessionColumns = `id, name, status, working_dir, created_at, updated_at,
	last_activity_at, failure_reason, worktree_path, resume_count,
	active_run_id, last_resume_at, restored, restored_at, recovery_hint`

// CreateSession inserts a new row for s. Fails with ErrSessionExists if the
// identifier is already present.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO sessions (id, name, status, working_dir, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID(), sess.Name(), string(sess.Status()), sess.WorkingDir(),
			sess.CreatedAt().Unix(), sess.UpdatedAt().Unix(),
		)
		if err != nil {
			if isUniqueConstraintErr(err) {
				return ErrSessionExists
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	return scanSession(row)
}

// ListDashboardSessions returns every session ordered by created_at DESC.
func (s *Store) ListDashboardSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus unconditionally writes status and touches updated_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status domain.Status) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			"UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?",
			string(status), time.Now().Unix(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to update session status: %w", err)
		}
		return nil
	})
}

// TransitionSessionTerminal atomically moves id to status iff it is
// currently in an in-flight status and status is one of the terminal
// statuses. Returns false (no error) if either condition fails, guaranteeing
// at most one terminal write per row (I2).
func (s *Store) TransitionSessionTerminal(ctx context.Context, id string, status domain.Status) (bool, error) {
	if !status.IsTerminal() {
		return false, nil
	}

	var ok bool
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, inFlightConditionalUpdate(),
			string(status), time.Now().Unix(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to transition session terminal: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n > 0
		return nil
	})
	return ok, err
}

// TransitionSessionToInterrupting writes interrupting iff the current status
// is in-flight.
func (s *Store) TransitionSessionToInterrupting(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, inFlightConditionalUpdate(),
			string(domain.StatusInterrupting), time.Now().Unix(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to transition session to interrupting: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n > 0
		return nil
	})
	return ok, err
}

func inFlightConditionalUpdate() string {
	return `UPDATE sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status IN ('starting', 'running', 'interrupting', 'resuming')`
}

// BeginResumeAttempt is conditional on status in {completed, interrupted}:
// sets status resuming, strictly increments resume_count (I4), stores
// active_run_id and last_resume_at, clears failure_reason.
func (s *Store) BeginResumeAttempt(ctx context.Context, id, runID string, now time.Time) (bool, error) {
	var ok bool
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, resume_count = resume_count + 1, active_run_id = ?,
				last_resume_at = ?, failure_reason = NULL, updated_at = ?
			WHERE id = ? AND status IN ('completed', 'interrupted')`,
			string(domain.StatusResuming), runID, now.Unix(), now.Unix(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to begin resume attempt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n > 0
		return nil
	})
	return ok, err
}

// BeginRunAttempt sets status running, writes active_run_id, clears
// failure_reason, touches last_activity_at.
func (s *Store) BeginRunAttempt(ctx context.Context, id, runID string) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().Unix()
		_, err := conn.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, active_run_id = ?, failure_reason = NULL,
				last_activity_at = ?, updated_at = ?
			WHERE id = ?`,
			string(domain.StatusRunning), runID, now, now, id,
		)
		if err != nil {
			return fmt.Errorf("failed to begin run attempt: %w", err)
		}
		return nil
	})
}

// TouchActivity sets last_activity_at to now.
func (s *Store) TouchActivity(ctx context.Context, id string, now time.Time) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			"UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?",
			now.Unix(), now.Unix(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to touch activity: %w", err)
		}
		return nil
	})
}

// SetFailureReason persists reason as given, without normalizing it or
// otherwise changing status; callers pass a reason already normalized by
// projection.NormalizeFailureReason. Used for transient Error payloads (see design notes on
// the open question of when failure_reason is written).
func (s *Store) SetFailureReason(ctx context.Context, id string, reason *string, now time.Time) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			"UPDATE sessions SET failure_reason = ?, updated_at = ? WHERE id = ?",
			reason, now.Unix(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to set failure reason: %w", err)
		}
		return nil
	})
}

// SetWorktreePath persists the worktree path chosen for a session.
func (s *Store) SetWorktreePath(ctx context.Context, id, path string, now time.Time) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			"UPDATE sessions SET worktree_path = ?, updated_at = ? WHERE id = ?",
			path, now.Unix(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to set worktree path: %w", err)
		}
		return nil
	})
}

// DeleteSession cascades to messages and session_events via ON DELETE CASCADE.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
}

// ReconcileStaleInflightSessions fails every in-flight session at startup,
// marking it restored with a recovery hint. Returns the repaired identifiers.
func (s *Store) ReconcileStaleInflightSessions(ctx context.Context, reason string) ([]string, error) {
	var repaired []string
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().Unix()

		rows, err := conn.QueryContext(ctx, `
			SELECT id FROM sessions
			WHERE status IN ('starting', 'running', 'interrupting', 'resuming')`,
		)
		if err != nil {
			return fmt.Errorf("failed to select in-flight sessions: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			_, err := conn.ExecContext(ctx, `
				UPDATE sessions
				SET status = ?, failure_reason = ?, restored = 1, recovery_hint = 1,
					restored_at = ?, updated_at = ?
				WHERE id = ?`,
				string(domain.StatusFailed), reason, now, now, id,
			)
			if err != nil {
				return fmt.Errorf("failed to reconcile session %q: %w", id, err)
			}
		}
		repaired = ids
		return nil
	})
	return repaired, err
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	return buildSession(row.Scan)
}

func scanSessionRows(rows *sql.Rows) (*domain.Session, error) {
	return buildSession(rows.Scan)
}

func buildSession(scan func(dest ...any) error) (*domain.Session, error) {
	var (
		id, name, status, workingDir string
		createdAt, updatedAt         int64
		lastActivityAt               sql.NullInt64
		failureReason                sql.NullString
		worktreePath                 sql.NullString
		resumeCount                  int
		activeRunID                  sql.NullString
		lastResumeAt                 sql.NullInt64
		restored                     bool
		restoredAt                   sql.NullInt64
		recoveryHint                 bool
	)

	err := scan(
		&id, &name, &status, &workingDir, &createdAt, &updatedAt,
		&lastActivityAt, &failureReason, &worktreePath, &resumeCount,
		&activeRunID, &lastResumeAt, &restored, &restoredAt, &recoveryHint,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}

	var lastActivityPtr, lastResumePtr, restoredAtPtr *time.Time
	if lastActivityAt.Valid {
		t := time.Unix(lastActivityAt.Int64, 0)
		lastActivityPtr = &t
	}
	if lastResumeAt.Valid {
		t := time.Unix(lastResumeAt.Int64, 0)
		lastResumePtr = &t
	}
	if restoredAt.Valid {
		t := time.Unix(restoredAt.Int64, 0)
		restoredAtPtr = &t
	}

	var failureReasonPtr, worktreePathPtr, activeRunIDPtr *string
	if failureReason.Valid {
		failureReasonPtr = &failureReason.String
	}
	if worktreePath.Valid {
		worktreePathPtr = &worktreePath.String
	}
	if activeRunID.Valid {
		activeRunIDPtr = &activeRunID.String
	}

	return domain.ReconstituteSession(
		id, name, domain.Status(status), workingDir,
		time.Unix(createdAt, 0), time.Unix(updatedAt, 0),
		lastActivityPtr, lastResumePtr,
		failureReasonPtr, worktreePathPtr,
		resumeCount, activeRunIDPtr,
		restored, restoredAtPtr, recoveryHint,
	), nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
