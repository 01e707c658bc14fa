// Package domain holds the pure entities of the session supervisor: no I/O,
// no SQL, no process handles — just the Session, Message and HistoryEvent
// shapes and the rules that keep them consistent.
package domain

import "time"

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusInterrupting Status = "interrupting"
	StatusResuming     Status = "resuming"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusKilled       Status = "killed"
	StatusInterrupted  Status = "interrupted"
)

// InFlightStatuses is the set of statuses a running child process can be in.
// A terminal transition is only valid for a row currently in one of these.
var InFlightStatuses = map[Status]bool{
	StatusStarting:     true,
	StatusRunning:      true,
	StatusInterrupting: true,
	StatusResuming:     true,
}

// TerminalStatuses is the set of statuses a session settles into once its
// child process has exited and no further status change (other than an
// explicit resume) is permitted.
var TerminalStatuses = map[Status]bool{
	StatusCompleted:   true,
	StatusFailed:      true,
	StatusKilled:      true,
	StatusInterrupted: true,
}

// IsInFlight reports whether s is one of the in-flight statuses.
func (s Status) IsInFlight() bool { return InFlightStatuses[s] }

// IsTerminal reports whether s is one of the terminal statuses.
func (s Status) IsTerminal() bool { return TerminalStatuses[s] }

// Resumable reports whether a session in status s may be resumed.
func (s Status) Resumable() bool {
	return s == StatusCompleted || s == StatusInterrupted
}

const maxFailureReasonLen = 140

// Session is the central entity of the supervisor. Fields are unexported so
// that every mutation passes through a method that can enforce invariants
// I1, I3 and I4 (each stated on the method that enforces it); callers
// outside this package only ever see the getters.
type Session struct {
	id             string
	name           string
	status         Status
	workingDir     string
	createdAt      time.Time
	updatedAt      time.Time
	lastActivityAt *time.Time
	lastResumeAt   *time.Time
	failureReason  *string
	worktreePath   *string
	resumeCount    int
	activeRunID    *string
	restored       bool
	restoredAt     *time.Time
	recoveryHint   bool
}

// NewSession constructs a brand-new session in status starting.
func NewSession(id, name, workingDir string, now time.Time) *Session {
	return &Session{
		id:         id,
		name:       name,
		status:     StatusStarting,
		workingDir: workingDir,
		createdAt:  now,
		updatedAt:  now,
	}
}

// ReconstituteSession rebuilds a Session from persisted fields. Used by the
// store layer when hydrating rows; performs no validation beyond what the
// store already guarantees.
func ReconstituteSession(
	id, name string,
	status Status,
	workingDir string,
	createdAt, updatedAt time.Time,
	lastActivityAt, lastResumeAt *time.Time,
	failureReason, worktreePath *string,
	resumeCount int,
	activeRunID *string,
	restored bool,
	restoredAt *time.Time,
	recoveryHint bool,
) *Session {
	return &Session{
		id:             id,
		name:           name,
		status:         status,
		workingDir:     workingDir,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
		lastActivityAt: lastActivityAt,
		lastResumeAt:   lastResumeAt,
		failureReason:  failureReason,
		worktreePath:   worktreePath,
		resumeCount:    resumeCount,
		activeRunID:    activeRunID,
		restored:       restored,
		restoredAt:     restoredAt,
		recoveryHint:   recoveryHint,
	}
}

// Getters.

func (s *Session) ID() string                    { return s.id }
func (s *Session) Name() string                  { return s.name }
func (s *Session) Status() Status                { return s.status }
func (s *Session) WorkingDir() string            { return s.workingDir }
func (s *Session) CreatedAt() time.Time          { return s.createdAt }
func (s *Session) UpdatedAt() time.Time          { return s.updatedAt }
func (s *Session) LastActivityAt() *time.Time    { return s.lastActivityAt }
func (s *Session) LastResumeAt() *time.Time      { return s.lastResumeAt }
func (s *Session) FailureReason() *string        { return s.failureReason }
func (s *Session) WorktreePath() *string          { return s.worktreePath }
func (s *Session) ResumeCount() int               { return s.resumeCount }
func (s *Session) ActiveRunID() *string           { return s.activeRunID }
func (s *Session) Restored() bool                 { return s.restored }
func (s *Session) RestoredAt() *time.Time         { return s.restoredAt }
func (s *Session) RecoveryHint() bool             { return s.recoveryHint }

// SetWorktreePath records where the session's git worktree was created.
func (s *Session) SetWorktreePath(path string, now time.Time) {
	s.worktreePath = &path
	s.updatedAt = now
}

// SetName renames the session.
func (s *Session) SetName(name string, now time.Time) {
	s.name = name
	s.updatedAt = now
}

// TouchActivity records that the child process made forward progress.
func (s *Session) TouchActivity(now time.Time) {
	s.lastActivityAt = &now
	s.updatedAt = now
}

// setFailureReason stores reason as given, applying the I3 invariant: a
// reason is only ever stored alongside a failed/killed terminal status.
func (s *Session) setFailureReason(reason *string) {
	if s.status != StatusFailed && s.status != StatusKilled {
		s.failureReason = nil
		return
	}
	s.failureReason = reason
}

// MarkRunning moves the session to running, recording the run that owns it.
func (s *Session) MarkRunning(runID string, now time.Time) {
	s.status = StatusRunning
	s.activeRunID = &runID
	s.failureReason = nil
	s.lastActivityAt = &now
	s.updatedAt = now
}

// MarkInterrupting moves the session to interrupting. Callers are expected to
// have already checked IsInFlight via the store's conditional update; this
// in-memory mutation mirrors that for callers holding a *Session directly.
func (s *Session) MarkInterrupting(now time.Time) {
	s.status = StatusInterrupting
	s.updatedAt = now
}

// MarkTerminal applies a terminal status, enforcing I1 (no further transition
// once terminal) and I3 (failure_reason only on failed/killed).
func (s *Session) MarkTerminal(status Status, reason *string, now time.Time) bool {
	if s.status.IsTerminal() {
		return false
	}
	if !status.IsTerminal() {
		return false
	}
	s.status = status
	s.setFailureReason(reason)
	s.updatedAt = now
	return true
}

// BeginResume applies the begin_resume_attempt contract: only valid from a
// resumable terminal status, strictly increments resume_count (I4).
func (s *Session) BeginResume(runID string, now time.Time) bool {
	if !s.status.Resumable() {
		return false
	}
	s.status = StatusResuming
	s.resumeCount++
	s.activeRunID = &runID
	s.lastResumeAt = &now
	s.failureReason = nil
	s.updatedAt = now
	return true
}

// MarkRestored applies the reconcile_stale_inflight_sessions contract to an
// in-memory session: forces a failed status with a restored/recovery-hint
// marker, used only by startup reconciliation.
func (s *Session) MarkRestored(reason string, now time.Time) {
	s.status = StatusFailed
	s.failureReason = &reason
	s.restored = true
	s.restoredAt = &now
	s.recoveryHint = true
	s.updatedAt = now
}

// MaxFailureReasonLen is the bound enforced by projection.NormalizeFailureReason.
func MaxFailureReasonLen() int { return maxFailureReasonLen }

// Message is an assistant/tool text message attached to a session.
// Insertion-only; never mutated once stored.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Timestamp time.Time
}

// HistoryEvent is a durable record of one typed event emitted during a run.
// (SessionID, RunID, Seq) is unique; Seq strictly increases from 1 within a
// run_id (H1); duplicate inserts are idempotent no-ops (H2); rows are never
// mutated after insert (H3).
type HistoryEvent struct {
	ID        int64
	SessionID string
	RunID     string
	Seq       int64
	EventType string
	Payload   []byte
	Timestamp time.Time
}
