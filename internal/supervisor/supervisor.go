package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/sessiond/internal/codec"
	"github.com/zjrosen/sessiond/internal/domain"
	"github.com/zjrosen/sessiond/internal/log"
	"github.com/zjrosen/sessiond/internal/projection"
)

// terminalStore is the subset of *store.Store the supervisor needs. Defined
// here (rather than importing store directly) so the terminal-transition
// gate and interrupt protocol can be unit tested against a fake.
type terminalStore interface {
	UpdateSessionStatus(ctx context.Context, id string, status domain.Status) error
	TransitionSessionTerminal(ctx context.Context, id string, status domain.Status) (bool, error)
	TransitionSessionToInterrupting(ctx context.Context, id string) (bool, error)
	SetFailureReason(ctx context.Context, id string, reason *string, now time.Time) error
	TouchActivity(ctx context.Context, id string, now time.Time) error
}

// Supervisor holds the runtime registry and the lifecycle-operation mutex.
// It is the single authoritative owner of SessionRuntimes; other components
// hold only reference-counted views returned by Get.
type Supervisor struct {
	mu       sync.RWMutex
	runtimes map[string]*SessionRuntime

	lifecycleMu sync.Mutex
	lifecycleOp map[string]string // session_id -> operation name
}

// New creates an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{
		runtimes:    make(map[string]*SessionRuntime),
		lifecycleOp: make(map[string]string),
	}
}

// AcquireLifecycleOperation fails immediately if any operation is already
// in progress for session_id, regardless of which operation. On success it
// returns a release func that must always be called, including on error
// paths, to remove the entry.
func (s *Supervisor) AcquireLifecycleOperation(sessionID, operation string) (release func(), err error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if inProgress, ok := s.lifecycleOp[sessionID]; ok {
		return nil, fmt.Errorf("session %s already has an in-progress %s operation", sessionID, inProgress)
	}

	s.lifecycleOp[sessionID] = operation
	return func() {
		s.lifecycleMu.Lock()
		defer s.lifecycleMu.Unlock()
		delete(s.lifecycleOp, sessionID)
	}, nil
}

// Register creates and stores a runtime for sessionID. At most one runtime
// per identifier.
func (s *Supervisor) Register(sessionID, name string, child ChildHandle) *SessionRuntime {
	runtime := newSessionRuntime(sessionID, name, child)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[sessionID] = runtime
	return runtime
}

// Get returns the runtime for sessionID, if any.
func (s *Supervisor) Get(sessionID string) (*SessionRuntime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runtimes[sessionID]
	return r, ok
}

// Remove deletes the runtime for sessionID from the registry.
func (s *Supervisor) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runtimes, sessionID)
}

// Count reports how many runtimes are currently registered.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runtimes)
}

// TerminalTransitionResult is the outcome of a successful finalize call.
type TerminalTransitionResult struct {
	FinalStatus    domain.Status
	FailureMessage *string
}

var terminalAliases = map[string]domain.Status{
	"complete": domain.StatusCompleted,
	"done":     domain.StatusCompleted,
}

func normalizeTerminalStatus(status string) domain.Status {
	if alias, ok := terminalAliases[status]; ok {
		return alias
	}
	return domain.Status(status)
}

// FinalizeTerminalTransition is the only writer of terminal status in the
// system. It atomically swaps the runtime's terminal_transitioned flag
// (returning nil, no error, as a no-op if it was already set), normalizes
// the requested status, writes it conditionally if terminal or
// unconditionally otherwise, touches last_activity_at, and — only for
// failed/killed — normalizes and persists the failure reason.
func (s *Supervisor) FinalizeTerminalTransition(ctx context.Context, st terminalStore, sessionID string, status string, failureMessage *string) (*TerminalTransitionResult, error) {
	// A runtime is only ever removed from the registry after it has been
	// finalized (see InterruptSessionWithDeadline's success path and the
	// exit waiter), so "no runtime registered" means another caller already
	// won the race; treat it the same as losing the CAS below.
	runtime, ok := s.Get(sessionID)
	if !ok {
		return nil, nil
	}
	if !runtime.BeginTerminalTransition() {
		return nil, nil
	}

	finalStatus := normalizeTerminalStatus(status)
	now := time.Now()

	if finalStatus.IsTerminal() {
		if _, err := st.TransitionSessionTerminal(ctx, sessionID, finalStatus); err != nil {
			return nil, fmt.Errorf("failed terminal transition for session %s: %w", sessionID, err)
		}
	} else {
		if err := st.UpdateSessionStatus(ctx, sessionID, finalStatus); err != nil {
			return nil, fmt.Errorf("failed status update for session %s: %w", sessionID, err)
		}
	}

	if err := st.TouchActivity(ctx, sessionID, now); err != nil {
		return nil, fmt.Errorf("failed activity update for session %s: %w", sessionID, err)
	}

	var normalizedFailure *string
	if finalStatus == domain.StatusFailed || finalStatus == domain.StatusKilled {
		normalizedFailure = projection.NormalizeFailureReason(failureMessage)
		if err := st.SetFailureReason(ctx, sessionID, normalizedFailure, now); err != nil {
			return nil, fmt.Errorf("failed failure update for session %s: %w", sessionID, err)
		}
	}

	result := &TerminalTransitionResult{FinalStatus: finalStatus}
	if normalizedFailure != nil {
		result.FailureMessage = normalizedFailure
	} else {
		result.FailureMessage = failureMessage
	}
	return result, nil
}

// FinalizeTerminalTransitionAndEmit wraps FinalizeTerminalTransition and, on
// a real (non-no-op) transition, optionally emits a synthetic Status event
// on c's outbound channel.
func (s *Supervisor) FinalizeTerminalTransitionAndEmit(ctx context.Context, st terminalStore, sessionID string, status string, c *codec.Codec, failureMessage *string, emitStructuredStatus bool) (*TerminalTransitionResult, error) {
	result, err := s.FinalizeTerminalTransition(ctx, st, sessionID, status, failureMessage)
	if err != nil || result == nil {
		return result, err
	}
	if emitStructuredStatus && c != nil {
		c.EmitStatus(string(result.FinalStatus))
	}
	return result, nil
}

// KillSession marks the runtime killed (cancelling its cancellation token)
// and force-terminates its child. Safe to invoke on an unknown identifier,
// which returns (false, nil).
func (s *Supervisor) KillSession(sessionID string) (bool, error) {
	runtime, ok := s.Get(sessionID)
	if !ok {
		return false, nil
	}

	runtime.MarkKilled()
	if err := runtime.forceKill(); err != nil {
		return true, fmt.Errorf("failed to kill session process: %w", err)
	}
	return true, nil
}

// KillAll snapshots the runtime set, marks each killed, force-terminates
// each child, then clears the registry. Used on shutdown.
func (s *Supervisor) KillAll() {
	s.mu.RLock()
	runtimes := make([]*SessionRuntime, 0, len(s.runtimes))
	for _, r := range s.runtimes {
		runtimes = append(runtimes, r)
	}
	s.mu.RUnlock()

	for _, r := range runtimes {
		r.MarkKilled()
		if err := r.forceKill(); err != nil {
			log.ErrorErr(log.CatSupervisor, "kill-all failed to terminate child", err, "session_id", r.ID())
		}
	}

	s.mu.Lock()
	s.runtimes = make(map[string]*SessionRuntime)
	s.mu.Unlock()
}

const (
	interruptOp  = "interrupt"
	pollInterval = 50 * time.Millisecond
)

var errNotInterruptible = errors.New("session is not in an interruptible state")

// InterruptSessionWithDeadline implements the interrupt protocol: acquire
// the lifecycle gate, transition the row to interrupting, send a graceful
// signal (retry once), and finalize `interrupted` if the child exits in
// time; on a second-attempt timeout, restore `running` and fail.
func (s *Supervisor) InterruptSessionWithDeadline(ctx context.Context, st terminalStore, sessionID string, total time.Duration) error {
	release, err := s.AcquireLifecycleOperation(sessionID, interruptOp)
	if err != nil {
		return err
	}
	defer release()

	transitioned, err := st.TransitionSessionToInterrupting(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark session interrupting: %w", err)
	}
	if !transitioned {
		return errNotInterruptible
	}

	runtime, ok := s.Get(sessionID)
	if !ok {
		return fmt.Errorf("no runtime registered for session %s", sessionID)
	}

	started := time.Now()
	deadline := started.Add(total)
	retryDeadline := started.Add(total / 2)

	firstWait := retryDeadline
	if deadline.Before(firstWait) {
		firstWait = deadline
	}

	if err := runtime.requestInterruptOnce(); err != nil {
		return fmt.Errorf("failed to interrupt session process: %w", err)
	}
	if s.waitForRuntimeExit(ctx, runtime, firstWait) {
		_, _ = s.FinalizeTerminalTransition(ctx, st, sessionID, string(domain.StatusInterrupted), nil)
		s.Remove(sessionID)
		return nil
	}

	if err := runtime.requestInterruptOnce(); err != nil {
		return fmt.Errorf("failed to interrupt session process: %w", err)
	}
	if s.waitForRuntimeExit(ctx, runtime, deadline) {
		_, _ = s.FinalizeTerminalTransition(ctx, st, sessionID, string(domain.StatusInterrupted), nil)
		s.Remove(sessionID)
		return nil
	}

	if err := st.UpdateSessionStatus(ctx, sessionID, domain.StatusRunning); err != nil {
		return fmt.Errorf("failed to restore session status after interrupt timeout: %w", err)
	}
	return fmt.Errorf("interrupt did not complete within %d seconds", int(total.Seconds()))
}

// waitForRuntimeExit polls the runtime's child handle every pollInterval
// until it exits or deadline passes. Each poll bounds its child-handle lock
// acquisition to childLockTimeout so a wedged handle cannot stall the loop
// past the overall deadline.
func (s *Supervisor) waitForRuntimeExit(ctx context.Context, runtime *SessionRuntime, deadline time.Time) bool {
	for {
		if time.Now().After(deadline) {
			return false
		}
		if _, ok := s.Get(runtime.ID()); !ok {
			return true
		}
		if runtime.tryWaitExited() {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}
