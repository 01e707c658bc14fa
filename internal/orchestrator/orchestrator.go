// Package orchestrator implements the Session Orchestrator: the top-level
// spawn/kill/delete/interrupt/resume flows tying the Store, Worktree
// Manager, CLI Launcher, Event Codec, and Supervisor together, plus the
// startup reconciliation that repairs in-flight sessions left behind by a
// crash.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/sessiond/internal/codec"
	"github.com/zjrosen/sessiond/internal/domain"
	"github.com/zjrosen/sessiond/internal/launcher"
	"github.com/zjrosen/sessiond/internal/log"
	"github.com/zjrosen/sessiond/internal/orchestration/tracing"
	"github.com/zjrosen/sessiond/internal/projection"
	"github.com/zjrosen/sessiond/internal/store"
	"github.com/zjrosen/sessiond/internal/supervisor"
	"github.com/zjrosen/sessiond/internal/worktree"
)

const defaultInterruptDeadline = 10 * time.Second
const worktreeManagerCacheTTL = 10 * time.Minute

// Orchestrator ties every other component to the Store and to an outbound
// Emitter.
type Orchestrator struct {
	store         *store.Store
	supervisor    *supervisor.Supervisor
	emitter       Emitter
	agentOverride string
	tracer        trace.Tracer

	// worktreeManagers caches workingDir -> *worktree.Manager so repeated
	// spawns/reconciliations against the same repository don't re-invoke
	// `git rev-parse --show-toplevel` on every call.
	worktreeManagers *gocache.Cache

	versionGate       *launcher.VersionGate
	interruptDeadline time.Duration
}

// New constructs an Orchestrator. agentOverride, if non-empty, is passed to
// the CLI Launcher's FindExecutable on every spawn. tracer is used to open a
// span around every spawn/interrupt/resume/kill/delete; a nil tracer falls
// back to a no-op tracer so callers that don't care about tracing can pass
// nil. interruptDeadline, if zero, falls back to defaultInterruptDeadline.
func New(st *store.Store, sup *supervisor.Supervisor, emitter Emitter, agentOverride string, tracer trace.Tracer, interruptDeadline time.Duration) *Orchestrator {
	if emitter == nil {
		emitter = NoopEmitter{}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("sessiond/orchestrator")
	}
	if interruptDeadline <= 0 {
		interruptDeadline = defaultInterruptDeadline
	}
	return &Orchestrator{
		store:             st,
		supervisor:        sup,
		emitter:           emitter,
		agentOverride:     agentOverride,
		tracer:            tracer,
		worktreeManagers:  gocache.New(worktreeManagerCacheTTL, worktreeManagerCacheTTL/2),
		versionGate:       launcher.NewVersionGate(),
		interruptDeadline: interruptDeadline,
	}
}

// resolveWorktreeManager returns a cached Manager for workingDir's
// repository, resolving and caching it via worktree.FromWorkingDir on a
// cache miss.
func (o *Orchestrator) resolveWorktreeManager(ctx context.Context, workingDir string) (*worktree.Manager, error) {
	if cached, ok := o.worktreeManagers.Get(workingDir); ok {
		return cached.(*worktree.Manager), nil
	}
	mgr, err := worktree.FromWorkingDir(ctx, workingDir)
	if err != nil {
		return nil, err
	}
	o.worktreeManagers.SetDefault(workingDir, mgr)
	return mgr, nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home := os.Getenv("HOME")
		if home == "" {
			return "", fmt.Errorf("cannot expand %q: HOME is not set", path)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// resolveWorkingDir validates workingDir: expands a leading ~, then
// requires it name an existing directory.
func resolveWorkingDir(workingDir string) (string, error) {
	expanded, err := expandHome(workingDir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("working directory %q is not accessible: %w", expanded, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %q is not a directory", expanded)
	}
	return expanded, nil
}

// StartSession runs the spawn flow described for the Session Orchestrator:
// resolve the working directory, attempt a worktree (falling back to the
// plain directory on failure), persist the session and emit SessionStarted,
// locate and version-check the agent binary (marking the persisted session
// failed if that fails), spawn the child, and fork the event-forwarder and
// exit-waiter tasks. Returns the new session's identifier.
func (o *Orchestrator) StartSession(ctx context.Context, name, workingDir, prompt string) (id string, err error) {
	sessionID := uuid.NewString()
	ctx, span := tracing.StartSessionSpan(ctx, o.tracer, tracing.SpanPrefixOrchestrator, tracing.SpanKindSpawn, sessionID)
	defer func() {
		tracing.RecordOutcome(span, err)
		span.End()
	}()

	resolvedDir, err := resolveWorkingDir(workingDir)
	if err != nil {
		return "", err
	}

	execDir := resolvedDir
	var worktreePath *string

	mgr, wtErr := o.resolveWorktreeManager(ctx, resolvedDir)
	if wtErr != nil {
		o.emitter.SessionDebug(DebugWorktreeFallback, sessionID, fmt.Sprintf("not a git repository, using plain working directory: %v", wtErr))
	} else if path, createErr := mgr.CreateWorktree(ctx, sessionID); createErr != nil {
		o.emitter.SessionDebug(DebugWorktreeFallback, sessionID, fmt.Sprintf("worktree create failed, using plain working directory: %v", createErr))
	} else {
		execDir = path
		worktreePath = &path
	}

	return o.finishStartSession(ctx, sessionID, name, resolvedDir, execDir, worktreePath, prompt)
}

func (o *Orchestrator) finishStartSession(ctx context.Context, sessionID, name, workingDir, execDir string, worktreePath *string, prompt string) (string, error) {
	now := time.Now()
	sess := domain.NewSession(sessionID, name, workingDir, now)
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("failed to persist session: %w", err)
	}
	if worktreePath != nil {
		if err := o.store.SetWorktreePath(ctx, sessionID, *worktreePath, now); err != nil {
			return "", fmt.Errorf("failed to persist worktree path: %w", err)
		}
	}

	o.emitter.SessionStarted(sessionID)

	execPath, err := launcher.FindExecutable(o.agentOverride)
	if err != nil {
		return o.failSpawn(ctx, sessionID, worktreePath, err)
	}
	if _, err := o.versionGate.Check(ctx, execPath); err != nil {
		return o.failSpawn(ctx, sessionID, worktreePath, err)
	}

	runID := uuid.NewString()
	c := codec.New(sessionID)
	proc, err := launcher.Spawn(ctx, launcher.Config{
		ExecPath:  execPath,
		WorkDir:   execDir,
		Prompt:    prompt,
		SessionID: sessionID,
	}, c)
	if err != nil {
		o.emitter.SessionDebug(DebugSpawn, sessionID, err.Error())
		return o.failSpawn(ctx, sessionID, worktreePath, err)
	}

	if err := o.store.BeginRunAttempt(ctx, sessionID, runID); err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to persist run attempt", err, "session_id", sessionID)
	}
	if err := o.store.TouchActivity(ctx, sessionID, time.Now()); err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to touch activity", err, "session_id", sessionID)
	}

	runtime := o.supervisor.Register(sessionID, name, proc)

	o.runEventForwarder(ctx, runtime, sessionID, runID, c)
	o.runExitWaiter(ctx, runtime, sessionID, proc, c)

	return sessionID, nil
}

func (o *Orchestrator) failSpawn(ctx context.Context, sessionID string, worktreePath *string, spawnErr error) (string, error) {
	reason := projection.NormalizeFailureReason(strPtr(spawnErr.Error()))
	if _, err := o.store.TransitionSessionTerminal(ctx, sessionID, domain.StatusFailed); err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to mark session failed after spawn error", err, "session_id", sessionID)
	}
	if reason != nil {
		if err := o.store.SetFailureReason(ctx, sessionID, reason, time.Now()); err != nil {
			log.ErrorErr(log.CatOrchestrator, "failed to persist failure reason", err, "session_id", sessionID)
		}
	}
	if worktreePath != nil {
		o.cleanupWorktree(ctx, sessionID, *worktreePath)
	}
	o.emitter.SessionError(sessionID, spawnErr.Error())
	return "", spawnErr
}

func strPtr(s string) *string { return &s }

// cleanupWorktree best-effort removes a session's worktree directory. Used
// on spawn failure and on delete.
func (o *Orchestrator) cleanupWorktree(ctx context.Context, sessionID, path string) {
	repoRoot := strings.TrimSuffix(strings.SplitN(path, worktreesMarker, 2)[0], string(filepath.Separator))
	if repoRoot == "" {
		return
	}
	mgr := worktree.New(repoRoot)
	if err := mgr.RemoveWorktreeAtPath(ctx, path, true); err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to clean up worktree", err, "session_id", sessionID, "path", path)
	}
}

const worktreesMarker = string(filepath.Separator) + ".sessiond" + string(filepath.Separator) + "worktrees" + string(filepath.Separator)

// KillSession force-terminates a running session via the Supervisor.
func (o *Orchestrator) KillSession(ctx context.Context, sessionID string) (ok bool, err error) {
	_, span := tracing.StartSessionSpan(ctx, o.tracer, tracing.SpanPrefixOrchestrator, tracing.SpanKindKill, sessionID)
	defer func() {
		tracing.RecordOutcome(span, err)
		span.End()
	}()
	return o.supervisor.KillSession(sessionID)
}

// InterruptSession runs the graceful interrupt protocol bounded by the
// orchestrator's configured interrupt deadline.
func (o *Orchestrator) InterruptSession(ctx context.Context, sessionID string) (err error) {
	ctx, span := tracing.StartSessionSpan(ctx, o.tracer, tracing.SpanPrefixOrchestrator, tracing.SpanKindInterrupt, sessionID)
	defer func() {
		tracing.RecordOutcome(span, err)
		span.End()
	}()
	return o.supervisor.InterruptSessionWithDeadline(ctx, o.store, sessionID, o.interruptDeadline)
}

// DeleteSession kills any running instance, removes its worktree, and
// cascades the delete through the Store.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) (err error) {
	_, span := tracing.StartSessionSpan(ctx, o.tracer, tracing.SpanPrefixOrchestrator, tracing.SpanKindDelete, sessionID)
	defer func() {
		tracing.RecordOutcome(span, err)
		span.End()
	}()

	_, _ = o.supervisor.KillSession(sessionID)

	sess, getErr := o.store.GetSession(ctx, sessionID)
	if getErr == nil && sess != nil && sess.WorktreePath() != nil {
		o.cleanupWorktree(ctx, sessionID, *sess.WorktreePath())
	}

	if err = o.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ResumeSession restarts a completed or interrupted session in a fresh run,
// reusing its stored worktree path when present.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID, prompt string) (err error) {
	ctx, span := tracing.StartSessionSpan(ctx, o.tracer, tracing.SpanPrefixOrchestrator, tracing.SpanKindResume, sessionID)
	defer func() {
		tracing.RecordOutcome(span, err)
		span.End()
	}()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	runID := uuid.NewString()
	ok, err := o.store.BeginResumeAttempt(ctx, sessionID, runID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to begin resume attempt: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s is not resumable", sessionID)
	}

	execDir := sess.WorkingDir()
	if sess.WorktreePath() != nil {
		execDir = *sess.WorktreePath()
	}

	execPath, err := launcher.FindExecutable(o.agentOverride)
	if err != nil {
		return err
	}
	if _, err := o.versionGate.Check(ctx, execPath); err != nil {
		return err
	}

	c := codec.New(sessionID)
	proc, err := launcher.Spawn(ctx, launcher.Config{
		ExecPath:  execPath,
		WorkDir:   execDir,
		Prompt:    prompt,
		SessionID: sessionID,
	}, c)
	if err != nil {
		return fmt.Errorf("failed to resume session %s: %w", sessionID, err)
	}

	if err := o.store.BeginRunAttempt(ctx, sessionID, runID); err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to persist resumed run attempt", err, "session_id", sessionID)
	}

	runtime := o.supervisor.Register(sessionID, sess.Name(), proc)
	o.runEventForwarder(ctx, runtime, sessionID, runID, c)
	o.runExitWaiter(ctx, runtime, sessionID, proc, c)
	return nil
}

// StartupReconciliation repairs in-flight sessions left behind by a crash
// and reconciles every repository's managed worktrees against the sessions
// that claim them.
func (o *Orchestrator) StartupReconciliation(ctx context.Context) error {
	repaired, err := o.store.ReconcileStaleInflightSessions(ctx, "marked failed on restart")
	if err != nil {
		return fmt.Errorf("failed to reconcile stale sessions: %w", err)
	}
	for _, id := range repaired {
		log.Info(log.CatOrchestrator, "reconciled stale in-flight session", "session_id", id)
	}

	sessions, err := o.store.ListDashboardSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions for worktree reconciliation: %w", err)
	}

	byWorkingDir := make(map[string][]string)
	for _, sess := range sessions {
		if sess.WorktreePath() != nil {
			byWorkingDir[sess.WorkingDir()] = append(byWorkingDir[sess.WorkingDir()], *sess.WorktreePath())
		}
	}

	grouped := worktree.GroupByRepoRoot(ctx, byWorkingDir)
	for repoRoot, expected := range grouped {
		mgr := worktree.New(repoRoot)
		notices, err := mgr.ReconcileManagedWorktrees(ctx, expected)
		if err != nil {
			log.ErrorErr(log.CatOrchestrator, "failed to reconcile managed worktrees", err, "repo_root", repoRoot)
		}
		for _, notice := range notices {
			o.emitter.SessionDebug(DebugWorktreeFallback, "", fmt.Sprintf("%s: %s", notice.Path, notice.Summary))
		}
	}
	return nil
}
