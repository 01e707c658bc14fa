package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/sessiond/internal/codec"
	"github.com/zjrosen/sessiond/internal/domain"
	"github.com/zjrosen/sessiond/internal/store"
	"github.com/zjrosen/sessiond/internal/supervisor"
)

// recordingEmitter is a mutex-guarded Emitter fake for asserting on the
// events the orchestrator drives, without a real outbound transport.
type recordingEmitter struct {
	mu        sync.Mutex
	started   []string
	completed []string
	errors    map[string][]string
	debugs    map[string][]debugRecord
}

type debugRecord struct {
	kind   DebugKind
	detail string
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{errors: make(map[string][]string), debugs: make(map[string][]debugRecord)}
}

func (e *recordingEmitter) SessionStarted(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, sessionID)
}

func (e *recordingEmitter) SessionEvent(codec.SessionEvent) {}
func (e *recordingEmitter) SessionOutput(string, string)    {}

func (e *recordingEmitter) SessionComplete(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, sessionID)
}

func (e *recordingEmitter) SessionError(sessionID, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors[sessionID] = append(e.errors[sessionID], message)
}

func (e *recordingEmitter) SessionDebug(kind DebugKind, sessionID, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.debugs[sessionID] = append(e.debugs[sessionID], debugRecord{kind: kind, detail: detail})
}

func (e *recordingEmitter) errorsFor(sessionID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errors[sessionID]
}

func (e *recordingEmitter) debugsFor(sessionID string) []debugRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.debugs[sessionID]
}

// newTestOrchestrator wires a fresh in-memory store and supervisor together,
// returning the orchestrator, its emitter, and the store for assertions.
func newTestOrchestrator(t *testing.T, agentScript string) (*Orchestrator, *recordingEmitter, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	emitter := newRecordingEmitter()
	orch := New(st, supervisor.New(), emitter, agentScript, nil, 2*time.Second)
	return orch, emitter, st
}

// fakeAgentScript writes an executable shell script that answers --version
// and otherwise emits body as stream-json lines before exiting.
func fakeAgentScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-claude.sh")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ]; then echo \"claude-cli 1.0.0\"; exit 0; fi\n" +
		body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func completingAgentScript(t *testing.T) string {
	return fakeAgentScript(t, `echo '{"type":"message","content":"hello"}'
echo '{"type":"result","is_error":false}'
exit 0`)
}

// sleepingAgentScript blocks in the wait builtin so a trapped SIGINT ends it
// at once; with a foreground sleep the trap would only run after the sleep.
func sleepingAgentScript(t *testing.T) string {
	return fakeAgentScript(t, `trap 'exit 0' INT
sleep 5 &
wait`)
}

func stderrAgentScript(t *testing.T) string {
	return fakeAgentScript(t, `echo 'boom, something went wrong' >&2
exit 0`)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v failed: %s", args, out)
}

func requireStatus(t *testing.T, st *store.Store, sessionID string, want domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := st.GetSession(context.Background(), sessionID)
		if err != nil {
			return false
		}
		return sess.Status() == want
	}, 2*time.Second, 10*time.Millisecond, "session %s never reached status %s", sessionID, want)
}

func TestStartSession_PlainDirectory_ReachesCompleted(t *testing.T) {
	orch, emitter, st := newTestOrchestrator(t, completingAgentScript(t))
	dir := t.TempDir()

	id, err := orch.StartSession(context.Background(), "plain", dir, "do a thing")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	requireStatus(t, st, id, domain.StatusCompleted)

	sess, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, sess.WorktreePath())

	assert.Contains(t, emitter.started, id)
}

func TestStartSession_GitRepo_CreatesWorktree(t *testing.T) {
	orch, _, st := newTestOrchestrator(t, completingAgentScript(t))
	dir := initRepo(t)

	id, err := orch.StartSession(context.Background(), "with-worktree", dir, "do a thing")
	require.NoError(t, err)

	requireStatus(t, st, id, domain.StatusCompleted)

	sess, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sess.WorktreePath())
	assert.DirExists(t, *sess.WorktreePath())
	assert.Contains(t, *sess.WorktreePath(), filepath.Join(".sessiond", "worktrees"))
}

// TestStartSession_StderrProducesErrorAndDebugEvents is a regression test:
// every stderr line must surface as both a SessionError and a
// session-debug "stderr" diagnostic, not just the former.
func TestStartSession_StderrProducesErrorAndDebugEvents(t *testing.T) {
	orch, emitter, st := newTestOrchestrator(t, stderrAgentScript(t))
	dir := t.TempDir()

	id, err := orch.StartSession(context.Background(), "stderr-emitting", dir, "do a thing")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(emitter.errorsFor(id)) > 0
	}, 2*time.Second, 10*time.Millisecond, "expected a SessionError for the stderr line")

	assert.Contains(t, emitter.errorsFor(id)[0], "boom, something went wrong")

	require.Eventually(t, func() bool {
		for _, d := range emitter.debugsFor(id) {
			if d.kind == DebugStderr {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "expected a session-debug stderr diagnostic")

	var stderrDebug debugRecord
	for _, d := range emitter.debugsFor(id) {
		if d.kind == DebugStderr {
			stderrDebug = d
		}
	}
	assert.Contains(t, stderrDebug.detail, "boom, something went wrong")
}

func TestStartSession_AgentNotFound_FailsSpawn(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nonexistent-claude")
	orch, emitter, st := newTestOrchestrator(t, missing)
	dir := t.TempDir()

	id, err := orch.StartSession(context.Background(), "will-fail", dir, "do a thing")
	assert.Error(t, err)
	assert.Empty(t, id)

	sessions, err := st.ListDashboardSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	sess := sessions[0]
	assert.Equal(t, domain.StatusFailed, sess.Status())
	require.NotNil(t, sess.FailureReason())
	assert.NotEmpty(t, emitter.errorsFor(sess.ID()))
}

func TestInterruptSession_GracefulExit(t *testing.T) {
	orch, _, st := newTestOrchestrator(t, sleepingAgentScript(t))
	dir := t.TempDir()

	id, err := orch.StartSession(context.Background(), "interruptible", dir, "do a thing")
	require.NoError(t, err)

	requireStatus(t, st, id, domain.StatusRunning)

	require.NoError(t, orch.InterruptSession(context.Background(), id))

	requireStatus(t, st, id, domain.StatusInterrupted)
}

func TestDeleteSession_RemovesWorktreeAndCascades(t *testing.T) {
	orch, _, st := newTestOrchestrator(t, completingAgentScript(t))
	dir := initRepo(t)

	id, err := orch.StartSession(context.Background(), "to-delete", dir, "do a thing")
	require.NoError(t, err)
	requireStatus(t, st, id, domain.StatusCompleted)

	sess, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sess.WorktreePath())
	worktreePath := *sess.WorktreePath()

	require.NoError(t, orch.DeleteSession(context.Background(), id))

	assert.NoDirExists(t, worktreePath)
	_, err = st.GetSession(context.Background(), id)
	assert.Error(t, err)
}

func TestResumeSession_FromCompletedState(t *testing.T) {
	orch, _, st := newTestOrchestrator(t, completingAgentScript(t))
	dir := t.TempDir()

	id, err := orch.StartSession(context.Background(), "resumable", dir, "do a thing")
	require.NoError(t, err)
	requireStatus(t, st, id, domain.StatusCompleted)

	require.NoError(t, orch.ResumeSession(context.Background(), id, "continue"))

	requireStatus(t, st, id, domain.StatusCompleted)

	sess, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.ResumeCount())
}

// TestStartupReconciliation_KeepsEveryWorktreeWhenSessionsShareAWorkingDir is
// a regression test: two sessions spawned against the same repository must
// both survive StartupReconciliation's worktree sweep. A prior bug collapsed
// the workingDir -> worktreePath mapping to one entry per working directory,
// so ReconcileManagedWorktrees force-removed every worktree but the last.
func TestStartupReconciliation_KeepsEveryWorktreeWhenSessionsShareAWorkingDir(t *testing.T) {
	orch, _, st := newTestOrchestrator(t, completingAgentScript(t))
	dir := initRepo(t)

	id1, err := orch.StartSession(context.Background(), "first", dir, "do a thing")
	require.NoError(t, err)
	requireStatus(t, st, id1, domain.StatusCompleted)

	id2, err := orch.StartSession(context.Background(), "second", dir, "do a thing")
	require.NoError(t, err)
	requireStatus(t, st, id2, domain.StatusCompleted)

	sess1, err := st.GetSession(context.Background(), id1)
	require.NoError(t, err)
	require.NotNil(t, sess1.WorktreePath())
	sess2, err := st.GetSession(context.Background(), id2)
	require.NoError(t, err)
	require.NotNil(t, sess2.WorktreePath())

	require.NoError(t, orch.StartupReconciliation(context.Background()))

	assert.DirExists(t, *sess1.WorktreePath(), "first session's worktree must survive reconciliation")
	assert.DirExists(t, *sess2.WorktreePath(), "second session's worktree must survive reconciliation")
}
