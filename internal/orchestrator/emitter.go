package orchestrator

import "github.com/zjrosen/sessiond/internal/codec"

// DebugKind classifies a session-debug diagnostic event.
type DebugKind string

const (
	DebugSpawn            DebugKind = "spawn"
	DebugStderr           DebugKind = "stderr"
	DebugWorktreeFallback DebugKind = "worktree-fallback"
)

// Emitter is the outbound event surface the orchestrator drives: the host
// shell (CLI, daemon socket, etc.) implements this to receive the external
// interfaces described for the event stream.
type Emitter interface {
	SessionStarted(sessionID string)
	SessionEvent(event codec.SessionEvent)
	SessionOutput(sessionID, line string)
	SessionComplete(sessionID string)
	SessionError(sessionID, message string)
	SessionDebug(kind DebugKind, sessionID, detail string)
}

// NoopEmitter discards every event. Useful as a default or in tests that
// don't assert on the event stream.
type NoopEmitter struct{}

func (NoopEmitter) SessionStarted(string)                  {}
func (NoopEmitter) SessionEvent(codec.SessionEvent)         {}
func (NoopEmitter) SessionOutput(string, string)            {}
func (NoopEmitter) SessionComplete(string)                  {}
func (NoopEmitter) SessionError(string, string)             {}
func (NoopEmitter) SessionDebug(DebugKind, string, string)  {}
