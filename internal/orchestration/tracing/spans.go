package tracing

// Span attribute keys for session supervisor tracing.
const (
	AttrSessionID    = "session.id"
	AttrRunID        = "run.id"
	AttrSessionName  = "session.name"
	AttrStatus       = "session.status"
	AttrOperation    = "session.operation"
	AttrWorkingDir   = "session.working_dir"
	AttrWorktreePath = "session.worktree_path"

	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// SpanKind constants for categorizing span types.
const (
	SpanKindSpawn     = "spawn"
	SpanKindInterrupt = "interrupt"
	SpanKindResume    = "resume"
	SpanKindKill      = "kill"
	SpanKindDelete    = "delete"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixOrchestrator = "orchestrator."
	SpanPrefixSupervisor   = "supervisor."
)

// Event names for span events.
const (
	EventWorktreeCreated   = "worktree.created"
	EventWorktreeFallback  = "worktree.fallback"
	EventChildSpawned      = "child.spawned"
	EventInterruptAttempt  = "interrupt.attempt"
	EventTerminalTransition = "terminal.transition"
)
