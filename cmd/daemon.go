package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zjrosen/sessiond/internal/codec"
	"github.com/zjrosen/sessiond/internal/config"
	"github.com/zjrosen/sessiond/internal/log"
	"github.com/zjrosen/sessiond/internal/orchestration/tracing"
	"github.com/zjrosen/sessiond/internal/orchestrator"
	"github.com/zjrosen/sessiond/internal/store"
	"github.com/zjrosen/sessiond/internal/supervisor"

	"github.com/spf13/cobra"
)

// logEmitter satisfies orchestrator.Emitter by writing every session event
// to the structured logger under the orchestrator category. It stands in
// for the richer "front-end event consumer" the module explicitly leaves to
// its host process.
type logEmitter struct{}

func (logEmitter) SessionStarted(sessionID string) {
	log.Info(log.CatOrchestrator, "session started", "session_id", sessionID)
}

func (logEmitter) SessionEvent(event codec.SessionEvent) {
	log.Debug(log.CatOrchestrator, "session event", "session_id", event.SessionID, "type", event.Payload.Kind)
}

func (logEmitter) SessionOutput(sessionID, line string) {
	log.Debug(log.CatOrchestrator, "session output", "session_id", sessionID, "line", line)
}

func (logEmitter) SessionComplete(sessionID string) {
	log.Info(log.CatOrchestrator, "session complete", "session_id", sessionID)
}

func (logEmitter) SessionError(sessionID, message string) {
	log.Error(log.CatOrchestrator, "session error", "session_id", sessionID, "message", message)
}

func (logEmitter) SessionDebug(kind orchestrator.DebugKind, sessionID, detail string) {
	log.Debug(log.CatOrchestrator, "session debug", "kind", string(kind), "session_id", sessionID, "detail", detail)
}

// runDaemon wires the Store, Supervisor, tracing provider, and Session
// Orchestrator together, repairs any sessions left in-flight by a prior
// crash, and blocks until it receives SIGINT/SIGTERM.
func runDaemon(cmd *cobra.Command, args []string) error {
	debug := debugFlag || os.Getenv("SESSIOND_DEBUG") == "1"
	if debug {
		cleanup, err := log.InitWithTeaLog("sessiond-debug.log", "sessiond")
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error(log.CatStore, "failed to close store", "error", closeErr.Error())
		}
	}()

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  "sessiond-orchestrator",
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		if shutdownErr := provider.Shutdown(context.Background()); shutdownErr != nil {
			log.Error(log.CatOrchestrator, "tracing shutdown failed", "error", shutdownErr.Error())
		}
	}()

	sup := supervisor.New()
	orch := orchestrator.New(st, sup, logEmitter{}, cfg.AgentOverride, provider.Tracer(), cfg.InterruptDeadline)

	if err := orch.StartupReconciliation(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	log.Info(log.CatOrchestrator, "sessiond ready", "db_path", cfg.DBPath, "version", version)
	<-ctx.Done()
	log.Info(log.CatOrchestrator, "sessiond shutting down")

	sup.KillAll()
	return nil
}
