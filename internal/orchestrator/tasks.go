package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/zjrosen/sessiond/internal/codec"
	"github.com/zjrosen/sessiond/internal/domain"
	"github.com/zjrosen/sessiond/internal/launcher"
	"github.com/zjrosen/sessiond/internal/log"
	"github.com/zjrosen/sessiond/internal/projection"
	"github.com/zjrosen/sessiond/internal/supervisor"
)

// runEventForwarder starts the event-forwarder task: consume events from
// c's bounded channel, forward each typed event to the emitter; Message
// payloads are also persisted as a SessionMessage and emitted as a line;
// terminal Status payloads finalize the session without a second
// structured-status emission (the Status event itself has just been
// forwarded); Error payloads persist a normalized failure reason and
// forward the raw message.
func (o *Orchestrator) runEventForwarder(ctx context.Context, runtime *supervisor.SessionRuntime, sessionID, runID string, c *codec.Codec) {
	go func() {
		for event := range c.Events() {
			o.emitter.SessionEvent(event)

			if err := o.store.InsertSessionEvent(ctx, sessionID, runID, event.Seq, string(event.Payload.Kind), marshalPayload(event.Payload), event.Timestamp); err != nil {
				log.ErrorErr(log.CatOrchestrator, "failed to persist session event", err, "session_id", sessionID)
			}

			switch event.Payload.Kind {
			case codec.KindMessage:
				if err := o.store.InsertMessage(ctx, sessionID, "assistant", event.Payload.Content, event.Timestamp); err != nil {
					log.ErrorErr(log.CatOrchestrator, "failed to persist session message", err, "session_id", sessionID)
				}
				o.emitter.SessionOutput(sessionID, event.Payload.Content)

			case codec.KindStatus:
				status := domain.Status(event.Payload.Status)
				if status.IsTerminal() {
					_, err := o.supervisor.FinalizeTerminalTransition(ctx, o.store, sessionID, event.Payload.Status, nil)
					if err != nil {
						log.ErrorErr(log.CatOrchestrator, "failed to finalize terminal transition from event stream", err, "session_id", sessionID)
					}
				}

			case codec.KindError:
				reason := event.Payload.Message
				if normalized := projection.NormalizeFailureReason(&reason); normalized != nil {
					if err := o.store.SetFailureReason(ctx, sessionID, normalized, event.Timestamp); err != nil {
						log.ErrorErr(log.CatOrchestrator, "failed to persist failure reason", err, "session_id", sessionID)
					}
				}
				o.emitter.SessionDebug(DebugStderr, sessionID, reason)
				o.emitter.SessionError(sessionID, reason)
			}
		}
	}()
}

func marshalPayload(p codec.Payload) []byte {
	data, err := json.Marshal(p)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}

// runExitWaiter starts the exit-waiter task: await the child's exit,
// classify the outcome (killed if the runtime was marked killed, else
// interrupted if a graceful interrupt was requested, else completed/failed
// by exit status), and finalize with a structured status emission.
func (o *Orchestrator) runExitWaiter(ctx context.Context, runtime *supervisor.SessionRuntime, sessionID string, proc *launcher.Process, c *codec.Codec) {
	go func() {
		exitErr := proc.Wait()

		var status domain.Status
		switch {
		case runtime.WasKilled():
			status = domain.StatusKilled
		case runtime.WasInterruptRequested():
			status = domain.StatusInterrupted
		case exitErr == nil:
			status = domain.StatusCompleted
		default:
			status = domain.StatusFailed
		}

		var failureMessage *string
		if status == domain.StatusFailed && exitErr != nil {
			msg := exitErr.Error()
			failureMessage = &msg
		}

		result, err := o.supervisor.FinalizeTerminalTransitionAndEmit(ctx, o.store, sessionID, string(status), c, failureMessage, true)
		if err != nil {
			log.ErrorErr(log.CatOrchestrator, "failed to finalize terminal transition from exit waiter", err, "session_id", sessionID)
		}
		if result != nil {
			switch result.FinalStatus {
			case domain.StatusCompleted:
				o.emitter.SessionComplete(sessionID)
			case domain.StatusFailed, domain.StatusKilled:
				if result.FailureMessage != nil {
					o.emitter.SessionError(sessionID, *result.FailureMessage)
				}
			}
		}

		// Both reader tasks have already drained (proc.Wait joined them), and
		// this goroutine is the only possible remaining sender, so closing
		// here cannot race with a send. This lets the event-forwarder's
		// range loop see the final synthetic status and then terminate.
		c.Close()

		o.supervisor.Remove(sessionID)
	}()
}
