// Package codec turns one line of an agent child process's stdout/stderr
// into a typed SessionEvent, owns the per-session monotonic sequence
// counter, and publishes onto a bounded channel with the overflow-notice
// semantics described for the event codec component.
package codec

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"
)

// Kind identifies which variant a SessionEvent payload carries.
type Kind string

const (
	KindMessage    Kind = "message"
	KindThinking   Kind = "thinking"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindStatus     Kind = "status"
	KindError      Kind = "error"
)

// Payload is the tagged union produced by the codec. Exactly one of the
// typed fields is meaningful, selected by Kind.
type Payload struct {
	Kind Kind `json:"type"`

	Content string `json:"content,omitempty"` // Message, Thinking

	ToolName string          `json:"tool_name,omitempty"` // ToolCall, ToolResult (optional on result)
	Args     json.RawMessage `json:"args,omitempty"`      // ToolCall
	CallID   string          `json:"call_id,omitempty"`   // ToolCall, ToolResult (optional)
	Result   json.RawMessage `json:"result,omitempty"`    // ToolResult

	Status string `json:"status,omitempty"` // Status

	Message string `json:"message,omitempty"` // Error
}

// SessionEvent is one point on a session's outbound event stream.
type SessionEvent struct {
	SessionID string
	Seq       int64
	Timestamp time.Time
	Payload   Payload
}

const overflowMessage = "event channel overflow: dropped session output"

// Codec owns the monotonic sequence counter and bounded output channel for
// one session. The first event on a fresh Codec's channel, once Start is
// called, is the synthetic Status{running} event spawn requires.
type Codec struct {
	sessionID        string
	seq              atomic.Int64
	out              chan SessionEvent
	overflowReported atomic.Bool
}

// DefaultCapacity is the bounded channel size used unless the caller
// specifies otherwise.
const DefaultCapacity = 256

// New creates a Codec for sessionID with the default channel capacity.
func New(sessionID string) *Codec {
	return NewWithCapacity(sessionID, DefaultCapacity)
}

// NewWithCapacity creates a Codec for sessionID with a caller-chosen bounded
// channel capacity.
func NewWithCapacity(sessionID string, capacity int) *Codec {
	return &Codec{
		sessionID: sessionID,
		out:       make(chan SessionEvent, capacity),
	}
}

// Events returns the bounded, receive-only channel of produced events.
func (c *Codec) Events() <-chan SessionEvent { return c.out }

// Close closes the output channel. Safe to call once all producers have
// stopped sending.
func (c *Codec) Close() { close(c.out) }

// nextSeq returns the next monotonically increasing sequence number for this
// session's event stream.
func (c *Codec) nextSeq() int64 { return c.seq.Add(1) }

// EmitRunning publishes the synthetic Status{"running"} event that must be
// the first event produced at spawn.
func (c *Codec) EmitRunning() {
	c.publish(Payload{Kind: KindStatus, Status: "running"})
}

// EmitStatus publishes a synthetic Status event, used by terminal
// finalization to report a session's final status on the outbound channel.
func (c *Codec) EmitStatus(status string) {
	c.publish(Payload{Kind: KindStatus, Status: status})
}

// DecodeStdout parses one stdout line and publishes the resulting event.
func (c *Codec) DecodeStdout(line string) {
	c.publish(decode(line))
}

// DecodeStderr always produces an Error event, per the spec's "standard
// error lines always produce Error events" rule.
func (c *Codec) DecodeStderr(line string) {
	c.publish(Payload{Kind: KindError, Message: line})
}

// publish try-sends payload as a fully-formed SessionEvent, implementing the
// bounded-channel overflow-notice semantics: a successful send clears the
// overflow-reported flag; a full channel emits at most one contiguous
// overflow notice until a send succeeds again; a closed receiver (a send on
// a channel nobody will ever drain) is handled by the caller closing Events
// only after producers stop, so it cannot race here.
func (c *Codec) publish(p Payload) {
	event := SessionEvent{
		SessionID: c.sessionID,
		Seq:       c.nextSeq(),
		Timestamp: time.Now(),
		Payload:   p,
	}

	select {
	case c.out <- event:
		c.overflowReported.Store(false)
	default:
		if c.overflowReported.CompareAndSwap(false, true) {
			notice := SessionEvent{
				SessionID: c.sessionID,
				Seq:       c.nextSeq(),
				Timestamp: time.Now(),
				Payload:   Payload{Kind: KindError, Message: overflowMessage},
			}
			select {
			case c.out <- notice:
			default:
			}
		}
	}
}

// rawEvent is the tagged-union shape emitted by the agent CLI on its
// stdout stream, accepting both the documented type strings and the
// provider-idiomatic variants (assistant/user/system/result).
type rawEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`

	// Fields also readable from the top-level document when Data is absent.
	Content     string          `json:"content"`
	Text        string          `json:"text"`
	ToolName    string          `json:"tool_name"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args"`
	Arguments   json.RawMessage `json:"arguments"`
	CallID      string          `json:"call_id"`
	Result      json.RawMessage `json:"result"`
	Status      string          `json:"status"`
	Message     string          `json:"message"`
	Subtype     string          `json:"subtype"`
	IsError     bool            `json:"is_error"`
}

// decode implements the parsing contract: dispatch on a top-level JSON
// `type` string (preferring a nested `data` document, falling back to the
// top-level document), tolerating the documented field aliases; anything
// that is not recognizable JSON, or whose type is unknown, becomes a raw
// Message.
func decode(line string) Payload {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Payload{Kind: KindMessage, Content: line}
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return Payload{Kind: KindMessage, Content: line}
	}
	if raw.Type == "" {
		return Payload{Kind: KindMessage, Content: line}
	}

	fields := raw
	if len(raw.Data) > 0 {
		var nested rawEvent
		if err := json.Unmarshal(raw.Data, &nested); err == nil {
			fields = mergeFields(raw, nested)
		}
	}

	toolName := firstNonEmpty(fields.ToolName, fields.Name)
	args := firstNonEmptyRaw(fields.Args, fields.Arguments)
	content := firstNonEmpty(fields.Content, fields.Text)

	switch raw.Type {
	case "message", "assistant", "user":
		return Payload{Kind: KindMessage, Content: content}
	case "thinking":
		return Payload{Kind: KindThinking, Content: content}
	case "tool_call":
		return Payload{Kind: KindToolCall, ToolName: toolName, Args: args, CallID: fields.CallID}
	case "tool_result":
		return Payload{Kind: KindToolResult, Result: fields.Result, CallID: fields.CallID, ToolName: toolName}
	case "status", "system":
		status := firstNonEmpty(fields.Status, fields.Subtype)
		return Payload{Kind: KindStatus, Status: status}
	case "error":
		return Payload{Kind: KindError, Message: firstNonEmpty(fields.Message, content)}
	case "result":
		if fields.IsError {
			return Payload{Kind: KindError, Message: firstNonEmpty(fields.Message, content)}
		}
		return Payload{Kind: KindStatus, Status: "completed"}
	default:
		return Payload{Kind: KindMessage, Content: line}
	}
}

// mergeFields lets a nested `data` document's fields take precedence over
// the enclosing document's, falling back to the outer document for anything
// the nested one leaves empty.
func mergeFields(outer, inner rawEvent) rawEvent {
	merged := outer
	if inner.Content != "" {
		merged.Content = inner.Content
	}
	if inner.Text != "" {
		merged.Text = inner.Text
	}
	if inner.ToolName != "" {
		merged.ToolName = inner.ToolName
	}
	if inner.Name != "" {
		merged.Name = inner.Name
	}
	if len(inner.Args) > 0 {
		merged.Args = inner.Args
	}
	if len(inner.Arguments) > 0 {
		merged.Arguments = inner.Arguments
	}
	if inner.CallID != "" {
		merged.CallID = inner.CallID
	}
	if len(inner.Result) > 0 {
		merged.Result = inner.Result
	}
	if inner.Status != "" {
		merged.Status = inner.Status
	}
	if inner.Message != "" {
		merged.Message = inner.Message
	}
	if inner.Subtype != "" {
		merged.Subtype = inner.Subtype
	}
	merged.IsError = merged.IsError || inner.IsError
	return merged
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptyRaw(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
