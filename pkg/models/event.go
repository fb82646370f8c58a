package models

import (
	"encoding/json"
	"time"
)

// AgentEvent is the unified event model for session streaming.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a session for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// SessionID identifies the emitting session.
	SessionID string `json:"session_id,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Status    *StatusPayload    `json:"status,omitempty"`
	Output    *OutputPayload    `json:"output,omitempty"`
	Thought   *ThoughtPayload   `json:"thought,omitempty"`
	Tool      *ToolPayload      `json:"tool,omitempty"`
	Suspended *SuspendedPayload `json:"suspended,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
	Done      *DonePayload      `json:"done,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	// EventStatus reports a status transition.
	EventStatus AgentEventType = "status"

	// EventOutput carries streamed assistant text.
	EventOutput AgentEventType = "output"

	// EventThought carries streamed model reasoning.
	EventThought AgentEventType = "thought"

	// Tool execution lifecycle.
	EventToolStart    AgentEventType = "tool.started"
	EventToolProgress AgentEventType = "tool.progress"
	EventToolEnd      AgentEventType = "tool.finished"

	// EventSuspended reports the session entered waiting with the listed
	// pending requests.
	EventSuspended AgentEventType = "suspended"

	// EventError reports a failure; Fatal errors precede a done event.
	EventError AgentEventType = "error"

	// EventDone is the terminal event of a session.
	EventDone AgentEventType = "done"
)

// StatusPayload reports the session status after a transition.
type StatusPayload struct {
	Status AgentStatus `json:"status"`
}

// OutputPayload is streamed assistant text. Final marks the end of one
// assistant text block with an empty delta.
type OutputPayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

// ThoughtPayload is streamed model reasoning content.
type ThoughtPayload struct {
	Content string `json:"content"`
}

// ToolPayload describes tool execution lifecycle events.
type ToolPayload struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`

	// Input is the raw JSON arguments (started events).
	Input json.RawMessage `json:"input,omitempty"`

	// Progress is tool-reported progress (progress events).
	Progress any `json:"progress,omitempty"`

	// For finished events:
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

// SuspendedPayload lists the pending requests that put the session into
// waiting.
type SuspendedPayload struct {
	Requests []PendingRequest `json:"requests"`
}

// ErrorPayload standardizes session errors.
type ErrorPayload struct {
	Message string `json:"message"`

	// Fatal errors end the session; a done event follows.
	Fatal bool `json:"fatal,omitempty"`
}

// DonePayload is the terminal result of a session.
type DonePayload struct {
	Result AgentResult `json:"result"`
}
