package adapter

import (
	"context"
	"encoding/json"

	"github.com/usegenii/strand/pkg/models"
)

// EventType discriminates session-level stream events produced by a
// ModelSession.
type EventType string

const (
	EventAgentStart EventType = "agent_start"
	EventMessage    EventType = "message_update"
	EventToolStart  EventType = "tool_execution_start"
	EventToolUpdate EventType = "tool_execution_update"
	EventToolEnd    EventType = "tool_execution_end"
	EventTurnEnd    EventType = "turn_end"
	EventAgentEnd   EventType = "agent_end"
)

// DeltaKind discriminates message_update events.
type DeltaKind string

const (
	DeltaText     DeltaKind = "text_delta"
	DeltaTextEnd  DeltaKind = "text_end"
	DeltaThinking DeltaKind = "thinking_delta"
)

// Event is one item in a ModelSession's stream. Fields are populated by
// type: message events carry Delta and Text; tool events carry the tool
// fields.
type Event struct {
	Type EventType

	// message_update
	Delta DeltaKind
	Text  string

	// tool_execution_*
	ToolCallID string
	ToolName   string
	Input      json.RawMessage
	Progress   any
	Output     any
	Error      string
	IsError    bool
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolOutcome is the host's answer to a ToolCall. Suspended outcomes carry
// the pending request instead of output; the turn ends and the call replays
// after resolution.
type ToolOutcome struct {
	CallID    string
	Name      string
	Output    string
	Details   any
	IsError   bool
	Suspended bool
	Request   *models.PendingRequest
}

// ToolHost executes tool calls on behalf of a ModelSession. The host owns
// tool lookup, input validation, step-context seeding, and suspension
// bookkeeping; sessions only relay calls and feed outcomes back to the
// model. Events emitted through emit are interleaved into the session
// stream.
type ToolHost interface {
	ExecuteToolCall(ctx context.Context, call ToolCall, emit func(Event)) ToolOutcome
}

// ModelSession is one provider-specific streaming conversation. Prompt and
// Resume return a channel that delivers the turn's events and closes when
// the turn is over (including after a suspension ends it early).
type ModelSession interface {
	// Prompt starts a turn with a user message. An empty message re-prompts
	// with the existing conversation.
	Prompt(ctx context.Context, message string) (<-chan Event, error)

	// Resume replays suspended tool calls after their resolutions arrived
	// and continues the conversation.
	Resume(ctx context.Context) (<-chan Event, error)

	// Send steers a follow-up message into the in-flight turn.
	Send(message string)

	// Abort cancels the in-flight model request.
	Abort()

	// Messages returns the conversation so far in checkpoint form.
	Messages() []models.CheckpointMessage

	// StopReason reports why the last turn ended ("end_turn", "suspended",
	// "error", ...); StopError carries the message when the reason is
	// "error".
	StopReason() string
	StopError() string
}
