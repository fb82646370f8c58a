package models

import "time"

// SuspensionKind classifies why a tool suspended its session.
type SuspensionKind string

const (
	// SuspendUserInput means the tool needs free-form user input.
	SuspendUserInput SuspensionKind = "user_input"

	// SuspendApproval means the tool needs a yes/no human decision.
	SuspendApproval SuspensionKind = "approval"

	// SuspendEvent means the tool waits for a named external event.
	SuspendEvent SuspensionKind = "event"

	// SuspendSleep means the tool waits for a wall-clock delay.
	SuspendSleep SuspensionKind = "sleep"
)

// PendingRequest is a surfaced suspension awaiting an external resolution.
// Uniqueness is (session id, tool call id): a session holds at most one
// pending request per tool call.
type PendingRequest struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Kind       SuspensionKind `json:"kind"`

	// Payload is kind-specific detail: the prompt for user_input, the
	// action/description for approval, the event name and options for
	// event, and the duration for sleep.
	Payload map[string]any `json:"payload,omitempty"`

	SuspendedAt time.Time `json:"suspended_at"`
}

// PendingResolution answers at most one PendingRequest. Once consumed the
// matching request is removed from the session.
type PendingResolution struct {
	ToolCallID string `json:"tool_call_id"`

	// Result is the value the suspended call returns on replay.
	Result any `json:"result,omitempty"`

	// Approved answers approval suspensions when Result is absent.
	Approved *bool `json:"approved,omitempty"`

	// Reason optionally documents the decision.
	Reason string `json:"reason,omitempty"`

	// Cancel rejects the suspension: the suspended call fails with a
	// cancellation error instead of returning a value.
	Cancel bool `json:"cancel,omitempty"`
}

// Value returns what the suspended call should yield on replay: Result when
// set, otherwise the approval decision.
func (r PendingResolution) Value() any {
	if r.Result != nil {
		return r.Result
	}
	if r.Approved != nil {
		return *r.Approved
	}
	return nil
}
