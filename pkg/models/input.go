package models

// AgentInput is one unit of caller-supplied work for a session. At least one
// of Message or Context should be populated for the turn to be useful.
type AgentInput struct {
	// Message is the user-visible prompt text for the next turn.
	Message string `json:"message,omitempty"`

	// Context carries structured key/value context for the turn.
	Context map[string]any `json:"context,omitempty"`
}

// Empty reports whether the input carries neither a message nor context.
func (in AgentInput) Empty() bool {
	return in.Message == "" && len(in.Context) == 0
}

// RunMetrics aggregates counters for a session run.
type RunMetrics struct {
	// DurationMS is wall time since the run started, in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// Turns counts completed model turns.
	Turns int `json:"turns"`

	// ToolCalls counts tool invocations started (never decremented).
	ToolCalls int `json:"tool_calls"`

	// TokensUsed is the total token count when the adapter reports one.
	TokensUsed int `json:"tokens_used,omitempty"`
}

// AgentResult is the terminal outcome of a session, carried on the done event
// and returned by Handle.Wait.
type AgentResult struct {
	SessionID string      `json:"session_id"`
	Status    AgentStatus `json:"status"`

	// Output is the last assistant text of the run, if any.
	Output string `json:"output,omitempty"`

	// Error describes the failure for failed/terminated sessions.
	Error string `json:"error,omitempty"`

	Metrics RunMetrics `json:"metrics"`
}
