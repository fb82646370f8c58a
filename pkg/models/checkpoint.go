package models

import (
	"encoding/json"
	"time"
)

// MessageRole identifies the author of a checkpoint message.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolResult MessageRole = "tool_result"
)

// PartType discriminates the content Part union.
type PartType string

const (
	PartText     PartType = "text"
	PartImage    PartType = "image"
	PartThinking PartType = "thinking"
	PartToolUse  PartType = "tool_use"
)

// Part is one content block of a checkpoint message. The Type field selects
// which of the remaining fields are meaningful: Text for text and thinking
// parts, MediaType/Data for image parts, ID/Name/Input for tool_use parts.
type Part struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

// ThinkingPart builds a thinking content part.
func ThinkingPart(text string) Part { return Part{Type: PartThinking, Text: text} }

// ToolUsePart builds a tool_use content part.
func ToolUsePart(id, name string, input json.RawMessage) Part {
	return Part{Type: PartToolUse, ID: id, Name: name, Input: input}
}

// CheckpointMessage is the provider-agnostic message schema persisted in
// checkpoints. Only assistant messages carry thinking and tool_use parts;
// only tool_result messages carry ToolCallID/ToolName/IsError.
type CheckpointMessage struct {
	Role      MessageRole `json:"role"`
	Content   []Part      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Text concatenates the text parts of the message.
func (m CheckpointMessage) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// CompletedStep records one memoized step result inside a tool execution.
// StepID is unique within its ToolExecutionState.
type CompletedStep struct {
	StepID      string    `json:"step_id"`
	Result      any       `json:"result"`
	CompletedAt time.Time `json:"completed_at"`
}

// SuspendedStep records the step a tool execution is currently suspended on.
type SuspendedStep struct {
	StepID      string         `json:"step_id"`
	Request     PendingRequest `json:"request"`
	SuspendedAt time.Time      `json:"suspended_at"`
}

// ToolExecutionState is the durable record of one logical tool invocation.
// The step ids across CompletedSteps and SuspendedStep are all distinct.
type ToolExecutionState struct {
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id"`
	Input      json.RawMessage `json:"input,omitempty"`

	CompletedSteps []CompletedStep `json:"completed_steps,omitempty"`
	SuspendedStep  *SuspendedStep  `json:"suspended_step,omitempty"`
}

// SessionCheckpoint captures session identity and bookkeeping.
type SessionCheckpoint struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parent_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Task      string         `json:"task,omitempty"`
	Metrics   RunMetrics     `json:"metrics"`
}

// GuidanceState records where the session's guidance bundle came from and
// any state the guidance layer accumulated.
type GuidanceState struct {
	GuidancePath string         `json:"guidance_path,omitempty"`
	MemoryWrites []string       `json:"memory_writes,omitempty"`
	SystemState  map[string]any `json:"system_state,omitempty"`
}

// AdapterConfig identifies the model backend a checkpoint was produced
// against. Provider and Model are injected by the coordinator from the
// adapter identity; instances do not know their coordinator-visible naming.
type AdapterConfig struct {
	Provider      string         `json:"provider,omitempty"`
	Model         string         `json:"model,omitempty"`
	ThinkingLevel string         `json:"thinking_level,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// AgentCheckpoint is a durable, provider-agnostic snapshot of a session
// sufficient to restart it elsewhere.
type AgentCheckpoint struct {
	Timestamp   time.Time `json:"timestamp"`
	AdapterName string    `json:"adapter_name"`

	Session  SessionCheckpoint `json:"session"`
	Guidance GuidanceState     `json:"guidance"`

	Messages       []CheckpointMessage  `json:"messages"`
	AdapterConfig  AdapterConfig        `json:"adapter_config"`
	ToolExecutions []ToolExecutionState `json:"tool_executions,omitempty"`
}

// Clone returns a deep copy of the checkpoint via JSON round-trip. Checkpoint
// payloads are JSON-shaped by construction, so this is lossless.
func (c *AgentCheckpoint) Clone() (*AgentCheckpoint, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out AgentCheckpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
