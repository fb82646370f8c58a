// Package tools defines the tool contract and the name-unique tool registry
// used by agent sessions.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	invopop "github.com/invopop/jsonschema"

	"github.com/usegenii/strand/internal/step"
)

// Tool is a capability an agent can invoke during a turn.
//
// Execute receives the raw JSON arguments produced by the model and a
// Context carrying the cancel token, the durable step executor, and
// progress/logging hooks. Tools that suspend must do all side-effecting
// work inside step.Run so replay after resolution is safe.
type Tool interface {
	// Name returns the tool name for model function calling.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Errors are reported through the Result;
	// a returned error (including a step Suspension) aborts the call.
	Execute(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error)
}

// Categorized is implemented by tools that belong to a category.
type Categorized interface {
	Category() string
}

// Suspender is implemented by tools that may suspend their session.
type Suspender interface {
	CanSuspend() bool
}

// Result is the outcome of a tool execution.
type Result struct {
	Output  string         `json:"output,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// IsError reports whether the result represents a failure.
func (r *Result) IsError() bool { return r != nil && r.Error != "" }

// Success builds a successful result with the given output.
func Success(output string) *Result { return &Result{Output: output} }

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Error: fmt.Sprintf(format, args...)}
}

// Guidance is the read-only view of the session's guidance bundle exposed to
// tools.
type Guidance interface {
	// Path returns the guidance bundle root.
	Path() string

	// Document returns a named guidance document, or "" if absent.
	Document(name string) string
}

// Context carries per-invocation collaborators into a tool execution.
type Context struct {
	// SessionID identifies the owning session.
	SessionID string

	// Guidance is the session's guidance bundle, possibly nil.
	Guidance Guidance

	// Step is the durable step executor for this invocation.
	Step *step.Context

	// EmitProgress streams tool progress to the session's event stream.
	EmitProgress func(progress any)

	// Logger is scoped to the session and tool call.
	Logger *slog.Logger
}

// Progress reports progress if a sink is attached.
func (c *Context) Progress(progress any) {
	if c.EmitProgress != nil {
		c.EmitProgress(progress)
	}
}

// Log writes a structured log line scoped to the invocation.
func (c *Context) Log(level slog.Level, msg string, args ...any) {
	if c.Logger != nil {
		c.Logger.Log(context.Background(), level, msg, args...)
	}
}

// SchemaOf derives a JSON Schema from a parameter struct. Used by tools
// whose inputs are typed Go structs rather than hand-written schemas.
func SchemaOf(v any) json.RawMessage {
	r := &invopop.Reflector{DoNotReference: true}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		// Reflection output is always marshalable; this is unreachable
		// for well-formed parameter structs.
		panic(fmt.Sprintf("tools: marshal schema: %v", err))
	}
	return data
}

// CategoryOf returns the tool's category or "" when uncategorized.
func CategoryOf(t Tool) string {
	if c, ok := t.(Categorized); ok {
		return c.Category()
	}
	return ""
}

// CanSuspend reports whether the tool may suspend its session.
func CanSuspend(t Tool) bool {
	if s, ok := t.(Suspender); ok {
		return s.CanSuspend()
	}
	return false
}
