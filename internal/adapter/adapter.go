// Package adapter defines the boundary between the session runtime and
// model back-ends. An Adapter creates or restores Instances; an Instance is
// the live session the coordinator supervises; a ModelSession is the
// provider-specific streaming conversation the runtime drives. Back-ends are
// interface-abstracted so the scheduler never sees provider types.
package adapter

import (
	"context"
	"log/slog"
	"time"

	"github.com/usegenii/strand/internal/guidance"
	"github.com/usegenii/strand/internal/tools"
	"github.com/usegenii/strand/pkg/models"
)

// Limits caps a session's resource usage. Zero values mean unlimited.
type Limits struct {
	MaxTurns     int           `json:"maxTurns,omitempty" yaml:"max_turns,omitempty"`
	MaxToolCalls int           `json:"maxToolCalls,omitempty" yaml:"max_tool_calls,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ContextInjection carries injector-produced context into session creation.
// SystemContext augments the system prompt on spawn; ResumeMessages are
// appended after the checkpoint's messages on continue.
type ContextInjection struct {
	SystemContext  string
	ResumeMessages []models.CheckpointMessage
}

// CreateConfig is everything an adapter needs to create or restore a
// session instance.
type CreateConfig struct {
	// SessionID is assigned by the coordinator. On restore it matches the
	// checkpoint's session id.
	SessionID string

	Guidance tools.Guidance
	Task     string
	Limits   Limits
	Input    models.AgentInput
	ParentID string
	Tools    *tools.Registry
	Tags     []string
	Metadata map[string]any
	Skills   []guidance.Skill

	ContextInjection *ContextInjection

	Logger *slog.Logger
}

// Adapter is a model back-end factory. ModelProvider and ModelName identify
// the backing model for checkpoint enrichment.
type Adapter interface {
	Name() string
	ModelProvider() string
	ModelName() string

	// Create builds a fresh session instance.
	Create(ctx context.Context, cfg CreateConfig) (Instance, error)

	// Restore rebuilds an instance from a checkpoint. The instance keeps
	// the checkpoint's id, createdAt, and turn count.
	Restore(ctx context.Context, cp *models.AgentCheckpoint, cfg CreateConfig) (Instance, error)
}

// Instance is a live agent session. All operations are safe for concurrent
// use; control operations are best-effort and never fail for valid input.
type Instance interface {
	ID() string
	CreatedAt() time.Time
	Status() models.AgentStatus

	// Start schedules the run loop. Idempotent.
	Start(ctx context.Context)

	// Subscribe registers a synchronous handler for future events and
	// returns its cancel function.
	Subscribe(fn func(models.AgentEvent)) func()

	// History returns the events emitted so far, in order.
	History() []models.AgentEvent

	// Events returns a live consumer channel that closes once the
	// instance's event stream completes.
	Events() <-chan models.AgentEvent

	// Send queues input for the next run cycle; when a turn is in flight
	// the message is also steered into the live model session.
	Send(in models.AgentInput)

	// Pause holds back outward event flow; Unpause releases it. The
	// underlying model request is not cancelled.
	Pause()
	Unpause()

	// Abort cancels the session cooperatively.
	Abort()

	// Terminate forces a terminal state and synthesizes the done event.
	Terminate(reason string)

	// Resolve answers pending suspensions. When the last pending request
	// drains, the session resumes.
	Resolve(resolutions []models.PendingResolution)

	// PendingRequests returns the open suspensions, empty unless waiting.
	PendingRequests() []models.PendingRequest

	// Checkpoint snapshots the session without mutating it. Valid in any
	// state.
	Checkpoint() (*models.AgentCheckpoint, error)

	// Result returns the terminal result, or false while the session is
	// live.
	Result() (models.AgentResult, bool)

	// Done closes when the session reaches a terminal state.
	Done() <-chan struct{}
}
