// Package harness provides a deterministic in-memory adapter for exercising
// the session runtime and coordinator without a model backend. Sessions play
// back scripted turns: streamed text, thinking, tool calls routed through
// the real tool host, and scripted failures.
package harness

import (
	"context"
	"sync"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/internal/runtime"
	"github.com/usegenii/strand/pkg/models"
)

// Turn scripts one model turn.
type Turn struct {
	// Text is streamed as a single text_delta followed by text_end.
	Text string

	// Thinking is streamed as one thinking_delta before the text.
	Thinking string

	// ToolCalls are executed through the tool host, in order, before the
	// text is streamed.
	ToolCalls []adapter.ToolCall

	// FailWith ends the turn with stop reason "error" carrying this
	// message. The other fields are ignored.
	FailWith string
}

// Adapter is a scripted model backend. Turns are consumed across all
// sessions in order; when the script is exhausted, sessions echo the prompt.
type Adapter struct {
	AdapterName string
	Provider    string
	Model       string

	mu       sync.Mutex
	turns    []Turn
	lastCfg  adapter.CreateConfig
	restores int
}

// New creates a harness adapter with the given script.
func New(turns ...Turn) *Adapter {
	return &Adapter{
		AdapterName: "harness",
		Provider:    "test",
		Model:       "scripted-1",
		turns:       turns,
	}
}

func (a *Adapter) Name() string          { return a.AdapterName }
func (a *Adapter) ModelProvider() string { return a.Provider }
func (a *Adapter) ModelName() string     { return a.Model }

// Append adds turns to the script.
func (a *Adapter) Append(turns ...Turn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = append(a.turns, turns...)
}

func (a *Adapter) nextTurn(message string) Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.turns) > 0 {
		turn := a.turns[0]
		a.turns = a.turns[1:]
		return turn
	}
	return Turn{Text: "echo: " + message}
}

// LastConfig returns the config of the most recent Create or Restore call,
// for tests asserting on what the coordinator assembled.
func (a *Adapter) LastConfig() adapter.CreateConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCfg
}

// Restores counts Restore calls.
func (a *Adapter) Restores() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restores
}

// Create builds a fresh scripted instance.
func (a *Adapter) Create(ctx context.Context, cfg adapter.CreateConfig) (adapter.Instance, error) {
	a.mu.Lock()
	a.lastCfg = cfg
	a.mu.Unlock()

	guidancePath := ""
	if cfg.Guidance != nil {
		guidancePath = cfg.Guidance.Path()
	}
	inst := runtime.NewInstance(runtime.Config{
		SessionID:    cfg.SessionID,
		AdapterName:  a.Name(),
		Task:         cfg.Task,
		ParentID:     cfg.ParentID,
		Tags:         cfg.Tags,
		Metadata:     cfg.Metadata,
		GuidancePath: guidancePath,
		Guidance:     cfg.Guidance,
		Tools:        cfg.Tools,
		Input:        cfg.Input,
		Logger:       cfg.Logger,
		NewSession: func(host adapter.ToolHost) adapter.ModelSession {
			return newSession(a, host, nil, nil)
		},
	})
	return inst, nil
}

// Restore rebuilds an instance from a checkpoint, preserving its id,
// creation time, turn count, and suspended tool calls.
func (a *Adapter) Restore(ctx context.Context, cp *models.AgentCheckpoint, cfg adapter.CreateConfig) (adapter.Instance, error) {
	a.mu.Lock()
	a.lastCfg = cfg
	a.restores++
	a.mu.Unlock()

	messages := append([]models.CheckpointMessage(nil), cp.Messages...)
	if cfg.ContextInjection != nil {
		messages = append(messages, cfg.ContextInjection.ResumeMessages...)
	}

	var suspended []adapter.ToolCall
	for _, te := range cp.ToolExecutions {
		if te.SuspendedStep != nil {
			suspended = append(suspended, adapter.ToolCall{
				ID:    te.ToolCallID,
				Name:  te.ToolName,
				Input: te.Input,
			})
		}
	}

	guidancePath := cp.Guidance.GuidancePath
	if guidancePath == "" && cfg.Guidance != nil {
		guidancePath = cfg.Guidance.Path()
	}

	inst := runtime.NewInstance(runtime.Config{
		SessionID:      cp.Session.ID,
		AdapterName:    a.Name(),
		CreatedAt:      cp.Session.CreatedAt,
		TurnCount:      cp.Session.Metrics.Turns,
		ToolExecutions: cp.ToolExecutions,
		Task:           cp.Session.Task,
		ParentID:       cp.Session.ParentID,
		Tags:           cp.Session.Tags,
		Metadata:       cp.Session.Metadata,
		GuidancePath:   guidancePath,
		Guidance:       cfg.Guidance,
		Tools:          cfg.Tools,
		Input:          cfg.Input,
		Logger:         cfg.Logger,
		NewSession: func(host adapter.ToolHost) adapter.ModelSession {
			return newSession(a, host, messages, suspended)
		},
	})
	return inst, nil
}
