// Package step implements durable tool execution: memoized steps and typed
// suspensions inside one logical tool invocation.
//
// One Context accompanies exactly one tool invocation. Named steps run once
// and record their result; when the invocation is replayed (after a process
// restart or a resolved suspension) the recorded results are returned
// without re-executing the step functions. The wait operations never return
// normally on first execution: they raise a Suspension that the runtime
// surfaces as a pending request, and return the resolved value on replay.
package step

import (
	"context"
	"log/slog"
	"time"

	"github.com/usegenii/strand/pkg/models"
)

// SuspendSentinel returns the synthesized step id the resolver looks for
// when resuming a suspended tool call.
func SuspendSentinel(toolCallID string) string {
	return toolCallID + ":suspended"
}

// ResumeData carries a consumed resolution into a fresh step context. The
// suspended call whose step id matches returns Result instead of raising.
type ResumeData struct {
	StepID    string
	Result    any
	Cancelled bool
	Reason    string
	TimedOut  bool
}

// EventKind classifies step lifecycle notifications.
type EventKind string

const (
	EventStart    EventKind = "step_start"
	EventEnd      EventKind = "step_end"
	EventMemoized EventKind = "step_memoized"
	EventSuspend  EventKind = "suspended"
)

// Event is a step lifecycle notification delivered to the runtime.
type Event struct {
	Kind    EventKind
	StepID  string
	Request *models.PendingRequest
}

// Config seeds a step context for one tool invocation.
type Config struct {
	ToolCallID string
	ToolName   string

	// Prior are the completed steps recorded by previous runs of this
	// invocation.
	Prior []models.CompletedStep

	// Resume is the injected resolution for the suspended step, if any.
	Resume *ResumeData

	// OnEvent receives step lifecycle notifications. Optional.
	OnEvent func(Event)

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Context is the durable step executor handed to a tool through its
// ToolContext. Not safe for concurrent use: a tool runs its steps
// sequentially.
type Context struct {
	toolCallID string
	toolName   string

	injected map[string]models.CompletedStep
	resume   *ResumeData
	ran      map[string]struct{}
	steps    []models.CompletedStep
	onEvent  func(Event)
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a step context seeded with prior completed steps and any
// matching resume data.
func New(cfg Config) *Context {
	injected := make(map[string]models.CompletedStep, len(cfg.Prior))
	steps := make([]models.CompletedStep, 0, len(cfg.Prior))
	for _, s := range cfg.Prior {
		injected[s.StepID] = s
		steps = append(steps, s)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	onEvent := cfg.OnEvent
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Context{
		toolCallID: cfg.ToolCallID,
		toolName:   cfg.ToolName,
		injected:   injected,
		resume:     cfg.Resume,
		ran:        make(map[string]struct{}),
		steps:      steps,
		onEvent:    onEvent,
		logger:     logger,
		now:        now,
	}
}

// Run executes the named step at most once across all runs of the
// invocation.
//
// Order of resolution: a prior completed step is returned memoized without
// calling fn; injected resume data for this id is consumed and recorded as
// completed; a repeat of an id already executed in this run fails with
// DuplicateStepError; otherwise fn runs and its result is recorded. A
// Suspension raised by fn propagates unchanged without recording completion.
func (c *Context) Run(ctx context.Context, stepID string, fn func(context.Context) (any, error)) (any, error) {
	if prior, ok := c.injected[stepID]; ok {
		c.logger.Debug("step memoized", "tool", c.toolName, "call_id", c.toolCallID, "step", stepID)
		c.onEvent(Event{Kind: EventMemoized, StepID: stepID})
		return prior.Result, nil
	}

	if c.resume != nil && c.resume.StepID == stepID {
		resume := c.consumeResume()
		if err := resume.err(c.toolCallID); err != nil {
			return nil, err
		}
		c.record(stepID, resume.Result)
		return resume.Result, nil
	}

	if _, ok := c.ran[stepID]; ok {
		return nil, &DuplicateStepError{StepID: stepID}
	}
	c.ran[stepID] = struct{}{}

	c.onEvent(Event{Kind: EventStart, StepID: stepID})
	result, err := fn(ctx)
	if err != nil {
		// Suspensions propagate without a completion record; so does
		// any other error.
		return nil, err
	}
	c.record(stepID, result)
	c.onEvent(Event{Kind: EventEnd, StepID: stepID})
	return result, nil
}

// WaitForUserInput suspends the invocation until a resolution supplies the
// user's input. On replay after resolution it returns the resolved value.
func (c *Context) WaitForUserInput(payload map[string]any) (any, error) {
	return c.wait(models.SuspendUserInput, payload)
}

// WaitForApproval suspends the invocation until a resolution approves or
// rejects it. On replay it returns the decision.
func (c *Context) WaitForApproval(payload map[string]any) (bool, error) {
	v, err := c.wait(models.SuspendApproval, payload)
	if err != nil {
		return false, err
	}
	approved, ok := v.(bool)
	return ok && approved, nil
}

// WaitForEvent suspends the invocation until the named external event is
// delivered through a resolution.
func (c *Context) WaitForEvent(name string, options map[string]any) (any, error) {
	payload := map[string]any{"name": name}
	if len(options) > 0 {
		payload["options"] = options
	}
	return c.wait(models.SuspendEvent, payload)
}

// Sleep suspends the invocation for a wall-clock delay. The delay is
// enforced by whoever handles resolutions.
func (c *Context) Sleep(d time.Duration) error {
	_, err := c.wait(models.SuspendSleep, map[string]any{"duration_ms": d.Milliseconds()})
	return err
}

func (c *Context) wait(kind models.SuspensionKind, payload map[string]any) (any, error) {
	sentinel := SuspendSentinel(c.toolCallID)

	// A previously resolved suspension replays as a memoized result.
	if prior, ok := c.injected[sentinel]; ok {
		c.onEvent(Event{Kind: EventMemoized, StepID: sentinel})
		return prior.Result, nil
	}

	if c.resume != nil && c.resume.StepID == sentinel {
		resume := c.consumeResume()
		if err := resume.err(c.toolCallID); err != nil {
			return nil, err
		}
		c.record(sentinel, resume.Result)
		return resume.Result, nil
	}

	req := models.PendingRequest{
		ToolCallID:  c.toolCallID,
		ToolName:    c.toolName,
		Kind:        kind,
		Payload:     payload,
		SuspendedAt: c.now(),
	}
	c.onEvent(Event{Kind: EventSuspend, StepID: sentinel, Request: &req})
	return nil, &Suspension{StepID: sentinel, Request: req}
}

func (c *Context) consumeResume() ResumeData {
	resume := *c.resume
	c.resume = nil
	return resume
}

func (r ResumeData) err(toolCallID string) error {
	if !r.Cancelled {
		return nil
	}
	if r.TimedOut {
		return &TimeoutError{ToolCallID: toolCallID}
	}
	return &CancelledError{ToolCallID: toolCallID, Reason: r.Reason}
}

func (c *Context) record(stepID string, result any) {
	c.ran[stepID] = struct{}{}
	c.steps = append(c.steps, models.CompletedStep{StepID: stepID, Result: result, CompletedAt: c.now()})
}

// CompletedSteps returns the full completed-step record for the invocation:
// the prior steps followed by the steps completed in this run, in order.
func (c *Context) CompletedSteps() []models.CompletedStep {
	out := make([]models.CompletedStep, len(c.steps))
	copy(out, c.steps)
	return out
}
