// Package runtime implements the per-agent session state machine: the run
// loop that interleaves model turns with tool execution, the suspension and
// resolution bookkeeping, checkpointing, and the handle facade callers use
// to observe and control a session.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/internal/bus"
	"github.com/usegenii/strand/internal/step"
	"github.com/usegenii/strand/internal/tools"
	"github.com/usegenii/strand/pkg/models"
)

// eventVersion is the AgentEvent schema version this runtime emits.
const eventVersion = 1

// Config assembles an Instance. NewSession is called once with the instance
// as the tool host; concrete adapters close over their provider clients and
// any restored conversation.
type Config struct {
	SessionID   string
	AdapterName string

	// Restored state for continued sessions. Zero values mean fresh.
	CreatedAt      time.Time
	TurnCount      int
	ToolExecutions []models.ToolExecutionState

	Task     string
	ParentID string
	Tags     []string
	Metadata map[string]any

	GuidancePath string
	Guidance     tools.Guidance
	Tools        *tools.Registry

	Input models.AgentInput

	NewSession func(host adapter.ToolHost) adapter.ModelSession

	Logger *slog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// toolTracker is the per-tool-call durable execution record.
type toolTracker struct {
	name      string
	input     json.RawMessage
	completed []models.CompletedStep
	suspended *models.SuspendedStep
	resume    *step.ResumeData
}

// Instance is the session runtime. It implements adapter.Instance and
// adapter.ToolHost.
type Instance struct {
	id          string
	adapterName string
	createdAt   time.Time
	task        string
	parentID    string
	tags        []string
	metadata    map[string]any

	guidancePath string
	guidance     tools.Guidance
	registry     *tools.Registry

	session adapter.ModelSession
	events  *bus.Bus[models.AgentEvent]
	logger  *slog.Logger
	clock   func() time.Time

	abortCtx    context.Context
	abortCancel context.CancelFunc

	mu           sync.Mutex
	status       models.AgentStatus
	started      bool
	cycleLive    bool
	resumeQueued bool
	inputQueue []models.AgentInput
	pending    []models.PendingRequest
	trackers   map[string]*toolTracker
	history    []models.AgentEvent
	seq        uint64
	trans      *translator
	startTime  time.Time
	paused     bool
	pauseGate  chan struct{}
	terminal   bool
	result     models.AgentResult
	done       chan struct{}
}

// NewInstance builds a session instance in status initializing. Start
// schedules the first run cycle.
func NewInstance(cfg Config) *Instance {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.SessionID)

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	createdAt := cfg.CreatedAt
	if createdAt.IsZero() {
		createdAt = clock()
	}

	ctx, cancel := context.WithCancel(context.Background())

	inst := &Instance{
		id:           cfg.SessionID,
		adapterName:  cfg.AdapterName,
		createdAt:    createdAt,
		task:         cfg.Task,
		parentID:     cfg.ParentID,
		tags:         cfg.Tags,
		metadata:     cfg.Metadata,
		guidancePath: cfg.GuidancePath,
		guidance:     cfg.Guidance,
		registry:     cfg.Tools,
		events:       bus.New[models.AgentEvent](logger),
		logger:       logger,
		clock:        clock,
		abortCtx:     ctx,
		abortCancel:  cancel,
		status:       models.StatusInitializing,
		trackers:     make(map[string]*toolTracker),
		trans:        newTranslator(clock, cfg.TurnCount),
		done:         make(chan struct{}),
	}

	for _, te := range cfg.ToolExecutions {
		tracker := &toolTracker{
			name:      te.ToolName,
			input:     te.Input,
			completed: append([]models.CompletedStep(nil), te.CompletedSteps...),
			suspended: te.SuspendedStep,
		}
		inst.trackers[te.ToolCallID] = tracker
		if te.SuspendedStep != nil {
			inst.pending = append(inst.pending, te.SuspendedStep.Request)
		}
	}

	// Restored suspensions put the session straight into waiting so a
	// resolve can schedule the resume cycle.
	if len(inst.pending) > 0 {
		inst.status = models.StatusWaiting
	}

	if !cfg.Input.Empty() {
		inst.inputQueue = append(inst.inputQueue, cfg.Input)
	}

	inst.session = cfg.NewSession(inst)
	return inst
}

func (i *Instance) ID() string           { return i.id }
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

func (i *Instance) Status() models.AgentStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Start schedules the first run cycle. Idempotent.
func (i *Instance) Start(ctx context.Context) {
	i.mu.Lock()
	if i.started || i.terminal {
		i.mu.Unlock()
		return
	}
	i.started = true
	i.startTime = i.clock()
	pending := append([]models.PendingRequest(nil), i.pending...)
	i.mu.Unlock()

	// A session restored with unresolved suspensions surfaces them instead
	// of prompting: the record holds a tool_use awaiting its result, and the
	// resolve schedules the resume cycle. Queued input runs after the replay.
	if len(pending) > 0 {
		i.emit(models.AgentEvent{
			Type:      models.EventSuspended,
			Suspended: &models.SuspendedPayload{Requests: pending},
		})
		return
	}

	go i.runCycle(false)
}

func (i *Instance) Subscribe(fn func(models.AgentEvent)) func() {
	return i.events.Subscribe(fn)
}

func (i *Instance) Events() <-chan models.AgentEvent {
	return i.events.Events()
}

func (i *Instance) History() []models.AgentEvent {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]models.AgentEvent, len(i.history))
	copy(out, i.history)
	return out
}

func (i *Instance) Done() <-chan struct{} { return i.done }

func (i *Instance) Result() (models.AgentResult, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result, i.terminal
}

// emit stamps and broadcasts one event. Emission order defines the canonical
// per-session event order.
func (i *Instance) emit(ev models.AgentEvent) {
	i.mu.Lock()
	i.seq++
	ev.Version = eventVersion
	ev.Sequence = i.seq
	ev.SessionID = i.id
	if ev.Time.IsZero() {
		ev.Time = i.clock()
	}
	i.history = append(i.history, ev)
	i.mu.Unlock()

	i.events.Emit(ev)
}

func (i *Instance) setStatus(s models.AgentStatus) {
	i.mu.Lock()
	if i.terminal {
		i.mu.Unlock()
		return
	}
	i.status = s
	i.mu.Unlock()
	i.emit(models.AgentEvent{Type: models.EventStatus, Status: &models.StatusPayload{Status: s}})
}

// metrics snapshots run counters. Caller must not hold mu.
func (i *Instance) metrics() models.RunMetrics {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.metricsLocked()
}

func (i *Instance) metricsLocked() models.RunMetrics {
	var duration int64
	if !i.startTime.IsZero() {
		duration = i.clock().Sub(i.startTime).Milliseconds()
	}
	return models.RunMetrics{
		DurationMS: duration,
		Turns:      i.trans.turns,
		ToolCalls:  i.trans.toolCalls,
	}
}

// runCycle drives prompt-or-resume turns against the model session until
// the session suspends, completes, or dies. Consecutive queued inputs run as
// consecutive turns within one cycle.
func (i *Instance) runCycle(resume bool) {
	i.mu.Lock()
	if i.terminal || i.cycleLive {
		i.mu.Unlock()
		return
	}
	i.cycleLive = true
	if resume {
		i.resumeQueued = false
	}
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.cycleLive = false
		requeue := i.resumeQueued && !i.terminal
		i.mu.Unlock()
		// A resolve that landed while this cycle was still unwinding could
		// not start its own resume cycle; pick it up here.
		if requeue {
			go i.runCycle(true)
		}
	}()

	i.setStatus(models.StatusRunning)

	for {
		if !i.runTurn(resume) {
			return
		}
		resume = false

		// Suspended turns end the cycle; a resolve schedules the next one.
		i.mu.Lock()
		pending := append([]models.PendingRequest(nil), i.pending...)
		queued := len(i.inputQueue) > 0
		terminal := i.terminal
		i.mu.Unlock()

		if terminal {
			return
		}
		if len(pending) > 0 {
			i.setStatus(models.StatusWaiting)
			i.emit(models.AgentEvent{
				Type:      models.EventSuspended,
				Suspended: &models.SuspendedPayload{Requests: pending},
			})
			return
		}
		if queued {
			continue
		}
		i.finalize(models.StatusCompleted, "")
		return
	}
}

// runTurn executes one turn and drains its event stream. It reports whether
// the cycle should keep going; false means a terminal transition was made.
func (i *Instance) runTurn(resume bool) bool {
	var (
		stream <-chan adapter.Event
		err    error
	)
	if resume {
		stream, err = i.session.Resume(i.abortCtx)
	} else {
		i.mu.Lock()
		var input models.AgentInput
		if len(i.inputQueue) > 0 {
			input = i.inputQueue[0]
			i.inputQueue = i.inputQueue[1:]
		}
		i.mu.Unlock()

		if input.Empty() {
			i.logger.Info("run cycle with empty input queue")
			return true
		}
		stream, err = i.session.Prompt(i.abortCtx, input.Message)
	}
	if err != nil {
		i.fail(fmt.Sprintf("start turn: %v", err))
		return false
	}

	for ev := range stream {
		i.waitIfPaused()
		// translate mutates the run counters, which metricsLocked reads from
		// other goroutines.
		i.mu.Lock()
		cores := i.trans.translate(ev)
		i.mu.Unlock()
		for _, core := range cores {
			i.emit(core)
		}
	}

	if i.abortCtx.Err() != nil {
		i.finalize(models.StatusAborted, "")
		return false
	}

	if i.session.StopReason() == "error" {
		msg := i.session.StopError()
		if msg == "" {
			msg = "model turn failed"
		}
		i.fail(msg)
		return false
	}

	return true
}

// fail moves the session to failed with a fatal error event.
func (i *Instance) fail(msg string) {
	i.emit(models.AgentEvent{
		Type:  models.EventError,
		Error: &models.ErrorPayload{Message: msg, Fatal: true},
	})
	i.finalize(models.StatusFailed, msg)
}

// finalize is the single terminal transition. At most one caller wins;
// later calls are no-ops.
func (i *Instance) finalize(status models.AgentStatus, errMsg string) {
	// Messages() takes the session's own lock; fetch it before ours.
	output := lastAssistantText(i.session.Messages())

	i.mu.Lock()
	if i.terminal {
		i.mu.Unlock()
		return
	}
	i.terminal = true
	i.status = status
	i.pending = nil
	result := models.AgentResult{
		SessionID: i.id,
		Status:    status,
		Output:    output,
		Error:     errMsg,
		Metrics:   i.metricsLocked(),
	}
	i.result = result
	i.mu.Unlock()

	// terminal=true suppresses setStatus, so stamp the status event here.
	i.emit(models.AgentEvent{Type: models.EventStatus, Status: &models.StatusPayload{Status: status}})
	i.emit(models.AgentEvent{Type: models.EventDone, Done: &models.DonePayload{Result: result}})
	close(i.done)
	i.events.Complete()
}

func lastAssistantText(messages []models.CheckpointMessage) string {
	for idx := len(messages) - 1; idx >= 0; idx-- {
		if messages[idx].Role == models.RoleAssistant {
			if text := messages[idx].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}

// Send queues input for the next run cycle. During a live turn the message
// is also steered into the model session; the queue stays authoritative and
// adapters drain it on the next cycle.
func (i *Instance) Send(in models.AgentInput) {
	if in.Empty() {
		return
	}
	i.mu.Lock()
	if i.terminal {
		i.mu.Unlock()
		return
	}
	steer := i.cycleLive && !i.paused && in.Message != "" && len(in.Context) == 0
	if !steer {
		i.inputQueue = append(i.inputQueue, in)
	}
	i.mu.Unlock()

	if steer {
		i.session.Send(in.Message)
	}
}

// Pause holds back outward event flow until Unpause. The model request is
// not cancelled.
func (i *Instance) Pause() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.terminal || i.paused || i.status != models.StatusRunning {
		return
	}
	i.paused = true
	i.status = models.StatusPaused
	i.pauseGate = make(chan struct{})
}

// Unpause releases a pause.
func (i *Instance) Unpause() {
	i.mu.Lock()
	if !i.paused {
		i.mu.Unlock()
		return
	}
	i.paused = false
	gate := i.pauseGate
	i.pauseGate = nil
	i.mu.Unlock()
	close(gate)
}

// waitIfPaused blocks the run loop between events while a pause is held,
// bracketing the gap with status events.
func (i *Instance) waitIfPaused() {
	i.mu.Lock()
	paused := i.paused
	gate := i.pauseGate
	i.mu.Unlock()
	if !paused {
		return
	}

	i.setStatus(models.StatusPaused)
	select {
	case <-gate:
	case <-i.abortCtx.Done():
	}
	if i.abortCtx.Err() == nil {
		i.setStatus(models.StatusRunning)
	}
}

// Abort cancels the session cooperatively: the cancel token reaches every
// tool execution and the model session. The run loop observes it and
// finishes with status aborted; if no cycle is live the instance finalizes
// directly.
func (i *Instance) Abort() {
	i.mu.Lock()
	if i.terminal {
		i.mu.Unlock()
		return
	}
	live := i.cycleLive
	i.status = models.StatusAborted
	gate := i.pauseGate
	i.paused = false
	i.pauseGate = nil
	i.mu.Unlock()

	if gate != nil {
		close(gate)
	}
	i.abortCancel()
	i.session.Abort()

	// finalize emits status(aborted) then done. With a live cycle the run
	// loop observes the cancel and finalizes itself.
	if !live {
		i.finalize(models.StatusAborted, "")
	}
}

// Terminate forces a terminal state without waiting for the run loop.
func (i *Instance) Terminate(reason string) {
	if reason == "" {
		reason = "Agent terminated"
	}
	i.mu.Lock()
	if i.terminal {
		i.mu.Unlock()
		return
	}
	i.mu.Unlock()

	i.abortCancel()
	i.session.Abort()
	i.finalize(models.StatusTerminated, reason)
}

func (i *Instance) PendingRequests() []models.PendingRequest {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]models.PendingRequest(nil), i.pending...)
}

// Resolve answers pending suspensions. Each resolution records resume data
// on its tool tracker and removes the pending request; when the last request
// drains while the session is waiting, a resume cycle is scheduled. A
// resolution for an unknown or already-answered call id is ignored, and
// resolving after abort or terminate is a no-op.
func (i *Instance) Resolve(resolutions []models.PendingResolution) {
	i.mu.Lock()
	if i.terminal {
		i.mu.Unlock()
		return
	}

	for _, res := range resolutions {
		idx := -1
		for n, req := range i.pending {
			if req.ToolCallID == res.ToolCallID {
				idx = n
				break
			}
		}
		if idx < 0 {
			i.logger.Warn("resolution for unknown pending request", "tool_call_id", res.ToolCallID)
			continue
		}

		tracker := i.trackers[res.ToolCallID]
		if tracker == nil {
			tracker = &toolTracker{}
			i.trackers[res.ToolCallID] = tracker
		}
		tracker.resume = &step.ResumeData{
			StepID:    step.SuspendSentinel(res.ToolCallID),
			Result:    res.Value(),
			Cancelled: res.Cancel,
			Reason:    res.Reason,
		}
		tracker.suspended = nil
		i.pending = append(i.pending[:idx], i.pending[idx+1:]...)
	}

	// The flag survives a lost race with the suspending cycle: if that
	// cycle is still live, its cleanup consumes the flag and reschedules.
	resume := len(i.pending) == 0 && i.status == models.StatusWaiting
	if resume {
		i.resumeQueued = true
	}
	i.mu.Unlock()

	if resume {
		go i.runCycle(true)
	}
}

// ExecuteToolCall implements adapter.ToolHost. It owns tool lookup, schema
// validation, step-context seeding, and suspension recording; the model
// session only relays the call and feeds the outcome back to the model.
func (i *Instance) ExecuteToolCall(ctx context.Context, call adapter.ToolCall, emit func(adapter.Event)) adapter.ToolOutcome {
	outcome := adapter.ToolOutcome{CallID: call.ID, Name: call.Name}

	if i.registry == nil {
		outcome.IsError = true
		outcome.Output = fmt.Sprintf("unknown tool: %s", call.Name)
		return outcome
	}
	tool, ok := i.registry.Get(call.Name)
	if !ok {
		outcome.IsError = true
		outcome.Output = fmt.Sprintf("unknown tool: %s", call.Name)
		return outcome
	}
	if err := i.registry.ValidateInput(call.Name, call.Input); err != nil {
		outcome.IsError = true
		outcome.Output = fmt.Sprintf("invalid input: %v", err)
		return outcome
	}

	i.mu.Lock()
	tracker := i.trackers[call.ID]
	if tracker == nil {
		tracker = &toolTracker{name: call.Name, input: call.Input}
		i.trackers[call.ID] = tracker
	}
	prior := append([]models.CompletedStep(nil), tracker.completed...)
	resume := tracker.resume
	tracker.resume = nil
	i.mu.Unlock()

	stepCtx := step.New(step.Config{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Prior:      prior,
		Resume:     resume,
		Logger:     i.logger,
		Now:        i.clock,
	})

	toolCtx := &tools.Context{
		SessionID: i.id,
		Guidance:  i.guidance,
		Step:      stepCtx,
		EmitProgress: func(progress any) {
			emit(adapter.Event{
				Type:       adapter.EventToolUpdate,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Progress:   progress,
			})
		},
		Logger: i.logger.With("tool", call.Name, "tool_call_id", call.ID),
	}

	result, err := tool.Execute(ctx, call.Input, toolCtx)

	i.mu.Lock()
	tracker.completed = stepCtx.CompletedSteps()
	i.mu.Unlock()

	if err != nil {
		var susp *step.Suspension
		if errors.As(err, &susp) {
			i.mu.Lock()
			tracker.suspended = &models.SuspendedStep{
				StepID:      susp.StepID,
				Request:     susp.Request,
				SuspendedAt: susp.Request.SuspendedAt,
			}
			i.pending = append(i.pending, susp.Request)
			i.mu.Unlock()

			outcome.Suspended = true
			outcome.Request = &susp.Request
			return outcome
		}

		// Duplicate steps, cancelled or timed-out suspensions, and plain
		// tool failures all surface as tool errors; the turn continues.
		outcome.IsError = true
		outcome.Output = err.Error()
		return outcome
	}

	if result.IsError() {
		outcome.IsError = true
		outcome.Output = result.Error
		return outcome
	}

	outcome.Output = result.Output
	if len(result.Details) > 0 {
		outcome.Details = result.Details
	}
	return outcome
}

// Checkpoint snapshots the session without mutating it. Provider and model
// are filled in by the coordinator.
func (i *Instance) Checkpoint() (*models.AgentCheckpoint, error) {
	// Messages() takes the session's own lock; fetch it before ours.
	messages := i.session.Messages()

	i.mu.Lock()
	defer i.mu.Unlock()

	var executions []models.ToolExecutionState
	for callID, tracker := range i.trackers {
		executions = append(executions, models.ToolExecutionState{
			ToolName:       tracker.name,
			ToolCallID:     callID,
			Input:          tracker.input,
			CompletedSteps: append([]models.CompletedStep(nil), tracker.completed...),
			SuspendedStep:  tracker.suspended,
		})
	}
	sort.Slice(executions, func(a, b int) bool {
		return executions[a].ToolCallID < executions[b].ToolCallID
	})

	cp := &models.AgentCheckpoint{
		Timestamp:   i.clock(),
		AdapterName: i.adapterName,
		Session: models.SessionCheckpoint{
			ID:        i.id,
			ParentID:  i.parentID,
			CreatedAt: i.createdAt,
			Tags:      append([]string(nil), i.tags...),
			Metadata:  i.metadata,
			Task:      i.task,
			Metrics:   i.metricsLocked(),
		},
		Guidance: models.GuidanceState{
			GuidancePath: i.guidancePath,
		},
		Messages:       messages,
		ToolExecutions: executions,
	}
	return cp.Clone()
}
