package runtime_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/internal/adapter/harness"
	"github.com/usegenii/strand/internal/runtime"
	"github.com/usegenii/strand/internal/tools"
	"github.com/usegenii/strand/pkg/models"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (echoTool) Execute(ctx context.Context, input json.RawMessage, tc *tools.Context) (*tools.Result, error) {
	return tools.Success(string(input)), nil
}

// approvalTool builds an artifact in a memoized step, then suspends for
// approval before finishing.
type approvalTool struct {
	builds atomic.Int32
}

func (t *approvalTool) Name() string        { return "rm" }
func (t *approvalTool) Description() string { return "removes things, with approval" }
func (t *approvalTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (t *approvalTool) CanSuspend() bool { return true }
func (t *approvalTool) Execute(ctx context.Context, input json.RawMessage, tc *tools.Context) (*tools.Result, error) {
	artifact, err := tc.Step.Run(ctx, "build", func(context.Context) (any, error) {
		t.builds.Add(1)
		return "artifact-7", nil
	})
	if err != nil {
		return nil, err
	}
	approved, err := tc.Step.WaitForApproval(map[string]any{"action": "delete", "artifact": artifact})
	if err != nil {
		return nil, err
	}
	if !approved {
		return tools.Errorf("approval denied"), nil
	}
	return tools.Success(fmt.Sprintf("deleted %v", artifact)), nil
}

// blockTool parks inside Execute until released, so a test can act while a
// turn is mid-flight.
type blockTool struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockTool() *blockTool {
	return &blockTool{entered: make(chan struct{}), release: make(chan struct{})}
}

func (t *blockTool) Name() string        { return "hold" }
func (t *blockTool) Description() string { return "blocks until released" }
func (t *blockTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (t *blockTool) Execute(ctx context.Context, input json.RawMessage, tc *tools.Context) (*tools.Result, error) {
	close(t.entered)
	select {
	case <-t.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return tools.Success("held"), nil
}

func registryWith(t *testing.T, ts ...tools.Tool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range ts {
		if err := reg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func spawn(t *testing.T, a *harness.Adapter, cfg adapter.CreateConfig) *runtime.Handle {
	t.Helper()
	inst, err := a.Create(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	h := runtime.NewHandle(inst)
	h.Start(context.Background())
	return h
}

func collect(t *testing.T, h *runtime.Handle) []models.AgentEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []models.AgentEvent
	for ev := range h.Events(ctx) {
		out = append(out, ev)
	}
	if ctx.Err() != nil {
		t.Fatalf("timed out collecting events; got %d so far", len(out))
	}
	return out
}

func eventTypes(events []models.AgentEvent) []models.AgentEventType {
	out := make([]models.AgentEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func waitStatus(t *testing.T, h *runtime.Handle, want models.AgentStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.Status() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("status = %v, want %v", h.Status(), want)
}

func TestHappyPathEventSequence(t *testing.T) {
	a := harness.New(harness.Turn{Text: "hi"})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "hello"},
	})

	events := collect(t, h)
	want := []models.AgentEventType{
		models.EventStatus, // running (run loop)
		models.EventStatus, // running (agent_start)
		models.EventOutput, // "hi"
		models.EventOutput, // final
		models.EventStatus, // completed
		models.EventDone,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %v, want %v (%v)", i, got[i], want[i], got)
		}
	}

	if events[2].Output.Text != "hi" || events[2].Output.Final {
		t.Errorf("delta = %+v", events[2].Output)
	}
	if events[3].Output.Text != "" || !events[3].Output.Final {
		t.Errorf("final = %+v", events[3].Output)
	}
	if events[4].Status.Status != models.StatusCompleted {
		t.Errorf("terminal status event = %v", events[4].Status.Status)
	}

	done := events[5].Done.Result
	if done.Status != models.StatusCompleted || done.Output != "hi" {
		t.Errorf("result = %+v", done)
	}
	if done.Metrics.Turns != 1 || done.Metrics.ToolCalls != 0 {
		t.Errorf("metrics = %+v", done.Metrics)
	}

	// Sequence numbers are strictly increasing.
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Errorf("sequence not monotone at %d: %d then %d", i, events[i-1].Sequence, events[i].Sequence)
		}
	}
}

func TestToolCallTurn(t *testing.T) {
	a := harness.New(harness.Turn{
		ToolCalls: []adapter.ToolCall{{ID: "T1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}},
		Text:      "done",
	})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "run it"},
		Tools:     registryWith(t, echoTool{}),
	})

	events := collect(t, h)

	var start, end *models.ToolPayload
	for _, ev := range events {
		switch ev.Type {
		case models.EventToolStart:
			start = ev.Tool
		case models.EventToolEnd:
			end = ev.Tool
		}
	}
	if start == nil || end == nil {
		t.Fatalf("missing tool events in %v", eventTypes(events))
	}
	if start.CallID != "T1" || start.Name != "echo" || string(start.Input) != `{"x":1}` {
		t.Errorf("tool start = %+v", start)
	}
	if end.CallID != "T1" || end.Error != "" || end.Output != `{"x":1}` {
		t.Errorf("tool end = %+v", end)
	}
	if end.ElapsedMS < 0 {
		t.Errorf("elapsed = %d", end.ElapsedMS)
	}

	done := events[len(events)-1].Done.Result
	if done.Metrics.ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", done.Metrics.ToolCalls)
	}
}

func TestUnknownToolFailsCallNotSession(t *testing.T) {
	a := harness.New(harness.Turn{
		ToolCalls: []adapter.ToolCall{{ID: "T1", Name: "missing", Input: json.RawMessage(`{}`)}},
		Text:      "carried on",
	})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "go"},
		Tools:     registryWith(t, echoTool{}),
	})

	events := collect(t, h)
	var end *models.ToolPayload
	for _, ev := range events {
		if ev.Type == models.EventToolEnd {
			end = ev.Tool
		}
	}
	if end == nil || end.Error == "" {
		t.Fatalf("expected tool error, got %+v", end)
	}
	if got := events[len(events)-1].Done.Result.Status; got != models.StatusCompleted {
		t.Errorf("session status = %v, want completed", got)
	}
}

func TestSuspensionAndResume(t *testing.T) {
	tool := &approvalTool{}
	a := harness.New(harness.Turn{
		ToolCalls: []adapter.ToolCall{{ID: "T1", Name: "rm", Input: json.RawMessage(`{}`)}},
		Text:      "all cleaned up",
	})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "clean up"},
		Tools:     registryWith(t, tool),
	})

	waitStatus(t, h, models.StatusWaiting)

	pending := h.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %v", pending)
	}
	req := pending[0]
	if req.ToolCallID != "T1" || req.ToolName != "rm" || req.Kind != models.SuspendApproval {
		t.Errorf("request = %+v", req)
	}
	if tool.builds.Load() != 1 {
		t.Fatalf("builds = %d, want 1", tool.builds.Load())
	}

	approved := true
	h.Resolve([]models.PendingResolution{{ToolCallID: "T1", Approved: &approved}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != models.StatusCompleted || result.Output != "all cleaned up" {
		t.Errorf("result = %+v", result)
	}
	// The memoized build step must not re-run on replay.
	if tool.builds.Load() != 1 {
		t.Errorf("builds = %d after replay, want 1", tool.builds.Load())
	}
	if len(h.Pending()) != 0 {
		t.Errorf("pending not drained: %v", h.Pending())
	}
}

func TestCancelledSuspensionIsToolError(t *testing.T) {
	tool := &approvalTool{}
	a := harness.New(harness.Turn{
		ToolCalls: []adapter.ToolCall{{ID: "T1", Name: "rm", Input: json.RawMessage(`{}`)}},
		Text:      "moving on",
	})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "clean up"},
		Tools:     registryWith(t, tool),
	})

	waitStatus(t, h, models.StatusWaiting)
	h.Resolve([]models.PendingResolution{{ToolCallID: "T1", Cancel: true, Reason: "changed my mind"}})

	events := collect(t, h)
	var end *models.ToolPayload
	for _, ev := range events {
		if ev.Type == models.EventToolEnd && ev.Tool.CallID == "T1" {
			end = ev.Tool
		}
	}
	if end == nil || end.Error == "" {
		t.Fatalf("expected cancelled tool error, got %+v", end)
	}
	if got := events[len(events)-1].Done.Result.Status; got != models.StatusCompleted {
		t.Errorf("session status = %v, want completed", got)
	}
}

func TestAdapterErrorFailsSession(t *testing.T) {
	a := harness.New(harness.Turn{FailWith: "model exploded"})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "hello"},
	})

	events := collect(t, h)
	var errEv *models.ErrorPayload
	for _, ev := range events {
		if ev.Type == models.EventError {
			errEv = ev.Error
		}
	}
	if errEv == nil || !errEv.Fatal || errEv.Message != "model exploded" {
		t.Fatalf("error event = %+v", errEv)
	}
	done := events[len(events)-1].Done.Result
	if done.Status != models.StatusFailed || done.Error != "model exploded" {
		t.Errorf("result = %+v", done)
	}
}

func TestTerminateSynthesizesDone(t *testing.T) {
	a := harness.New()
	inst, err := a.Create(context.Background(), adapter.CreateConfig{SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	h := runtime.NewHandle(inst)
	h.Terminate("operator shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != models.StatusTerminated || result.Error != "operator shutdown" {
		t.Errorf("result = %+v", result)
	}
	if h.Status() != models.StatusTerminated {
		t.Errorf("status = %v", h.Status())
	}
}

func TestAbortThenResolveIsNoOp(t *testing.T) {
	tool := &approvalTool{}
	a := harness.New(harness.Turn{
		ToolCalls: []adapter.ToolCall{{ID: "T1", Name: "rm", Input: json.RawMessage(`{}`)}},
	})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "clean up"},
		Tools:     registryWith(t, tool),
	})

	waitStatus(t, h, models.StatusWaiting)
	h.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != models.StatusAborted {
		t.Errorf("result = %+v", result)
	}

	// Resolving after abort must not panic or revive the session.
	approved := true
	h.Resolve([]models.PendingResolution{{ToolCallID: "T1", Approved: &approved}})
	if h.Status() != models.StatusAborted {
		t.Errorf("status = %v after post-abort resolve", h.Status())
	}
}

func TestSendWhileWaitingQueuesForNextCycle(t *testing.T) {
	tool := &approvalTool{}
	a := harness.New(harness.Turn{
		ToolCalls: []adapter.ToolCall{{ID: "T1", Name: "rm", Input: json.RawMessage(`{}`)}},
		Text:      "cleaned",
	})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "clean up"},
		Tools:     registryWith(t, tool),
	})

	waitStatus(t, h, models.StatusWaiting)
	h.Send(models.AgentInput{Message: "and then report"})

	approved := true
	h.Resolve([]models.PendingResolution{{ToolCallID: "T1", Approved: &approved}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// The queued input runs as a follow-up turn once the resumed turn
	// completes; the exhausted script echoes it.
	if result.Output != "echo: and then report" {
		t.Errorf("output = %q", result.Output)
	}
	if result.Metrics.Turns != 2 {
		t.Errorf("turns = %d, want 2", result.Metrics.Turns)
	}
}

// A subscriber may answer a suspension synchronously from the suspended
// event handler, which runs on the suspending cycle's goroutine while that
// cycle is still unwinding. The resume must not be lost.
func TestResolveFromSuspendedEventHandler(t *testing.T) {
	tool := &approvalTool{}
	a := harness.New(harness.Turn{
		ToolCalls: []adapter.ToolCall{{ID: "T1", Name: "rm", Input: json.RawMessage(`{}`)}},
		Text:      "all cleaned up",
	})
	inst, err := a.Create(context.Background(), adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "clean up"},
		Tools:     registryWith(t, tool),
	})
	if err != nil {
		t.Fatal(err)
	}
	h := runtime.NewHandle(inst)

	approved := true
	cancel := h.Subscribe(func(ev models.AgentEvent) {
		if ev.Type == models.EventSuspended {
			h.Resolve([]models.PendingResolution{{ToolCallID: "T1", Approved: &approved}})
		}
	})
	defer cancel()

	h.Start(context.Background())

	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != models.StatusCompleted || result.Output != "all cleaned up" {
		t.Errorf("result = %+v", result)
	}
	if len(h.Pending()) != 0 {
		t.Errorf("pending not drained: %v", h.Pending())
	}
}

func TestCheckpointDuringLiveTurn(t *testing.T) {
	calls := make([]adapter.ToolCall, 0, 16)
	for n := 0; n < 16; n++ {
		calls = append(calls, adapter.ToolCall{
			ID:    fmt.Sprintf("T%d", n),
			Name:  "echo",
			Input: json.RawMessage(`{}`),
		})
	}
	a := harness.New(harness.Turn{ToolCalls: calls, Text: "done"})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "go"},
		Tools:     registryWith(t, echoTool{}),
	})

	// Checkpoint is safe in any state; hammer it while the turn streams tool
	// events and bumps the run counters.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := h.Checkpoint(); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if result.Metrics.ToolCalls != 16 {
		t.Errorf("tool calls = %d, want 16", result.Metrics.ToolCalls)
	}
}

func TestReplayedToolCallCountedOnce(t *testing.T) {
	tool := &approvalTool{}
	a := harness.New(harness.Turn{
		ToolCalls: []adapter.ToolCall{{ID: "T1", Name: "rm", Input: json.RawMessage(`{}`)}},
		Text:      "cleaned",
	})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "clean up"},
		Tools:     registryWith(t, tool),
	})

	waitStatus(t, h, models.StatusWaiting)
	approved := true
	h.Resolve([]models.PendingResolution{{ToolCallID: "T1", Approved: &approved}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// The resumed turn re-announces T1; one logical call, counted once.
	if result.Metrics.ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", result.Metrics.ToolCalls)
	}
}

func TestPauseHoldsEventsAndQueuesSend(t *testing.T) {
	tool := newBlockTool()
	a := harness.New(harness.Turn{
		ToolCalls: []adapter.ToolCall{{ID: "T1", Name: "hold", Input: json.RawMessage(`{}`)}},
		Text:      "after the hold",
	})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "start"},
		Tools:     registryWith(t, tool),
	})

	select {
	case <-tool.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	var mu sync.Mutex
	var seen []models.AgentEvent
	pausedCh := make(chan struct{}, 1)
	cancel := h.Subscribe(func(ev models.AgentEvent) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		if ev.Type == models.EventStatus && ev.Status.Status == models.StatusPaused {
			select {
			case pausedCh <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	h.Pause()
	if got := h.Status(); got != models.StatusPaused {
		t.Fatalf("status = %v, want paused", got)
	}

	// Queued, not steered: the message runs as its own turn after unpause.
	h.Send(models.AgentInput{Message: "while paused"})

	// The model request was not cancelled; the rest of the turn streams once
	// the tool returns, and the run loop parks at the gate.
	close(tool.release)
	select {
	case <-pausedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop never reached the pause gate")
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	for _, ev := range seen {
		if ev.Type == models.EventOutput {
			mu.Unlock()
			t.Fatalf("output %q leaked during pause", ev.Output.Text)
		}
	}
	mu.Unlock()

	h.Resume()
	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != models.StatusCompleted || result.Output != "echo: while paused" {
		t.Errorf("result = %+v", result)
	}
	if result.Metrics.Turns != 2 {
		t.Errorf("turns = %d, want 2", result.Metrics.Turns)
	}

	// The gap is bracketed: status(paused), then status(running), with no
	// events in between.
	mu.Lock()
	defer mu.Unlock()
	pausedIdx, runningIdx := -1, -1
	for i, ev := range seen {
		if ev.Type != models.EventStatus {
			continue
		}
		switch ev.Status.Status {
		case models.StatusPaused:
			pausedIdx = i
		case models.StatusRunning:
			if pausedIdx >= 0 && runningIdx < 0 {
				runningIdx = i
			}
		}
	}
	if pausedIdx < 0 || runningIdx < 0 {
		t.Fatalf("missing pause bracket in %v", eventTypes(seen))
	}
	for _, ev := range seen[pausedIdx+1 : runningIdx] {
		t.Errorf("event %v emitted inside the pause gap", ev.Type)
	}
}

func TestCheckpointRestoreResumesSuspension(t *testing.T) {
	tool := &approvalTool{}
	reg := registryWith(t, tool)
	a := harness.New(harness.Turn{
		ToolCalls: []adapter.ToolCall{{ID: "T1", Name: "rm", Input: json.RawMessage(`{}`)}},
		Text:      "finished",
	})
	h := spawn(t, a, adapter.CreateConfig{
		SessionID: "sess-1",
		Input:     models.AgentInput{Message: "clean up"},
		Tools:     reg,
	})
	waitStatus(t, h, models.StatusWaiting)

	cp, err := h.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if cp.Session.ID != "sess-1" {
		t.Errorf("checkpoint id = %q", cp.Session.ID)
	}
	if len(cp.ToolExecutions) != 1 {
		t.Fatalf("tool executions = %+v", cp.ToolExecutions)
	}
	te := cp.ToolExecutions[0]
	if te.SuspendedStep == nil || te.SuspendedStep.Request.Kind != models.SuspendApproval {
		t.Fatalf("suspended step = %+v", te.SuspendedStep)
	}
	if len(te.CompletedSteps) != 1 || te.CompletedSteps[0].StepID != "build" {
		t.Fatalf("completed steps = %+v", te.CompletedSteps)
	}

	// Abandon the first instance and restore a second from the checkpoint.
	// The restored session lost its in-flight turn, so the fresh adapter
	// scripts the continuation the model would generate after the tool result.
	h.Terminate("migrating")

	a2 := harness.New(harness.Turn{Text: "finished"})
	inst2, err := a2.Restore(context.Background(), cp, adapter.CreateConfig{Tools: reg})
	if err != nil {
		t.Fatal(err)
	}
	h2 := runtime.NewHandle(inst2)

	if h2.ID() != "sess-1" {
		t.Errorf("restored id = %q", h2.ID())
	}
	if len(h2.Pending()) != 1 {
		t.Fatalf("restored pending = %v", h2.Pending())
	}

	approved := true
	h2.Resolve([]models.PendingResolution{{ToolCallID: "T1", Approved: &approved}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h2.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != models.StatusCompleted || result.Output != "finished" {
		t.Errorf("result = %+v", result)
	}
	// The build step replayed from the checkpoint record, not by running.
	if tool.builds.Load() != 1 {
		t.Errorf("builds = %d, want 1", tool.builds.Load())
	}
}
