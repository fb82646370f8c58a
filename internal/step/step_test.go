package step

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/usegenii/strand/pkg/models"
)

func TestRunExecutesOnceAndRecords(t *testing.T) {
	sc := New(Config{ToolCallID: "T1", ToolName: "echo"})

	calls := 0
	result, err := sc.Run(context.Background(), "fetch", func(ctx context.Context) (any, error) {
		calls++
		return "data", nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "data" || calls != 1 {
		t.Errorf("result = %v, calls = %d; want data, 1", result, calls)
	}

	steps := sc.CompletedSteps()
	if len(steps) != 1 || steps[0].StepID != "fetch" || steps[0].Result != "data" {
		t.Errorf("CompletedSteps = %+v", steps)
	}
}

func TestRunMemoizesPriorSteps(t *testing.T) {
	prior := []models.CompletedStep{{StepID: "fetch", Result: "cached", CompletedAt: time.Now()}}
	sc := New(Config{ToolCallID: "T1", ToolName: "echo", Prior: prior})

	called := false
	result, err := sc.Run(context.Background(), "fetch", func(ctx context.Context) (any, error) {
		called = true
		return "fresh", nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if called {
		t.Error("fn was invoked for a memoized step")
	}
	if result != "cached" {
		t.Errorf("result = %v, want cached", result)
	}
}

func TestRunDuplicateStepFails(t *testing.T) {
	sc := New(Config{ToolCallID: "T1", ToolName: "echo"})

	fn := func(ctx context.Context) (any, error) { return 1, nil }
	if _, err := sc.Run(context.Background(), "s", fn); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	_, err := sc.Run(context.Background(), "s", fn)

	var dup *DuplicateStepError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateStepError", err)
	}
	if dup.StepID != "s" {
		t.Errorf("StepID = %q, want s", dup.StepID)
	}
}

func TestRunPropagatesErrorsWithoutRecording(t *testing.T) {
	sc := New(Config{ToolCallID: "T1", ToolName: "echo"})

	boom := errors.New("boom")
	_, err := sc.Run(context.Background(), "s", func(ctx context.Context) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(sc.CompletedSteps()) != 0 {
		t.Errorf("failed step was recorded: %+v", sc.CompletedSteps())
	}
}

func TestWaitForApprovalRaisesSuspension(t *testing.T) {
	var suspended *models.PendingRequest
	sc := New(Config{
		ToolCallID: "T1",
		ToolName:   "rm",
		OnEvent: func(e Event) {
			if e.Kind == EventSuspend {
				suspended = e.Request
			}
		},
	})

	_, err := sc.WaitForApproval(map[string]any{"action": "delete"})

	var s *Suspension
	if !errors.As(err, &s) {
		t.Fatalf("err = %v, want Suspension", err)
	}
	if s.StepID != "T1:suspended" {
		t.Errorf("StepID = %q, want T1:suspended", s.StepID)
	}
	if s.Request.Kind != models.SuspendApproval || s.Request.ToolCallID != "T1" {
		t.Errorf("request = %+v", s.Request)
	}
	if suspended == nil {
		t.Error("suspend event was not emitted")
	}
}

func TestResumedApprovalReturnsValue(t *testing.T) {
	sc := New(Config{
		ToolCallID: "T1",
		ToolName:   "rm",
		Resume:     &ResumeData{StepID: "T1:suspended", Result: true},
	})

	approved, err := sc.WaitForApproval(map[string]any{"action": "delete"})
	if err != nil {
		t.Fatalf("WaitForApproval: %v", err)
	}
	if !approved {
		t.Error("approved = false, want true")
	}

	steps := sc.CompletedSteps()
	if len(steps) != 1 || steps[0].StepID != "T1:suspended" {
		t.Errorf("CompletedSteps = %+v", steps)
	}
}

func TestCancelledResumeFailsSuspendedCall(t *testing.T) {
	sc := New(Config{
		ToolCallID: "T1",
		ToolName:   "rm",
		Resume:     &ResumeData{StepID: "T1:suspended", Cancelled: true, Reason: "operator said no"},
	})

	_, err := sc.WaitForApproval(map[string]any{"action": "delete"})

	var cancelled *CancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("err = %v, want CancelledError", err)
	}
	if cancelled.Reason != "operator said no" {
		t.Errorf("Reason = %q", cancelled.Reason)
	}
}

func TestTimedOutResumeFailsSuspendedCall(t *testing.T) {
	sc := New(Config{
		ToolCallID: "T1",
		ToolName:   "poll",
		Resume:     &ResumeData{StepID: "T1:suspended", Cancelled: true, TimedOut: true},
	})

	_, err := sc.WaitForEvent("deploy-finished", nil)

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
}

func TestReplayAfterResolutionMemoizesEverything(t *testing.T) {
	// Run 1: a step completes, then the tool suspends.
	run1 := New(Config{ToolCallID: "T1", ToolName: "deploy"})
	if _, err := run1.Run(context.Background(), "build", func(ctx context.Context) (any, error) {
		return "artifact-7", nil
	}); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := run1.WaitForApproval(map[string]any{"action": "deploy"}); err == nil {
		t.Fatal("expected suspension")
	}

	// Run 2: prior steps plus the resolution; nothing re-executes.
	calls := 0
	run2 := New(Config{
		ToolCallID: "T1",
		ToolName:   "deploy",
		Prior:      run1.CompletedSteps(),
		Resume:     &ResumeData{StepID: "T1:suspended", Result: true},
	})
	v, err := run2.Run(context.Background(), "build", func(ctx context.Context) (any, error) {
		calls++
		return "artifact-8", nil
	})
	if err != nil || v != "artifact-7" || calls != 0 {
		t.Fatalf("replayed build = (%v, %v), calls = %d", v, err, calls)
	}
	approved, err := run2.WaitForApproval(map[string]any{"action": "deploy"})
	if err != nil || !approved {
		t.Fatalf("replayed approval = (%v, %v)", approved, err)
	}
}

func TestSleepSuspendsWithDuration(t *testing.T) {
	sc := New(Config{ToolCallID: "T1", ToolName: "timer"})

	err := sc.Sleep(90 * time.Second)

	var s *Suspension
	if !errors.As(err, &s) {
		t.Fatalf("err = %v, want Suspension", err)
	}
	if s.Request.Kind != models.SuspendSleep {
		t.Errorf("Kind = %q, want sleep", s.Request.Kind)
	}
	if ms, ok := s.Request.Payload["duration_ms"].(int64); !ok || ms != 90_000 {
		t.Errorf("duration_ms = %v", s.Request.Payload["duration_ms"])
	}
}
