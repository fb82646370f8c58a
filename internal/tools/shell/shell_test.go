package shell

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/usegenii/strand/internal/step"
	"github.com/usegenii/strand/internal/tools"
)

func toolContext(resume *step.ResumeData) *tools.Context {
	return &tools.Context{
		SessionID: "sess-1",
		Step: step.New(step.Config{
			ToolCallID: "call-1",
			ToolName:   "shell",
			Resume:     resume,
		}),
	}
}

func execute(t *testing.T, tool *Tool, params Params, resume *step.ResumeData) (*tools.Result, error) {
	t.Helper()
	input, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return tool.Execute(context.Background(), input, toolContext(resume))
}

func TestDestructive(t *testing.T) {
	cases := []struct {
		command string
		want    bool
	}{
		{"ls -la", false},
		{"echo hello", false},
		{"rm -rf /tmp/scratch", true},
		{"sudo apt install jq", true},
		{"git push --force origin main", true},
		{"git push origin main", false},
		{"dd if=/dev/zero of=/dev/sda", true},
		{"shutdown now", true},
		{"grep -r shutdown docs/", true},
	}
	for _, tc := range cases {
		if got := Destructive(tc.command); got != tc.want {
			t.Errorf("Destructive(%q) = %v, want %v", tc.command, got, tc.want)
		}
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	tool := New(Config{Workspace: t.TempDir()})

	result, err := execute(t, tool, Params{Command: "echo hello"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError() {
		t.Fatalf("unexpected error result: %s", result.Error)
	}
	if got := strings.TrimSpace(result.Output); got != "hello" {
		t.Errorf("output = %q, want %q", got, "hello")
	}
	if code, ok := result.Details["exit_code"].(int); !ok || code != 0 {
		t.Errorf("exit_code = %v, want 0", result.Details["exit_code"])
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	tool := New(Config{Workspace: t.TempDir()})

	result, err := execute(t, tool, Params{Command: "echo oops >&2; exit 3"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError() {
		t.Fatal("expected error result for non-zero exit")
	}
	if !strings.Contains(result.Error, "code 3") {
		t.Errorf("error = %q, want exit code 3 mentioned", result.Error)
	}
	if !strings.Contains(result.Output, "oops") {
		t.Errorf("output = %q, want stderr captured", result.Output)
	}
}

func TestExecuteEmptyCommand(t *testing.T) {
	tool := New(Config{})

	result, err := execute(t, tool, Params{Command: "   "}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError() {
		t.Fatal("expected error result for empty command")
	}
}

func TestDestructiveCommandSuspends(t *testing.T) {
	tool := New(Config{Workspace: t.TempDir()})

	_, err := execute(t, tool, Params{Command: "rm -rf scratch"}, nil)
	var susp *step.Suspension
	if !errors.As(err, &susp) {
		t.Fatalf("expected suspension, got %v", err)
	}
	if susp.Request.Kind != "approval" {
		t.Errorf("suspension kind = %q, want approval", susp.Request.Kind)
	}
	if got := susp.Request.Payload["command"]; got != "rm -rf scratch" {
		t.Errorf("payload command = %v, want the command", got)
	}
}

func TestApprovedCommandRuns(t *testing.T) {
	dir := t.TempDir()
	tool := New(Config{Workspace: dir})

	resume := &step.ResumeData{StepID: step.SuspendSentinel("call-1"), Result: true}
	result, err := execute(t, tool, Params{Command: "rm -rf scratch; echo cleaned"}, resume)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError() {
		t.Fatalf("unexpected error result: %s", result.Error)
	}
	if got := strings.TrimSpace(result.Output); got != "cleaned" {
		t.Errorf("output = %q, want %q", got, "cleaned")
	}
}

func TestRejectedCommandFails(t *testing.T) {
	tool := New(Config{Workspace: t.TempDir()})

	resume := &step.ResumeData{StepID: step.SuspendSentinel("call-1"), Result: false}
	result, err := execute(t, tool, Params{Command: "rm -rf scratch"}, resume)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError() {
		t.Fatal("expected error result for rejected command")
	}
	if !strings.Contains(result.Error, "rejected") {
		t.Errorf("error = %q, want rejection message", result.Error)
	}
}

func TestRequireApprovalGatesEverything(t *testing.T) {
	tool := New(Config{RequireApproval: true})

	_, err := execute(t, tool, Params{Command: "echo hi"}, nil)
	var susp *step.Suspension
	if !errors.As(err, &susp) {
		t.Fatalf("expected suspension, got %v", err)
	}
}

func TestOutputCapped(t *testing.T) {
	tool := New(Config{MaxOutput: 16})

	result, err := execute(t, tool, Params{Command: "yes x | head -c 1000"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Output) > 32 {
		t.Errorf("output length = %d, want capped near 16", len(result.Output))
	}
}
