// Package shell provides the shell tool: agent-driven command execution with
// output caps and approval gating for destructive commands.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/usegenii/strand/internal/tools"
)

// DefaultTimeout bounds command execution when the call does not set one.
const DefaultTimeout = 2 * time.Minute

// DefaultMaxOutput caps captured stdout/stderr bytes per stream.
const DefaultMaxOutput = 64000

// destructivePatterns flag commands that require approval before running.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+.*of=`),
	regexp.MustCompile(`\b(shutdown|reboot|halt)\b`),
	regexp.MustCompile(`\bgit\s+push\s+.*(--force|-f)\b`),
	regexp.MustCompile(`\b(truncate|shred)\b`),
	regexp.MustCompile(`\bdrop\s+(table|database)\b`),
}

// Params are the shell tool's arguments.
type Params struct {
	// Command is run through /bin/sh -c.
	Command string `json:"command" jsonschema:"title=Command,description=Shell command to execute"`

	// Cwd is the working directory, relative to the workspace.
	Cwd string `json:"cwd,omitempty" jsonschema:"title=Working directory"`

	// TimeoutSeconds overrides the default execution timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" jsonschema:"title=Timeout in seconds"`
}

// Config parameterizes the tool.
type Config struct {
	// Workspace is the default working directory for commands.
	Workspace string

	// Timeout bounds execution. Defaults to DefaultTimeout.
	Timeout time.Duration

	// MaxOutput caps captured bytes per stream. Defaults to DefaultMaxOutput.
	MaxOutput int

	// RequireApproval forces the approval gate for every command, not just
	// destructive ones.
	RequireApproval bool
}

// Tool runs shell commands on behalf of the agent. Destructive commands
// suspend the session on an approval request; execution itself runs inside a
// durable step so a resolved approval never re-runs a command that already
// completed.
type Tool struct {
	workspace       string
	timeout         time.Duration
	maxOutput       int
	requireApproval bool
}

// New creates a shell tool.
func New(cfg Config) *Tool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &Tool{
		workspace:       cfg.Workspace,
		timeout:         timeout,
		maxOutput:       maxOutput,
		requireApproval: cfg.RequireApproval,
	}
}

func (t *Tool) Name() string { return "shell" }

func (t *Tool) Description() string {
	return "Execute a shell command in the workspace. Destructive commands require operator approval."
}

func (t *Tool) Schema() json.RawMessage { return tools.SchemaOf(Params{}) }

func (t *Tool) Category() string { return "system" }

func (t *Tool) CanSuspend() bool { return true }

// Execute runs the command. The approval gate, when it applies, suspends the
// invocation; on replay the recorded decision is consumed and execution
// proceeds or the call fails as rejected.
func (t *Tool) Execute(ctx context.Context, input json.RawMessage, tc *tools.Context) (*tools.Result, error) {
	var params Params
	if err := json.Unmarshal(input, &params); err != nil {
		return tools.Errorf("invalid arguments: %v", err), nil
	}
	command := strings.TrimSpace(params.Command)
	if command == "" {
		return tools.Errorf("command is required"), nil
	}

	if t.requireApproval || Destructive(command) {
		approved, err := tc.Step.WaitForApproval(map[string]any{
			"action":  "run_command",
			"command": command,
		})
		if err != nil {
			return nil, err
		}
		if !approved {
			return tools.Errorf("command rejected by operator"), nil
		}
	}

	timeout := t.timeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	result, err := tc.Step.Run(ctx, "execute", func(ctx context.Context) (any, error) {
		return t.runCommand(ctx, command, params.Cwd, timeout)
	})
	if err != nil {
		return nil, err
	}

	// A replayed execution yields the JSON-decoded form of the record.
	run, err := decodeRun(result)
	if err != nil {
		return nil, err
	}

	out := run.Stdout
	if run.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += "stderr:\n" + run.Stderr
	}
	details := map[string]any{
		"exit_code":   run.ExitCode,
		"duration_ms": run.DurationMS,
	}
	if run.ExitCode != 0 {
		return &tools.Result{
			Output:  out,
			Details: details,
			Error:   fmt.Sprintf("command exited with code %d", run.ExitCode),
		}, nil
	}
	return &tools.Result{Output: out, Details: details}, nil
}

// runResult is the durable record of one command execution. It is stored as
// a step result, so it must survive a JSON round-trip.
type runResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

func (t *Tool) runCommand(ctx context.Context, command, cwd string, timeout time.Duration) (runResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	switch {
	case cwd != "":
		cmd.Dir = cwd
	case t.workspace != "":
		cmd.Dir = t.workspace
	}

	stdout := newLimitedBuffer(t.maxOutput)
	stderr := newLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := runResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode(err),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return runResult{}, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil && result.ExitCode < 0 {
		return runResult{}, fmt.Errorf("run command: %w", err)
	}
	return result, nil
}

// Destructive reports whether a command matches the approval-gated patterns.
func Destructive(command string) bool {
	lowered := strings.ToLower(command)
	for _, pattern := range destructivePatterns {
		if pattern.MatchString(lowered) {
			return true
		}
	}
	return false
}

// decodeRun converts a step result back to a runResult. Fresh executions
// store the struct directly; replays hand back the JSON-decoded map.
func decodeRun(v any) (runResult, error) {
	if run, ok := v.(runResult); ok {
		return run, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return runResult{}, fmt.Errorf("decode execution record: %w", err)
	}
	var run runResult
	if err := json.Unmarshal(data, &run); err != nil {
		return runResult{}, fmt.Errorf("decode execution record: %w", err)
	}
	return run, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer caps captured output; writes past the cap are dropped.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
