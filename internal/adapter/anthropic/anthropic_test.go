package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/internal/guidance"
	"github.com/usegenii/strand/internal/tools"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNewDefaults(t *testing.T) {
	a, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.model != DefaultModel {
		t.Errorf("model = %q, want %q", a.model, DefaultModel)
	}
	if a.maxTokens != defaultMaxTokens {
		t.Errorf("maxTokens = %d, want %d", a.maxTokens, defaultMaxTokens)
	}
	if a.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", a.maxRetries)
	}
	if a.retryDelay != time.Second {
		t.Errorf("retryDelay = %v, want 1s", a.retryDelay)
	}
	if a.Name() != "anthropic" || a.ModelProvider() != "anthropic" {
		t.Errorf("identity = %q/%q", a.Name(), a.ModelProvider())
	}
	if a.ModelName() != DefaultModel {
		t.Errorf("ModelName = %q, want %q", a.ModelName(), DefaultModel)
	}
}

type stubGuidance struct {
	docs map[string]string
}

func (g stubGuidance) Path() string { return "/tmp/guidance" }

func (g stubGuidance) Document(name string) string { return g.docs[name] }

func TestSystemPromptAssembly(t *testing.T) {
	cfg := adapter.CreateConfig{
		Guidance: stubGuidance{docs: map[string]string{
			guidance.SystemDocument: "Be careful.",
		}},
		Task: "fix the build",
		Skills: []guidance.Skill{
			{Name: "triage", Content: "Read the failing test first."},
		},
		ContextInjection: &adapter.ContextInjection{
			SystemContext: "Current time: noon",
		},
	}

	got := systemPrompt(cfg)
	want := "Be careful." +
		"\n\n---\n\n" + "Current time: noon" +
		"\n\n---\n\n" + "Current task: fix the build" +
		"\n\n---\n\n" + "## Skill: triage\n\nRead the failing test first."
	if got != want {
		t.Errorf("systemPrompt = %q, want %q", got, want)
	}
}

func TestSystemPromptEmpty(t *testing.T) {
	if got := systemPrompt(adapter.CreateConfig{}); got != "" {
		t.Errorf("systemPrompt = %q, want empty", got)
	}
}

func TestSystemPromptTaskOnly(t *testing.T) {
	got := systemPrompt(adapter.CreateConfig{Task: "say hi"})
	if got != "Current task: say hi" {
		t.Errorf("systemPrompt = %q", got)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("rate_limit_error: slow down"), true},
		{errors.New("429 too many requests"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("invalid_request_error: bad schema"), false},
		{errors.New("401 unauthorized"), false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Repeats its input." }

func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}

func (echoTool) Execute(ctx context.Context, input json.RawMessage, tc *tools.Context) (*tools.Result, error) {
	return tools.Success(string(input)), nil
}

type badSchemaTool struct{ echoTool }

func (badSchemaTool) Name() string { return "broken" }

func (badSchemaTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":`)
}

func TestConvertTools(t *testing.T) {
	params, err := convertTools([]tools.Tool{echoTool{}})
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(params) != 1 {
		t.Fatalf("len(params) = %d, want 1", len(params))
	}
	tool := params[0].OfTool
	if tool == nil {
		t.Fatal("OfTool is nil")
	}
	if tool.Name != "echo" {
		t.Errorf("Name = %q, want echo", tool.Name)
	}
	if tool.Description.Value != "Repeats its input." {
		t.Errorf("Description = %q", tool.Description.Value)
	}
}

func TestConvertToolsRejectsBadSchema(t *testing.T) {
	_, err := convertTools([]tools.Tool{badSchemaTool{}})
	if err == nil {
		t.Fatal("expected error for malformed schema")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error %q should name the tool", err)
	}
}
