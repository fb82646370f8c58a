// Package anthropic adapts Claude models to the session runtime. Sessions
// stream over the official SDK, run the tool loop against the runtime's tool
// host, and report stop reasons the run loop understands.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/internal/codec"
	"github.com/usegenii/strand/internal/guidance"
	"github.com/usegenii/strand/internal/runtime"
	"github.com/usegenii/strand/pkg/models"
)

// DefaultModel is used when the config does not name one.
const DefaultModel = "claude-sonnet-4-20250514"

// defaultMaxTokens caps generation when the config does not set a limit.
const defaultMaxTokens = 4096

// Config parameterizes the adapter.
type Config struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies.
	BaseURL string

	// Model is the Claude model id. Defaults to DefaultModel.
	Model string

	// MaxTokens caps tokens per model response. Defaults to 4096.
	MaxTokens int

	// MaxRetries bounds retries of failed stream creation. Defaults to 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Defaults to one second.
	RetryDelay time.Duration

	// ThinkingBudget enables extended thinking with this token budget when
	// positive.
	ThinkingBudget int

	Logger *slog.Logger
}

// Adapter creates Claude-backed session instances.
type Adapter struct {
	client     sdk.Client
	model      string
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
	thinking   int
	logger     *slog.Logger
}

// New creates an Anthropic adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &Adapter{
		client:     sdk.NewClient(options...),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		thinking:   cfg.ThinkingBudget,
		logger:     logger.With("adapter", "anthropic"),
	}, nil
}

func (a *Adapter) Name() string          { return "anthropic" }
func (a *Adapter) ModelProvider() string { return "anthropic" }
func (a *Adapter) ModelName() string     { return a.model }

// Create builds a fresh Claude-backed instance.
func (a *Adapter) Create(ctx context.Context, cfg adapter.CreateConfig) (adapter.Instance, error) {
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
			return newSession(a, host, cfg, nil, nil)
		},
	})
	return inst, nil
}

// Restore rebuilds an instance from a checkpoint. The conversation and any
// suspended tool calls are rehydrated; the suspended calls replay on the
// first resume cycle.
func (a *Adapter) Restore(ctx context.Context, cp *models.AgentCheckpoint, cfg adapter.CreateConfig) (adapter.Instance, error) {
	record := append([]models.CheckpointMessage(nil), cp.Messages...)
	if cfg.ContextInjection != nil {
		record = append(record, cfg.ContextInjection.ResumeMessages...)
	}
	if _, err := codec.ToAnthropic(record); err != nil {
		return nil, fmt.Errorf("anthropic: restore conversation: %w", err)
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
			return newSession(a, host, cfg, record, suspended)
		},
	})
	return inst, nil
}

// systemPrompt assembles the session's system prompt from the guidance
// bundle, injected context, the task, and loaded skills.
func systemPrompt(cfg adapter.CreateConfig) string {
	var parts []string
	if cfg.Guidance != nil {
		if doc := cfg.Guidance.Document(guidance.SystemDocument); doc != "" {
			parts = append(parts, doc)
		}
	}
	if cfg.ContextInjection != nil && cfg.ContextInjection.SystemContext != "" {
		parts = append(parts, cfg.ContextInjection.SystemContext)
	}
	if cfg.Task != "" {
		parts = append(parts, "Current task: "+cfg.Task)
	}
	for _, skill := range cfg.Skills {
		parts = append(parts, "## Skill: "+skill.Name+"\n\n"+skill.Content)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// isRetryable reports whether a stream-creation error is worth retrying:
// rate limits, server errors, timeouts, and connection failures.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
