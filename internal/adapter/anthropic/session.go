package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/internal/codec"
	"github.com/usegenii/strand/internal/tools"
	"github.com/usegenii/strand/pkg/models"
)

// maxLoopIterations bounds the tool loop when no explicit turn limit is set.
const maxLoopIterations = 50

// session is one Claude conversation. The provider-agnostic record is
// authoritative; the wire format is derived from it on every request.
type session struct {
	adapter  *Adapter
	host     adapter.ToolHost
	system   string
	registry *tools.Registry
	maxLoops int

	mu         sync.Mutex
	record     []models.CheckpointMessage
	suspended  []adapter.ToolCall
	followups  []string
	stopReason string
	stopError  string
}

func newSession(a *Adapter, host adapter.ToolHost, cfg adapter.CreateConfig, restored []models.CheckpointMessage, suspended []adapter.ToolCall) *session {
	maxLoops := cfg.Limits.MaxTurns
	if maxLoops <= 0 {
		maxLoops = maxLoopIterations
	}
	return &session{
		adapter:   a,
		host:      host,
		system:    systemPrompt(cfg),
		registry:  cfg.Tools,
		maxLoops:  maxLoops,
		record:    restored,
		suspended: suspended,
	}
}

func (s *session) Prompt(ctx context.Context, message string) (<-chan adapter.Event, error) {
	if message != "" {
		s.appendRecord(models.CheckpointMessage{
			Role:      models.RoleUser,
			Content:   []models.Part{models.TextPart(message)},
			Timestamp: time.Now(),
		})
	}
	ch := make(chan adapter.Event, 64)
	go s.run(ctx, ch, nil)
	return ch, nil
}

func (s *session) Resume(ctx context.Context) (<-chan adapter.Event, error) {
	s.mu.Lock()
	replay := s.suspended
	s.suspended = nil
	s.mu.Unlock()

	ch := make(chan adapter.Event, 64)
	go s.run(ctx, ch, replay)
	return ch, nil
}

// run drives the tool loop for one logical turn: execute any replayed tool
// calls, stream a model response, execute its tool calls, and repeat until
// the model stops calling tools, the session suspends, or something fails.
func (s *session) run(ctx context.Context, ch chan<- adapter.Event, replay []adapter.ToolCall) {
	defer close(ch)

	emit := func(ev adapter.Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(adapter.Event{Type: adapter.EventAgentStart}) {
		s.setStop("aborted", "")
		return
	}

	pending := replay
	for iteration := 0; ; iteration++ {
		if len(pending) > 0 {
			if !s.executeCalls(ctx, pending, emit) {
				return
			}
			pending = nil
		}

		s.drainFollowups()

		if iteration >= s.maxLoops {
			s.setStop("error", fmt.Sprintf("tool loop exceeded %d iterations", s.maxLoops))
			emit(adapter.Event{Type: adapter.EventAgentEnd})
			return
		}

		turn, err := s.streamTurn(ctx, emit)
		if err != nil {
			if ctx.Err() != nil {
				s.setStop("aborted", "")
			} else {
				s.setStop("error", err.Error())
			}
			emit(adapter.Event{Type: adapter.EventAgentEnd})
			return
		}

		if len(turn.toolCalls) == 0 {
			s.setStop("end_turn", "")
			emit(adapter.Event{Type: adapter.EventTurnEnd})
			emit(adapter.Event{Type: adapter.EventAgentEnd})
			return
		}
		pending = turn.toolCalls
	}
}

// executeCalls runs tool calls through the host in order. A suspension parks
// the suspended call and everything after it for the next resume and ends
// the turn; it reports false when the turn is over.
func (s *session) executeCalls(ctx context.Context, calls []adapter.ToolCall, emit func(adapter.Event) bool) bool {
	for idx, call := range calls {
		if ctx.Err() != nil {
			s.setStop("aborted", "")
			return false
		}
		if !emit(adapter.Event{
			Type:       adapter.EventToolStart,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Input:      call.Input,
		}) {
			s.setStop("aborted", "")
			return false
		}

		outcome := s.host.ExecuteToolCall(ctx, call, func(ev adapter.Event) { emit(ev) })

		if outcome.Suspended {
			s.mu.Lock()
			s.suspended = append([]adapter.ToolCall(nil), calls[idx:]...)
			s.mu.Unlock()
			s.setStop("suspended", "")
			emit(adapter.Event{Type: adapter.EventAgentEnd})
			return false
		}

		s.appendRecord(models.CheckpointMessage{
			Role:       models.RoleToolResult,
			Content:    []models.Part{models.TextPart(outcome.Output)},
			ToolCallID: call.ID,
			ToolName:   call.Name,
			IsError:    outcome.IsError,
			Timestamp:  time.Now(),
		})

		ev := adapter.Event{
			Type:       adapter.EventToolEnd,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			IsError:    outcome.IsError,
		}
		if outcome.IsError {
			ev.Error = outcome.Output
		} else {
			ev.Output = outcome.Output
		}
		if !emit(ev) {
			s.setStop("aborted", "")
			return false
		}
	}
	return true
}

// assistantTurn is what one model response produced.
type assistantTurn struct {
	toolCalls []adapter.ToolCall
}

// streamTurn makes one streaming model request, emitting deltas as they
// arrive and recording the assistant message. Stream-creation failures are
// retried with exponential backoff as long as nothing was emitted yet.
func (s *session) streamTurn(ctx context.Context, emit func(adapter.Event) bool) (*assistantTurn, error) {
	params, err := s.buildParams()
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		stream := s.adapter.client.Messages.NewStreaming(ctx, params)
		turn, emitted, err := s.drainStream(ctx, stream, emit)
		if err == nil {
			return turn, nil
		}
		if emitted || !isRetryable(err) || attempt >= s.adapter.maxRetries {
			return nil, err
		}

		backoff := s.adapter.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		s.adapter.logger.Warn("model request failed; retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *session) buildParams() (sdk.MessageNewParams, error) {
	messages, err := codec.ToAnthropic(s.Messages())
	if err != nil {
		return sdk.MessageNewParams{}, fmt.Errorf("convert conversation: %w", err)
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(s.adapter.model),
		Messages:  messages,
		MaxTokens: int64(s.adapter.maxTokens),
	}
	if s.system != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: s.system}}
	}
	if s.registry != nil {
		toolParams, err := convertTools(s.registry.List())
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		if len(toolParams) > 0 {
			params.Tools = toolParams
		}
	}
	if s.adapter.thinking > 0 {
		budget := int64(s.adapter.thinking)
		if budget < 1024 {
			budget = 1024
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// drainStream consumes one SSE stream. It reports whether any event reached
// the caller, so retries only happen for requests that failed cleanly.
func (s *session) drainStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], emit func(adapter.Event) bool) (*assistantTurn, bool, error) {
	var (
		emitted     bool
		textOpen    bool
		thinkingBuf strings.Builder
		textBuf     strings.Builder
		currentTool *adapter.ToolCall
		toolInput   strings.Builder
		turn        assistantTurn
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "text":
				textOpen = true
			case "tool_use":
				toolUse := block.AsToolUse()
				currentTool = &adapter.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !emit(adapter.Event{Type: adapter.EventMessage, Delta: adapter.DeltaText, Text: delta.Text}) {
						return nil, true, ctx.Err()
					}
					emitted = true
					textBuf.WriteString(delta.Text)
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !emit(adapter.Event{Type: adapter.EventMessage, Delta: adapter.DeltaThinking, Text: delta.Thinking}) {
						return nil, true, ctx.Err()
					}
					emitted = true
					thinkingBuf.WriteString(delta.Thinking)
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				currentTool.Input = json.RawMessage(input)
				turn.toolCalls = append(turn.toolCalls, *currentTool)
				currentTool = nil
			} else if textOpen {
				if !emit(adapter.Event{Type: adapter.EventMessage, Delta: adapter.DeltaTextEnd}) {
					return nil, true, ctx.Err()
				}
				textOpen = false
			}

		case "message_stop":
			s.recordAssistant(thinkingBuf.String(), textBuf.String(), turn.toolCalls)
			return &turn, emitted, nil
		}
	}

	if err := stream.Err(); err != nil {
		return nil, emitted, fmt.Errorf("anthropic stream: %w", err)
	}
	// A stream that ends without message_stop still carries whatever
	// content arrived.
	s.recordAssistant(thinkingBuf.String(), textBuf.String(), turn.toolCalls)
	return &turn, emitted, nil
}

// recordAssistant appends the streamed assistant message to the record.
func (s *session) recordAssistant(thinking, text string, calls []adapter.ToolCall) {
	var parts []models.Part
	if thinking != "" {
		parts = append(parts, models.ThinkingPart(thinking))
	}
	if text != "" {
		parts = append(parts, models.TextPart(text))
	}
	for _, call := range calls {
		parts = append(parts, models.ToolUsePart(call.ID, call.Name, call.Input))
	}
	if len(parts) == 0 {
		return
	}
	s.appendRecord(models.CheckpointMessage{
		Role:      models.RoleAssistant,
		Content:   parts,
		Timestamp: time.Now(),
		Provider:  s.adapter.ModelProvider(),
		Model:     s.adapter.model,
	})
}

// drainFollowups moves steered messages into the conversation before the
// next model request.
func (s *session) drainFollowups() {
	s.mu.Lock()
	followups := s.followups
	s.followups = nil
	for _, message := range followups {
		s.record = append(s.record, models.CheckpointMessage{
			Role:      models.RoleUser,
			Content:   []models.Part{models.TextPart(message)},
			Timestamp: time.Now(),
		})
	}
	s.mu.Unlock()
}

func (s *session) appendRecord(msg models.CheckpointMessage) {
	s.mu.Lock()
	s.record = append(s.record, msg)
	s.mu.Unlock()
}

func (s *session) setStop(reason, errMsg string) {
	s.mu.Lock()
	s.stopReason = reason
	s.stopError = errMsg
	s.mu.Unlock()
}

// Send steers a follow-up message into the live turn; it reaches the model
// before its next request.
func (s *session) Send(message string) {
	s.mu.Lock()
	s.followups = append(s.followups, message)
	s.mu.Unlock()
}

// Abort is a no-op at the session level: the runtime cancels the context
// driving the stream, which ends the turn.
func (s *session) Abort() {}

func (s *session) Messages() []models.CheckpointMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CheckpointMessage, len(s.record))
	copy(out, s.record)
	return out
}

func (s *session) StopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

func (s *session) StopError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopError
}

// convertTools maps registry tools onto the API's tool schema.
func convertTools(list []tools.Tool) ([]sdk.ToolUnionParam, error) {
	var out []sdk.ToolUnionParam
	for _, tool := range list {
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}
		param := sdk.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		param.OfTool.Description = sdk.String(tool.Description())
		out = append(out, param)
	}
	return out, nil
}
