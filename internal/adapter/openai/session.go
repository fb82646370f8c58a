package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	sdk "github.com/sashabaranov/go-openai"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/internal/codec"
	"github.com/usegenii/strand/internal/tools"
	"github.com/usegenii/strand/pkg/models"
)

// maxLoopIterations bounds the tool loop when no explicit turn limit is set.
const maxLoopIterations = 50

// session is one GPT conversation. The provider-agnostic record is
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

// run drives the tool loop: execute any replayed tool calls, stream a model
// response, execute its tool calls, and repeat until the model stops calling
// tools, the session suspends, or something fails.
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

// streamTurn makes one streaming model request, emitting text deltas as they
// arrive and recording the assistant message. Stream-creation failures are
// retried with exponential backoff; stream-processing failures only retry
// when nothing reached the caller yet.
func (s *session) streamTurn(ctx context.Context, emit func(adapter.Event) bool) (*assistantTurn, error) {
	req, err := s.buildRequest()
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		stream, err := s.adapter.client.CreateChatCompletionStream(ctx, req)
		var turn *assistantTurn
		var emitted bool
		if err == nil {
			turn, emitted, err = s.drainStream(ctx, stream, emit)
			stream.Close()
		}
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

func (s *session) buildRequest() (sdk.ChatCompletionRequest, error) {
	messages, err := codec.ToOpenAI(s.Messages())
	if err != nil {
		return sdk.ChatCompletionRequest{}, fmt.Errorf("convert conversation: %w", err)
	}
	if s.system != "" {
		messages = append([]sdk.ChatCompletionMessage{{
			Role:    sdk.ChatMessageRoleSystem,
			Content: s.system,
		}}, messages...)
	}

	req := sdk.ChatCompletionRequest{
		Model:    s.adapter.model,
		Messages: messages,
		Stream:   true,
	}
	if s.adapter.maxTokens > 0 {
		req.MaxTokens = s.adapter.maxTokens
	}
	if s.registry != nil {
		if defs := convertTools(s.registry.List()); len(defs) > 0 {
			req.Tools = defs
		}
	}
	return req, nil
}

// drainStream consumes one chat completion stream. Tool calls arrive in
// fragments keyed by index and are assembled before the turn ends. It
// reports whether any event reached the caller.
func (s *session) drainStream(ctx context.Context, stream *sdk.ChatCompletionStream, emit func(adapter.Event) bool) (*assistantTurn, bool, error) {
	var (
		emitted   bool
		textBuf   strings.Builder
		toolCalls = make(map[int]*adapter.ToolCall)
		toolArgs  = make(map[int]*strings.Builder)
	)

	finish := func() (*assistantTurn, bool, error) {
		if textBuf.Len() > 0 {
			if !emit(adapter.Event{Type: adapter.EventMessage, Delta: adapter.DeltaTextEnd}) {
				return nil, true, ctx.Err()
			}
		}
		var turn assistantTurn
		indexes := make([]int, 0, len(toolCalls))
		for idx := range toolCalls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			call := toolCalls[idx]
			if call.ID == "" || call.Name == "" {
				continue
			}
			args := toolArgs[idx].String()
			if args == "" {
				args = "{}"
			}
			call.Input = json.RawMessage(args)
			turn.toolCalls = append(turn.toolCalls, *call)
		}
		s.recordAssistant(textBuf.String(), turn.toolCalls)
		return &turn, emitted, nil
	}

	for {
		if ctx.Err() != nil {
			return nil, emitted, ctx.Err()
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return finish()
			}
			return nil, emitted, fmt.Errorf("openai stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(adapter.Event{Type: adapter.EventMessage, Delta: adapter.DeltaText, Text: choice.Delta.Content}) {
				return nil, true, ctx.Err()
			}
			emitted = true
			textBuf.WriteString(choice.Delta.Content)
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &adapter.ToolCall{}
				toolArgs[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolArgs[index].WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason == sdk.FinishReasonStop || choice.FinishReason == sdk.FinishReasonToolCalls {
			return finish()
		}
	}
}

// recordAssistant appends the streamed assistant message to the record.
func (s *session) recordAssistant(text string, calls []adapter.ToolCall) {
	var parts []models.Part
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

// convertTools maps registry tools onto function definitions. A tool with an
// unparseable schema degrades to an empty object schema rather than breaking
// the request.
func convertTools(list []tools.Tool) []sdk.Tool {
	out := make([]sdk.Tool, len(list))
	for i, tool := range list {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out[i] = sdk.Tool{
			Type: sdk.ToolTypeFunction,
			Function: &sdk.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schema,
			},
		}
	}
	return out
}
