package harness

import (
	"context"
	"sync"
	"time"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/pkg/models"
)

// session is one scripted conversation. It honors the ModelSession contract:
// every Prompt/Resume channel delivers the turn's events and closes when the
// turn is over, and a suspended tool call ends the turn early.
type session struct {
	adapter *Adapter
	host    adapter.ToolHost

	mu           sync.Mutex
	messages     []models.CheckpointMessage
	suspended    []adapter.ToolCall
	remaining    Turn // unplayed part of a suspended turn
	hasRemaining bool
	restored     bool
	steered      []string
	stopReason   string
	stopError    string
	aborted      bool
}

func newSession(a *Adapter, host adapter.ToolHost, restored []models.CheckpointMessage, suspended []adapter.ToolCall) *session {
	return &session{
		adapter:   a,
		host:      host,
		messages:  restored,
		suspended: suspended,
		restored:  len(suspended) > 0,
	}
}

func (s *session) Prompt(ctx context.Context, message string) (<-chan adapter.Event, error) {
	s.mu.Lock()
	if message != "" {
		s.messages = append(s.messages, models.CheckpointMessage{
			Role:      models.RoleUser,
			Content:   []models.Part{models.TextPart(message)},
			Timestamp: time.Now(),
		})
	}
	s.mu.Unlock()

	turn := s.adapter.nextTurn(message)
	ch := make(chan adapter.Event, 64)
	go s.playTurn(ctx, turn, nil, ch)
	return ch, nil
}

func (s *session) Resume(ctx context.Context) (<-chan adapter.Event, error) {
	s.mu.Lock()
	calls := s.suspended
	s.suspended = nil
	turn := s.remaining
	hasTurn := s.hasRemaining
	s.remaining = Turn{}
	s.hasRemaining = false
	restored := s.restored
	s.restored = false
	s.mu.Unlock()

	// A session restored mid-suspension lost the rest of its turn; the model
	// continues from the tool result, which here means the next script entry.
	if restored && !hasTurn {
		turn = s.adapter.nextTurn("")
	}

	ch := make(chan adapter.Event, 64)
	go s.playTurn(ctx, turn, calls, ch)
	return ch, nil
}

// playTurn streams one turn: replayed suspended calls first, then the
// scripted tool calls, then thinking and text. A suspension ends the turn
// with the rest of the script parked in remaining.
func (s *session) playTurn(ctx context.Context, turn Turn, replay []adapter.ToolCall, ch chan<- adapter.Event) {
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

	if turn.FailWith != "" {
		s.setStop("error", turn.FailWith)
		emit(adapter.Event{Type: adapter.EventAgentEnd})
		return
	}

	if turn.Thinking != "" {
		if !emit(adapter.Event{Type: adapter.EventMessage, Delta: adapter.DeltaThinking, Text: turn.Thinking}) {
			s.setStop("aborted", "")
			return
		}
	}

	calls := append(append([]adapter.ToolCall(nil), replay...), turn.ToolCalls...)
	for idx, call := range calls {
		if ctx.Err() != nil {
			s.setStop("aborted", "")
			return
		}
		if !emit(adapter.Event{
			Type:       adapter.EventToolStart,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Input:      call.Input,
		}) {
			s.setStop("aborted", "")
			return
		}

		outcome := s.host.ExecuteToolCall(ctx, call, func(ev adapter.Event) { emit(ev) })

		s.recordToolUse(call)

		if outcome.Suspended {
			// Park the rest of the turn; Resume replays this call first.
			s.mu.Lock()
			s.suspended = append(s.suspended, call)
			s.remaining = Turn{Text: turn.Text, ToolCalls: calls[idx+1:]}
			s.hasRemaining = true
			s.mu.Unlock()
			s.setStop("suspended", "")
			emit(adapter.Event{Type: adapter.EventAgentEnd})
			return
		}

		s.recordToolResult(call, outcome)
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
			return
		}
	}

	if turn.Text != "" {
		if !emit(adapter.Event{Type: adapter.EventMessage, Delta: adapter.DeltaText, Text: turn.Text}) {
			s.setStop("aborted", "")
			return
		}
		if !emit(adapter.Event{Type: adapter.EventMessage, Delta: adapter.DeltaTextEnd}) {
			s.setStop("aborted", "")
			return
		}
		s.mu.Lock()
		s.messages = append(s.messages, models.CheckpointMessage{
			Role:      models.RoleAssistant,
			Content:   []models.Part{models.TextPart(turn.Text)},
			Timestamp: time.Now(),
		})
		s.mu.Unlock()
	}

	s.setStop("end_turn", "")
	emit(adapter.Event{Type: adapter.EventTurnEnd})
	emit(adapter.Event{Type: adapter.EventAgentEnd})
}

// recordToolUse appends an assistant message carrying the tool_use part,
// unless the restored conversation already has it (replay after restore).
func (s *session) recordToolUse(call adapter.ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.Role != models.RoleAssistant {
			continue
		}
		for _, p := range msg.Content {
			if p.Type == models.PartToolUse && p.ID == call.ID {
				return
			}
		}
	}
	s.messages = append(s.messages, models.CheckpointMessage{
		Role:      models.RoleAssistant,
		Content:   []models.Part{models.ToolUsePart(call.ID, call.Name, call.Input)},
		Timestamp: time.Now(),
	})
}

func (s *session) recordToolResult(call adapter.ToolCall, outcome adapter.ToolOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, models.CheckpointMessage{
		Role:       models.RoleToolResult,
		Content:    []models.Part{models.TextPart(outcome.Output)},
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    outcome.IsError,
		Timestamp:  time.Now(),
	})
}

func (s *session) setStop(reason, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopReason = reason
	s.stopError = errMsg
}

// Send records a steered follow-up as a user message mid-turn.
func (s *session) Send(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steered = append(s.steered, message)
	s.messages = append(s.messages, models.CheckpointMessage{
		Role:      models.RoleUser,
		Content:   []models.Part{models.TextPart(message)},
		Timestamp: time.Now(),
	})
}

func (s *session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
}

func (s *session) Messages() []models.CheckpointMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CheckpointMessage, len(s.messages))
	copy(out, s.messages)
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

// Steered returns the messages routed into the live turn, for tests.
func (s *session) Steered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steered...)
}
