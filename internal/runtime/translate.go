package runtime

import (
	"encoding/json"
	"time"

	"github.com/usegenii/strand/internal/adapter"
	"github.com/usegenii/strand/pkg/models"
)

// translator maps session-level stream events to core agent events and
// accumulates run metrics as a side effect. One adapter event may yield
// zero, one, or many core events.
type translator struct {
	now func() time.Time

	toolStarts map[string]time.Time
	toolCalls  int
	turns      int
}

func newTranslator(now func() time.Time, restoredTurns int) *translator {
	return &translator{
		now:        now,
		toolStarts: make(map[string]time.Time),
		turns:      restoredTurns,
	}
}

func (t *translator) translate(ev adapter.Event) []models.AgentEvent {
	switch ev.Type {
	case adapter.EventAgentStart:
		return []models.AgentEvent{{
			Type:   models.EventStatus,
			Status: &models.StatusPayload{Status: models.StatusRunning},
		}}

	case adapter.EventMessage:
		switch ev.Delta {
		case adapter.DeltaText:
			return []models.AgentEvent{{
				Type:   models.EventOutput,
				Output: &models.OutputPayload{Text: ev.Text},
			}}
		case adapter.DeltaTextEnd:
			return []models.AgentEvent{{
				Type:   models.EventOutput,
				Output: &models.OutputPayload{Text: "", Final: true},
			}}
		case adapter.DeltaThinking:
			return []models.AgentEvent{{
				Type:    models.EventThought,
				Thought: &models.ThoughtPayload{Content: ev.Text},
			}}
		}
		return nil

	case adapter.EventToolStart:
		// A call replayed after a suspension re-announces its id; it keeps
		// the original start time and is counted once.
		if _, seen := t.toolStarts[ev.ToolCallID]; !seen {
			t.toolStarts[ev.ToolCallID] = t.now()
			t.toolCalls++
		}
		return []models.AgentEvent{{
			Type: models.EventToolStart,
			Tool: &models.ToolPayload{
				CallID: ev.ToolCallID,
				Name:   ev.ToolName,
				Input:  ev.Input,
			},
		}}

	case adapter.EventToolUpdate:
		return []models.AgentEvent{{
			Type: models.EventToolProgress,
			Tool: &models.ToolPayload{
				CallID:   ev.ToolCallID,
				Name:     ev.ToolName,
				Progress: ev.Progress,
			},
		}}

	case adapter.EventToolEnd:
		var elapsed int64
		if start, ok := t.toolStarts[ev.ToolCallID]; ok {
			elapsed = t.now().Sub(start).Milliseconds()
			delete(t.toolStarts, ev.ToolCallID)
		}
		payload := &models.ToolPayload{
			CallID:    ev.ToolCallID,
			Name:      ev.ToolName,
			ElapsedMS: elapsed,
		}
		if ev.IsError {
			payload.Error = ev.Error
		} else if ev.Output != nil {
			if s, ok := ev.Output.(string); ok {
				payload.Output = s
			} else if b, err := json.Marshal(ev.Output); err == nil {
				payload.Output = string(b)
			}
		}
		return []models.AgentEvent{{Type: models.EventToolEnd, Tool: payload}}

	case adapter.EventTurnEnd:
		t.turns++
		return nil

	default:
		// agent_end and unknown event types carry no outward payload.
		return nil
	}
}
