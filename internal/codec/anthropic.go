// Package codec converts between the provider-agnostic checkpoint message
// schema and the native schemas of the supported model SDKs. Adapters use it
// to rebuild a provider conversation when restoring a session from a
// checkpoint.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/usegenii/strand/pkg/models"
)

// ToAnthropic converts checkpoint messages to Anthropic message params.
// Tool results become user messages carrying a tool_result block, per the
// Anthropic conversation shape. Thinking parts are dropped: replaying
// thinking requires the original signature, which checkpoints do not carry.
func ToAnthropic(messages []models.CheckpointMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for i, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			blocks, err := anthropicBlocks(msg.Content)
			if err != nil {
				return nil, fmt.Errorf("codec: message %d: %w", i, err)
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))

		case models.RoleAssistant:
			blocks, err := anthropicBlocks(msg.Content)
			if err != nil {
				return nil, fmt.Errorf("codec: message %d: %w", i, err)
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case models.RoleToolResult:
			if msg.ToolCallID == "" {
				return nil, fmt.Errorf("codec: message %d: tool_result without tool_call_id", i)
			}
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text(), msg.IsError)))

		default:
			return nil, fmt.Errorf("codec: message %d: unknown role %q", i, msg.Role)
		}
	}
	return out, nil
}

func anthropicBlocks(parts []models.Part) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		switch p.Type {
		case models.PartText:
			if p.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		case models.PartImage:
			blocks = append(blocks, anthropic.NewImageBlockBase64(p.MediaType, p.Data))
		case models.PartToolUse:
			var input map[string]any
			raw := p.Input
			if len(raw) == 0 {
				raw = json.RawMessage("{}")
			}
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, fmt.Errorf("tool_use %s: invalid input: %w", p.ID, err)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(p.ID, input, p.Name))
		case models.PartThinking:
			// dropped; see ToAnthropic
		default:
			return nil, fmt.Errorf("unknown part type %q", p.Type)
		}
	}
	return blocks, nil
}
