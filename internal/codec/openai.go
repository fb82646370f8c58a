package codec

import (
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/usegenii/strand/pkg/models"
)

// ToOpenAI converts checkpoint messages to OpenAI chat messages. Tool
// results map to role "tool" messages keyed by tool call id; tool_use parts
// map to assistant tool calls. Thinking parts are dropped, matching
// ToAnthropic.
func ToOpenAI(messages []models.CheckpointMessage) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage
	for i, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			converted, err := openaiUserMessage(msg)
			if err != nil {
				return nil, fmt.Errorf("codec: message %d: %w", i, err)
			}
			out = append(out, converted)

		case models.RoleAssistant:
			converted := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, p := range msg.Content {
				if p.Type != models.PartToolUse {
					continue
				}
				args := string(p.Input)
				if args == "" {
					args = "{}"
				}
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   p.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      p.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, converted)

		case models.RoleToolResult:
			if msg.ToolCallID == "" {
				return nil, fmt.Errorf("codec: message %d: tool_result without tool_call_id", i)
			}
			content := msg.Text()
			if msg.IsError && content == "" {
				content = "tool execution failed"
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			return nil, fmt.Errorf("codec: message %d: unknown role %q", i, msg.Role)
		}
	}
	return out, nil
}

func openaiUserMessage(msg models.CheckpointMessage) (openai.ChatCompletionMessage, error) {
	hasImage := false
	for _, p := range msg.Content {
		if p.Type == models.PartImage {
			hasImage = true
			break
		}
	}

	if !hasImage {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: msg.Text(),
		}, nil
	}

	// Mixed content uses the multi-part form; images travel as data URLs.
	var parts []openai.ChatMessagePart
	for _, p := range msg.Content {
		switch p.Type {
		case models.PartText:
			if p.Text != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			}
		case models.PartImage:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", p.MediaType, p.Data),
				},
			})
		case models.PartThinking, models.PartToolUse:
			return openai.ChatCompletionMessage{}, fmt.Errorf("part type %q not valid in user message", p.Type)
		}
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}, nil
}
