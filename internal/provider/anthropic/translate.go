package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/relaymux/relay/internal"
)

// anthropicRequest is the Anthropic Messages API request body.
type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []anthropicMsg  `json:"messages"`
	System      string          `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	StopSeqs    []string        `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func marshalRequest(req *anthropicRequest) ([]byte, error) {
	return json.Marshal(req)
}

// translateRequest converts a gateway ChatRequest to an Anthropic Messages
// API request. System messages are folded into the top-level system field;
// consecutive same-role turns are preserved as Anthropic accepts them.
func (c *Client) translateRequest(req *gateway.ChatRequest) *anthropicRequest {
	out := &anthropicRequest{
		Model:       c.table.Vendor(req.Model),
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Tools:       req.Tools,
		StopSeqs:    req.Stop,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case gateway.RoleSystem:
			system = append(system, m.Content)
		case gateway.RoleUser, gateway.RoleAssistant:
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    m.Role,
				Content: m.Content,
			})
		case gateway.RoleTool:
			// Tool results map to user role in Anthropic's format.
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    gateway.RoleUser,
				Content: m.Content,
			})
		}
	}
	out.System = strings.Join(system, "\n\n")

	return out
}

// translateResponse converts an Anthropic Messages API JSON response to a
// gateway ChatResponse.
func (c *Client) translateResponse(data []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(data)

	id := result.Get("id").String()
	model := c.table.Gateway(result.Get("model").String())
	stopReason := mapStopReason(result.Get("stop_reason").String())

	// Concatenate text content blocks; collect tool_use blocks.
	var contentText strings.Builder
	var toolCalls []json.RawMessage
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := gateway.Message{
		Role:    gateway.RoleAssistant,
		Content: contentText.String(),
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" {
			stopReason = gateway.FinishToolCalls
		}
	}

	var usage *gateway.Usage
	if u := result.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		usage = &gateway.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		}
	}

	return &gateway.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// mapStopReason converts Anthropic stop reasons to the gateway alphabet.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return gateway.FinishStop
	case "max_tokens":
		return gateway.FinishLength
	case "tool_use":
		return gateway.FinishToolCalls
	default:
		return reason
	}
}
