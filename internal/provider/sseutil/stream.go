package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	gateway "github.com/relaymux/relay/internal"
)

// openaiChunk is the wire shape of an OpenAI-format streaming chunk.
type openaiChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string          `json:"role"`
			Content   string          `json:"content"`
			ToolCalls json.RawMessage `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ReadSSEStream reads OpenAI-format SSE lines from resp and sends typed
// StreamChunks on ch. It handles the "[DONE]" sentinel and the trailing usage
// chunk. The channel is closed when done; resp.Body is always closed. Every
// send yields to ctx cancellation so an abandoned consumer cannot strand
// this goroutine on a full channel.
func ReadSSEStream(ctx context.Context, providerName string, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	send := func(chunk gateway.StreamChunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		_, data, ok := ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			send(gateway.StreamChunk{Done: true})
			return
		}

		var wire openaiChunk
		if err := json.Unmarshal([]byte(data), &wire); err != nil {
			// Skip malformed frames rather than killing the stream.
			continue
		}
		chunk := gateway.StreamChunk{
			ID:      wire.ID,
			Model:   wire.Model,
			Created: wire.Created,
		}
		for _, c := range wire.Choices {
			chunk.Choices = append(chunk.Choices, gateway.ChunkChoice{
				Index: c.Index,
				Delta: gateway.Delta{
					Role:      c.Delta.Role,
					Content:   c.Delta.Content,
					ToolCalls: c.Delta.ToolCalls,
				},
				FinishReason: c.FinishReason,
			})
		}
		if wire.Usage != nil && wire.Usage.TotalTokens > 0 {
			chunk.Usage = &gateway.Usage{
				PromptTokens:     wire.Usage.PromptTokens,
				CompletionTokens: wire.Usage.CompletionTokens,
				TotalTokens:      wire.Usage.TotalTokens,
			}
		}

		if !send(chunk) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		send(gateway.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", providerName, err)})
	}
}
