package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/provider/sseutil"
)

// streamState tracks the event state machine for one Anthropic SSE stream.
type streamState struct {
	id           string
	model        string
	inputTokens  int
	outputTokens int
	stopReason   string
}

// readStream reads Anthropic SSE events and emits typed gateway chunks.
// Every send yields to ctx so an abandoned consumer never strands this
// goroutine on a full channel.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	send := func(chunk gateway.StreamChunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var state streamState
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		event, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		for _, chunk := range c.handleEvent(&state, currentEvent, data) {
			if !send(chunk) {
				return
			}
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		send(gateway.StreamChunk{Err: fmt.Errorf("anthropic: read stream: %w", err)})
	}
}

// handleEvent processes a single Anthropic SSE event and returns zero or more
// gateway chunks.
func (c *Client) handleEvent(s *streamState, event, data string) []gateway.StreamChunk {
	switch event {
	case "message_start":
		r := gjson.Parse(data)
		s.id = r.Get("message.id").String()
		s.model = c.table.Gateway(r.Get("message.model").String())
		s.inputTokens = int(r.Get("message.usage.input_tokens").Int())
		return []gateway.StreamChunk{sseutil.RoleChunk(s.id, s.model)}

	case "content_block_delta":
		r := gjson.Parse(data)
		switch r.Get("delta.type").String() {
		case "text_delta":
			return []gateway.StreamChunk{
				sseutil.DeltaChunk(s.id, s.model, r.Get("delta.text").String()),
			}
		case "input_json_delta":
			chunk := gateway.StreamChunk{
				ID:    s.id,
				Model: s.model,
				Choices: []gateway.ChunkChoice{{
					Delta: gateway.Delta{ToolCalls: []byte(r.Get("delta.partial_json").Raw)},
				}},
			}
			return []gateway.StreamChunk{chunk}
		}
		return nil

	case "message_delta":
		r := gjson.Parse(data)
		s.outputTokens = int(r.Get("usage.output_tokens").Int())
		s.stopReason = r.Get("delta.stop_reason").String()
		return nil

	case "message_stop":
		usage := &gateway.Usage{
			PromptTokens:     s.inputTokens,
			CompletionTokens: s.outputTokens,
			TotalTokens:      s.inputTokens + s.outputTokens,
		}
		return []gateway.StreamChunk{
			sseutil.FinishChunk(s.id, s.model, mapStopReason(s.stopReason), usage),
			{Done: true},
		}

	case "error":
		r := gjson.Parse(data)
		msg := r.Get("error.message").String()
		if msg == "" {
			msg = data
		}
		return []gateway.StreamChunk{
			{Err: gateway.Errorf(gateway.ClassProviderServer, "anthropic: %s", msg)},
		}

	default:
		// ping, content_block_start, content_block_stop
		return nil
	}
}
