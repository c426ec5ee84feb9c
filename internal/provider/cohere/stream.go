package cohere

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/provider/sseutil"
)

// streamEvent is one NDJSON line of a Cohere chat stream.
type streamEvent struct {
	EventType    string `json:"event_type"`
	GenerationID string `json:"generation_id"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Response     *struct {
		Meta *struct {
			BilledUnits *struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"billed_units"`
		} `json:"meta"`
	} `json:"response"`
}

// readStream reads NDJSON events and emits typed gateway chunks. Every send
// yields to ctx so an abandoned consumer never strands this goroutine on a
// full channel.
func (c *Client) readStream(ctx context.Context, model string, resp *http.Response, ch chan<- gateway.StreamChunk) {
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

	var id string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		var chunk gateway.StreamChunk
		switch ev.EventType {
		case "stream-start":
			id = ev.GenerationID
			chunk = sseutil.RoleChunk(id, model)
		case "text-generation":
			chunk = sseutil.DeltaChunk(id, model, ev.Text)
		case "stream-end":
			var usage *gateway.Usage
			if ev.Response != nil && ev.Response.Meta != nil && ev.Response.Meta.BilledUnits != nil {
				bu := ev.Response.Meta.BilledUnits
				usage = &gateway.Usage{
					PromptTokens:     bu.InputTokens,
					CompletionTokens: bu.OutputTokens,
					TotalTokens:      bu.InputTokens + bu.OutputTokens,
				}
			}
			final := sseutil.FinishChunk(id, model, mapFinishReason(ev.FinishReason), usage)
			if send(final) {
				send(gateway.StreamChunk{Done: true})
			}
			return
		default:
			continue
		}

		if !send(chunk) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		send(gateway.StreamChunk{Err: fmt.Errorf("cohere: read stream: %w", err)})
	}
}
