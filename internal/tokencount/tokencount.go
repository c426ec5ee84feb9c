// Package tokencount provides token estimation for routing, context-window
// checks, and usage recording. GPT-family models get exact tiktoken counts;
// everything else falls back to a ~4 chars per token heuristic, which is
// sufficient for rate limiting and cost estimates.
package tokencount

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	gateway "github.com/relaymux/relay/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct {
	encodings sync.Map // model base name -> *tiktoken.Tiktoken

	defaultOnce sync.Once
	defaultEnc  *tiktoken.Tiktoken
}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total token count for a chat completion request.
// Accounts for message overhead (role, formatting) per the OpenAI tokenization spec.
func (c *Counter) EstimateRequest(model string, req *gateway.ChatRequest) int {
	total := 0
	overhead := messageOverhead(model)
	for _, m := range req.Messages {
		total += overhead
		total += c.CountText(model, m.Role)
		total += c.CountText(model, m.Content)
		if m.Name != "" {
			total += c.CountText(model, m.Name) + 1 // name costs 1 extra token
		}
		if len(m.ToolCalls) > 0 {
			total += c.CountText(model, string(m.ToolCalls))
		}
		if m.ToolCallID != "" {
			total += c.CountText(model, m.ToolCallID)
		}
	}
	if len(req.Tools) > 0 {
		total += c.CountText(model, string(req.Tools))
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// EstimateEmbedding estimates the total token count for an embedding request.
func (c *Counter) EstimateEmbedding(model string, input gateway.EmbeddingInput) int {
	total := 0
	for _, text := range input.Texts() {
		total += c.CountText(model, text)
	}
	return max(total, 1)
}

// CountText counts tokens for a plain text string.
func (c *Counter) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	// ~4 bytes per token for English; ceil division.
	return (len(text) + 3) / 4
}

// encoding returns a cached tiktoken encoding for the model, falling back to
// cl100k_base for models tiktoken does not recognize. A nil return means the
// heuristic path.
func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	base := baseModelName(model)
	if cached, ok := c.encodings.Load(base); ok {
		enc, _ := cached.(*tiktoken.Tiktoken)
		return enc
	}
	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = c.defaultEncoding()
	}
	// A nil entry is cached too, so unknown models pay the lookup once.
	c.encodings.Store(base, enc)
	return enc
}

func (c *Counter) defaultEncoding() *tiktoken.Tiktoken {
	c.defaultOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			c.defaultEnc = enc
		}
	})
	return c.defaultEnc
}

// baseModelName strips a vendor prefix like "openai/" so tiktoken can match
// the model family.
func baseModelName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}

// messageOverhead returns per-message token overhead: 4 for the GPT-4o
// family, 3 for everything else, the heuristic path included.
func messageOverhead(model string) int {
	if strings.Contains(baseModelName(model), "gpt-4o") {
		return 4
	}
	return 3
}
