package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	gateway "github.com/relaymux/relay/internal"
)

// ResponseCache stores completed chat responses for deterministic requests
// and collapses concurrent identical misses into a single upstream call.
type ResponseCache struct {
	inner  Cache
	ttl    time.Duration
	flight singleflight.Group
}

// NewResponseCache wraps a Cache with single-flight miss handling.
func NewResponseCache(inner Cache, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResponseCache{inner: inner, ttl: ttl}
}

// Cacheable reports whether the request is eligible for caching. Only
// non-streaming requests with an explicit temperature of zero are
// deterministic enough to reuse.
func Cacheable(req *gateway.ChatRequest) bool {
	if req.Stream {
		return false
	}
	return req.Temperature != nil && *req.Temperature == 0
}

// Do returns the cached response for key, or runs fn exactly once across all
// concurrent callers with the same key and caches its result. The cached
// return is a deep-enough copy for read-only use.
func (c *ResponseCache) Do(ctx context.Context, key string, fn func() (*gateway.ChatResponse, error)) (resp *gateway.ChatResponse, cached bool, err error) {
	if data, ok := c.inner.Get(ctx, key); ok {
		if resp := decode(data); resp != nil {
			return resp, true, nil
		}
	}

	v, err, shared := c.flight.Do(key, func() (any, error) {
		// Another flight may have populated the cache while we queued.
		if data, ok := c.inner.Get(ctx, key); ok {
			if resp := decode(data); resp != nil {
				return resp, nil
			}
		}
		resp, err := fn()
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(resp); err == nil {
			c.inner.Set(ctx, key, data, c.ttl)
		}
		return resp, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*gateway.ChatResponse), shared, nil
}

func decode(data []byte) *gateway.ChatResponse {
	var resp gateway.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}
	return &resp
}

// Key produces a deterministic fingerprint for a resolved request. The hash
// covers everything that influences the completion: the target provider and
// vendor model plus all sampling parameters.
func Key(provider, model string, req *gateway.ChatRequest) string {
	k := struct {
		Provider    string          `json:"provider"`
		Model       string          `json:"model"`
		Messages    []stableMessage `json:"messages"`
		Temperature float64         `json:"temperature"`
		TopP        *float64        `json:"top_p,omitempty"`
		MaxTokens   *int            `json:"max_tokens,omitempty"`
		Stop        []string        `json:"stop,omitempty"`
		Tools       json.RawMessage `json:"tools,omitempty"`
	}{
		Provider: provider,
		Model:    model,
		Messages: normalizeMessages(req.Messages),
		Stop:     req.Stop,
		Tools:    req.Tools,
	}
	if req.Temperature != nil {
		k.Temperature = roundFloat(*req.Temperature)
	}
	if req.TopP != nil {
		v := roundFloat(*req.TopP)
		k.TopP = &v
	}
	k.MaxTokens = req.MaxTokens

	// Struct fields marshal in declaration order, so the JSON is stable.
	data, _ := json.Marshal(k)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

type stableMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

func normalizeMessages(msgs []gateway.Message) []stableMessage {
	out := make([]stableMessage, len(msgs))
	for i, m := range msgs {
		out[i] = stableMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}

func roundFloat(f float64) float64 {
	return math.Round(f*10000) / 10000
}
