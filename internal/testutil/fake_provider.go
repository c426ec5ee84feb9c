// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync/atomic"

	gateway "github.com/relaymux/relay/internal"
)

// FakeProvider is a configurable gateway.Provider for testing.
type FakeProvider struct {
	ProviderName string
	ModelList    []gateway.ModelDescriptor
	ChatFn       func(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
	StreamFn     func(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error)
	EmbedFn      func(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error)
	HealthFn     func(ctx context.Context) error

	ChatCalls   atomic.Int64
	StreamCalls atomic.Int64
	EmbedCalls  atomic.Int64
}

var _ gateway.Provider = (*FakeProvider)(nil)

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// Models returns the configured descriptors.
func (f *FakeProvider) Models() []gateway.ModelDescriptor { return f.ModelList }

// CountTokens estimates ~4 characters per token.
func (f *FakeProvider) CountTokens(_, text string) int { return (len(text) + 3) / 4 }

// ChatCompletion delegates to ChatFn or returns a canned response.
func (f *FakeProvider) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	f.ChatCalls.Add(1)
	if f.ChatFn != nil {
		return f.ChatFn(ctx, req)
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: gateway.RoleAssistant, Content: "hello"},
			FinishReason: gateway.FinishStop,
		}},
		Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	}, nil
}

// ChatCompletionStream delegates to StreamFn or emits a canned three-chunk stream.
func (f *FakeProvider) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	f.StreamCalls.Add(1)
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	ch := make(chan gateway.StreamChunk, 4)
	go func() {
		defer close(ch)
		chunks := []gateway.StreamChunk{
			{
				ID:    "chatcmpl-fake",
				Model: req.Model,
				Choices: []gateway.ChunkChoice{{
					Delta: gateway.Delta{Role: gateway.RoleAssistant, Content: "hel"},
				}},
			},
			{
				ID:    "chatcmpl-fake",
				Model: req.Model,
				Choices: []gateway.ChunkChoice{{
					Delta: gateway.Delta{Content: "lo"},
				}},
			},
			{
				ID:    "chatcmpl-fake",
				Model: req.Model,
				Choices: []gateway.ChunkChoice{{
					FinishReason: gateway.FinishStop,
				}},
				Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
			},
			{Done: true},
		}
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Embeddings delegates to EmbedFn or returns one vector per input.
func (f *FakeProvider) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	f.EmbedCalls.Add(1)
	if f.EmbedFn != nil {
		return f.EmbedFn(ctx, req)
	}
	out := &gateway.EmbeddingResponse{Object: "list", Model: req.Model}
	for i := range req.Input.Texts() {
		out.Data = append(out.Data, gateway.Embedding{
			Object:    "embedding",
			Index:     i,
			Embedding: []float32{0.1, 0.2, 0.3},
		})
	}
	out.Usage = &gateway.Usage{PromptTokens: len(out.Data) * 2, TotalTokens: len(out.Data) * 2}
	return out, nil
}

// HealthCheck delegates to HealthFn or reports healthy.
func (f *FakeProvider) HealthCheck(ctx context.Context) error {
	if f.HealthFn != nil {
		return f.HealthFn(ctx)
	}
	return nil
}
