// Package openai implements the gateway.Provider adapter for the OpenAI API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/provider"
	"github.com/relaymux/relay/internal/provider/sseutil"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

var _ gateway.Provider = (*Client)(nil)

// Config holds adapter construction parameters.
type Config struct {
	APIKey         string
	BaseURL        string
	OrganizationID string
	Client         *http.Client // unary calls
	StreamClient   *http.Client // streaming calls (longer timeout)
	Models         []gateway.ModelDescriptor
	Counter        provider.TokenCounter
}

// Client is an OpenAI provider adapter that implements gateway.Provider.
type Client struct {
	apiKey  string
	baseURL string
	orgID   string
	http    *http.Client
	stream  *http.Client
	table   provider.ModelTable
	counter provider.TokenCounter
}

// New creates an OpenAI Client. If cfg.BaseURL is empty it defaults to
// "https://api.openai.com/v1".
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	stream := cfg.StreamClient
	if stream == nil {
		stream = client
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		orgID:   cfg.OrganizationID,
		http:    client,
		stream:  stream,
		table:   provider.NewModelTable(cfg.Models),
		counter: cfg.Counter,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// Models returns the descriptors this adapter serves.
func (c *Client) Models() []gateway.ModelDescriptor { return c.table.Models() }

// CountTokens estimates the token count of text for the given model.
func (c *Client) CountTokens(model, text string) int {
	return c.counter.CountText(c.table.Vendor(model), text)
}

// wireRequest is the OpenAI chat completions request body.
type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     *int          `json:"max_tokens,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	Stop          []string      `json:"stop,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
	Tools json.RawMessage `json:"tools,omitempty"`
	User  string          `json:"user,omitempty"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *Client) translateRequest(req *gateway.ChatRequest) *wireRequest {
	out := &wireRequest{
		Model:       c.table.Vendor(req.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Tools:       req.Tools,
		User:        req.User,
	}
	out.Messages = make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		out.Messages[i] = wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}

func (c *Client) translateResponse(wire *wireResponse) *gateway.ChatResponse {
	out := &gateway.ChatResponse{
		ID:      wire.ID,
		Object:  "chat.completion",
		Created: wire.Created,
		Model:   c.table.Gateway(wire.Model),
	}
	for _, ch := range wire.Choices {
		out.Choices = append(out.Choices, gateway.Choice{
			Index: ch.Index,
			Message: gateway.Message{
				Role:      ch.Message.Role,
				Content:   ch.Message.Content,
				ToolCalls: ch.Message.ToolCalls,
			},
			FinishReason: ch.FinishReason,
		})
	}
	if wire.Usage != nil {
		out.Usage = &gateway.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	return out
}

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	wireReq := c.translateRequest(req)
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return c.translateResponse(&wire), nil
}

// ChatCompletionStream sends a streaming chat completion request. The
// returned channel is closed after a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	wireReq := c.translateRequest(req)
	wireReq.Stream = true
	wireReq.StreamOptions = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go c.readStream(ctx, resp, ch)
	return ch, nil
}

// readStream forwards typed chunks, mapping vendor model ids back to gateway
// ids. Sends yield to cancellation; a cancelled ctx also unblocks the inner
// reader, which then closes inner on its way out.
func (c *Client) readStream(ctx context.Context, resp *http.Response, out chan<- gateway.StreamChunk) {
	defer close(out)
	inner := make(chan gateway.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, providerName, resp, inner)
	for chunk := range inner {
		if chunk.Model != "" {
			chunk.Model = c.table.Gateway(chunk.Model)
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

// wireEmbeddingResponse is the OpenAI embeddings response body.
type wireEmbeddingResponse struct {
	Object string `json:"object"`
	Data   []struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string     `json:"model"`
	Usage *wireUsage `json:"usage"`
}

// Embeddings sends an embedding request.
func (c *Client) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	wireReq := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
		User  string   `json:"user,omitempty"`
	}{
		Model: c.table.Vendor(req.Model),
		Input: req.Input.Texts(),
		User:  req.User,
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var wire wireEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	out := &gateway.EmbeddingResponse{
		Object: "list",
		Model:  c.table.Gateway(wire.Model),
	}
	for _, d := range wire.Data {
		out.Data = append(out.Data, gateway.Embedding{
			Object:    "embedding",
			Index:     d.Index,
			Embedding: d.Embedding,
		})
	}
	if wire.Usage != nil {
		out.Usage = &gateway.Usage{
			PromptTokens: wire.Usage.PromptTokens,
			TotalTokens:  wire.Usage.TotalTokens,
		}
	}
	return out, nil
}

// HealthCheck verifies connectivity by listing models; the call costs no tokens.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("openai: create health check request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.ParseAPIError(providerName, resp)
	}
	return nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.orgID != "" {
		r.Header.Set("OpenAI-Organization", c.orgID)
	}
}
