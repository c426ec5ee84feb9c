// Package cohere implements the gateway.Provider adapter for the Cohere API.
// Cohere streams NDJSON events rather than SSE; the adapter normalizes both
// shapes into typed gateway chunks.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/provider"
)

const (
	defaultBaseURL = "https://api.cohere.com/v1"
	providerName   = "cohere"
)

var _ gateway.Provider = (*Client)(nil)

// Config holds adapter construction parameters.
type Config struct {
	APIKey       string
	BaseURL      string
	Client       *http.Client
	StreamClient *http.Client
	Models       []gateway.ModelDescriptor
	Counter      provider.TokenCounter
}

// Client is a Cohere provider adapter that implements gateway.Provider.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	stream  *http.Client
	table   provider.ModelTable
	counter provider.TokenCounter
}

// New creates a Cohere Client. If cfg.BaseURL is empty it defaults to
// "https://api.cohere.com/v1".
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

// wireRequest is the Cohere chat request body. The final user message goes in
// the message field; everything before it becomes chat_history.
type wireRequest struct {
	Model       string        `json:"model"`
	Message     string        `json:"message"`
	ChatHistory []historyTurn `json:"chat_history,omitempty"`
	Preamble    string        `json:"preamble,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	P           *float64      `json:"p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	StopSeqs    []string      `json:"stop_sequences,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type historyTurn struct {
	Role    string `json:"role"` // USER, CHATBOT, SYSTEM, TOOL
	Message string `json:"message"`
}

func (c *Client) translateRequest(req *gateway.ChatRequest) *wireRequest {
	out := &wireRequest{
		Model:       c.table.Vendor(req.Model),
		Temperature: req.Temperature,
		P:           req.TopP,
		MaxTokens:   req.MaxTokens,
		StopSeqs:    req.Stop,
	}

	// The last user message is the prompt; earlier turns become history.
	lastUser := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == gateway.RoleUser {
			lastUser = i
			break
		}
	}
	var preamble []string
	for i, m := range req.Messages {
		if i == lastUser {
			out.Message = m.Content
			continue
		}
		switch m.Role {
		case gateway.RoleSystem:
			preamble = append(preamble, m.Content)
		case gateway.RoleUser:
			out.ChatHistory = append(out.ChatHistory, historyTurn{Role: "USER", Message: m.Content})
		case gateway.RoleAssistant:
			out.ChatHistory = append(out.ChatHistory, historyTurn{Role: "CHATBOT", Message: m.Content})
		case gateway.RoleTool:
			out.ChatHistory = append(out.ChatHistory, historyTurn{Role: "TOOL", Message: m.Content})
		}
	}
	out.Preamble = strings.Join(preamble, "\n\n")
	return out
}

// wireResponse is the Cohere chat response body.
type wireResponse struct {
	ResponseID   string `json:"response_id"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Meta         *struct {
		BilledUnits *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

func (c *Client) translateResponse(model string, wire *wireResponse) *gateway.ChatResponse {
	out := &gateway.ChatResponse{
		ID:     wire.ResponseID,
		Object: "chat.completion",
		Model:  model,
		Choices: []gateway.Choice{{
			Index: 0,
			Message: gateway.Message{
				Role:    gateway.RoleAssistant,
				Content: wire.Text,
			},
			FinishReason: mapFinishReason(wire.FinishReason),
		}},
	}
	if wire.Meta != nil && wire.Meta.BilledUnits != nil {
		in, o := wire.Meta.BilledUnits.InputTokens, wire.Meta.BilledUnits.OutputTokens
		out.Usage = &gateway.Usage{PromptTokens: in, CompletionTokens: o, TotalTokens: in + o}
	}
	return out
}

// mapFinishReason converts Cohere finish reasons to the gateway alphabet.
func mapFinishReason(reason string) string {
	switch reason {
	case "COMPLETE", "STOP_SEQUENCE":
		return gateway.FinishStop
	case "MAX_TOKENS":
		return gateway.FinishLength
	case "ERROR_TOXIC":
		return gateway.FinishContentFilter
	case "ERROR":
		return gateway.FinishError
	default:
		return strings.ToLower(reason)
	}
}

// ChatCompletion sends a non-streaming chat request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	wireReq := c.translateRequest(req)
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("cohere: decode response: %w", err)
	}
	return c.translateResponse(req.Model, &wire), nil
}

// ChatCompletionStream sends a streaming chat request.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	wireReq := c.translateRequest(req)
	wireReq.Stream = true

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go c.readStream(ctx, req.Model, resp, ch)
	return ch, nil
}

// Embeddings sends an embed request.
func (c *Client) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	wireReq := struct {
		Model     string   `json:"model"`
		Texts     []string `json:"texts"`
		InputType string   `json:"input_type"`
	}{
		Model:     c.table.Vendor(req.Model),
		Texts:     req.Input.Texts(),
		InputType: "search_document",
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var wire struct {
		Embeddings [][]float32 `json:"embeddings"`
		Meta       *struct {
			BilledUnits *struct {
				InputTokens int `json:"input_tokens"`
			} `json:"billed_units"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("cohere: decode response: %w", err)
	}

	out := &gateway.EmbeddingResponse{Object: "list", Model: req.Model}
	for i, vec := range wire.Embeddings {
		out.Data = append(out.Data, gateway.Embedding{
			Object:    "embedding",
			Index:     i,
			Embedding: vec,
		})
	}
	if wire.Meta != nil && wire.Meta.BilledUnits != nil {
		in := wire.Meta.BilledUnits.InputTokens
		out.Usage = &gateway.Usage{PromptTokens: in, TotalTokens: in}
	}
	return out, nil
}

// HealthCheck verifies connectivity by listing models; the call costs no tokens.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("cohere: create health check request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cohere: health check: %w", err)
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
}
