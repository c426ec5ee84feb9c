// Package huggingface implements the gateway.Provider adapter for the Hugging
// Face Inference API. The API has no chat streaming endpoint, so streaming is
// emulated: the completion runs unary and is delivered as a single delta
// followed by the finish and done frames.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/provider"
	"github.com/relaymux/relay/internal/provider/sseutil"
)

const (
	defaultBaseURL = "https://api-inference.huggingface.co"
	providerName   = "huggingface"
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

// Client is a Hugging Face provider adapter that implements gateway.Provider.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	stream  *http.Client
	table   provider.ModelTable
	counter provider.TokenCounter
}

// New creates a Hugging Face Client. If cfg.BaseURL is empty it defaults to
// "https://api-inference.huggingface.co".
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

// buildPrompt flattens chat messages into a single text-generation prompt.
func buildPrompt(msgs []gateway.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case gateway.RoleSystem:
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		case gateway.RoleUser:
			b.WriteString("User: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		case gateway.RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	b.WriteString("Assistant:")
	return b.String()
}

// wireParameters is the text-generation parameter block.
type wireParameters struct {
	MaxNewTokens   *int     `json:"max_new_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	Stop           []string `json:"stop,omitempty"`
	ReturnFullText bool     `json:"return_full_text"`
}

// ChatCompletion runs a text-generation call and wraps the output as a chat
// completion. Usage is estimated locally because the API reports none.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	prompt := buildPrompt(req.Messages)
	wireReq := struct {
		Inputs     string         `json:"inputs"`
		Parameters wireParameters `json:"parameters"`
	}{
		Inputs: prompt,
		Parameters: wireParameters{
			MaxNewTokens: req.MaxTokens,
			Temperature:  req.Temperature,
			TopP:         req.TopP,
			Stop:         req.Stop,
		},
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("huggingface: marshal request: %w", err)
	}

	vendorModel := c.table.Vendor(req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modelURL(vendorModel), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("huggingface: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("huggingface: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var wire []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("huggingface: decode response: %w", err)
	}
	if len(wire) == 0 {
		return nil, gateway.NewError(gateway.ClassProviderServer, "huggingface: empty generation result")
	}

	text := strings.TrimSpace(wire[0].GeneratedText)
	promptTokens := c.counter.CountText(vendorModel, prompt)
	completionTokens := c.counter.CountText(vendorModel, text)

	return &gateway.ChatResponse{
		ID:     "hf-" + uuid.NewString(),
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []gateway.Choice{{
			Index: 0,
			Message: gateway.Message{
				Role:    gateway.RoleAssistant,
				Content: text,
			},
			FinishReason: gateway.FinishStop,
		}},
		Usage: &gateway.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// ChatCompletionStream emulates streaming with a unary call. The whole
// completion arrives as one delta; cancellation before it lands aborts the
// upstream call via ctx.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	ch := make(chan gateway.StreamChunk, 4)
	go func() {
		defer close(ch)
		resp, err := c.ChatCompletion(ctx, req)
		if err != nil {
			select {
			case ch <- gateway.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		content := ""
		if len(resp.Choices) > 0 {
			content = resp.Choices[0].Message.Content
		}
		chunks := []gateway.StreamChunk{
			sseutil.RoleChunk(resp.ID, resp.Model),
			sseutil.DeltaChunk(resp.ID, resp.Model, content),
			sseutil.FinishChunk(resp.ID, resp.Model, gateway.FinishStop, resp.Usage),
			{Done: true},
		}
		for _, chunk := range chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Embeddings runs the feature-extraction pipeline.
func (c *Client) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	texts := req.Input.Texts()
	wireReq := struct {
		Inputs []string `json:"inputs"`
	}{Inputs: texts}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("huggingface: marshal request: %w", err)
	}

	vendorModel := c.table.Vendor(req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pipelineURL(vendorModel), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("huggingface: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("huggingface: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("huggingface: decode response: %w", err)
	}

	out := &gateway.EmbeddingResponse{Object: "list", Model: req.Model}
	promptTokens := 0
	for i, vec := range vectors {
		out.Data = append(out.Data, gateway.Embedding{
			Object:    "embedding",
			Index:     i,
			Embedding: vec,
		})
	}
	for _, text := range texts {
		promptTokens += c.counter.CountText(vendorModel, text)
	}
	out.Usage = &gateway.Usage{PromptTokens: promptTokens, TotalTokens: promptTokens}
	return out, nil
}

// HealthCheck verifies reachability of the inference endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("huggingface: create health check request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("huggingface: health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return gateway.Errorf(gateway.ClassProviderUnavailable, "huggingface: health check: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Model ids are org/name paths; the slash stays literal in the URL.
func (c *Client) modelURL(vendorModel string) string {
	return c.baseURL + "/models/" + vendorModel
}

func (c *Client) pipelineURL(vendorModel string) string {
	return c.baseURL + "/pipeline/feature-extraction/" + vendorModel
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
}
