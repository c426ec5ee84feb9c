// Package anthropic implements the gateway.Provider adapter for the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	anthropicVersion = "2023-06-01"

	// Anthropic requires max_tokens; used when the caller omits it.
	defaultMaxTokens = 4096
)

var _ gateway.Provider = (*Client)(nil)

// Config holds adapter construction parameters.
type Config struct {
	APIKey       string
	BaseURL      string
	APIVersion   string
	Client       *http.Client
	StreamClient *http.Client
	Models       []gateway.ModelDescriptor
	Counter      provider.TokenCounter
}

// Client is an Anthropic provider adapter that implements gateway.Provider.
type Client struct {
	apiKey  string
	baseURL string
	version string
	http    *http.Client
	stream  *http.Client
	table   provider.ModelTable
	counter provider.TokenCounter
}

// New creates an Anthropic Client. If cfg.BaseURL is empty it defaults to
// "https://api.anthropic.com/v1".
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
	version := cfg.APIVersion
	if version == "" {
		version = anthropicVersion
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
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

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	aReq := c.translateRequest(req)
	aReq.Stream = false

	body, err := marshalRequest(aReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	return c.translateResponse(respBody)
}

// ChatCompletionStream sends a streaming chat completion request.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	aReq := c.translateRequest(req)
	aReq.Stream = true

	body, err := marshalRequest(aReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

// Embeddings is not supported by Anthropic; routing never selects an
// Anthropic model for embedding work because no descriptor advertises the
// capability.
func (c *Client) Embeddings(context.Context, *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	return nil, gateway.NewError(gateway.ClassProviderClient, "anthropic: embeddings not supported")
}

// HealthCheck verifies connectivity by listing models; the call costs no tokens.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("anthropic: create health check request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.ParseAPIError(providerName, resp)
	}
	return nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("content-type", "application/json")
	r.Header.Set("x-api-key", c.apiKey)
	r.Header.Set("anthropic-version", c.version)
}
