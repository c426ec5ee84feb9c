// Package gateway defines domain types and interfaces for the relay LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// --- Provider ---

// Provider is the interface that all LLM provider adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
	// Models returns the descriptors of all models this adapter serves.
	Models() []ModelDescriptor
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	// The returned channel is closed after a Done sentinel or an error chunk.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// Embeddings generates embeddings for input text.
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	// CountTokens estimates the token count of text for the given model.
	CountTokens(model, text string) int
	// HealthCheck verifies connectivity to the provider without incurring token cost.
	HealthCheck(ctx context.Context) error
}

// --- Chat ---

// ChatRequest represents a chat completion request in the gateway schema.
type ChatRequest struct {
	Model       string          `json:"modelId"`
	Messages    []Message       `json:"messages"`
	MaxTokens   *int            `json:"maxTokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"topP,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	User        string          `json:"user,omitempty"`
}

// Message represents a single chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
}

// Message roles accepted by the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// LastUserMessage returns the content of the most recent user message, or "".
func LastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// ChatResponse represents a chat completion response in the gateway schema.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"modelId"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finishReason"`
}

// Finish reasons in the gateway alphabet.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// --- Streaming ---

// Delta is the incremental payload of a streaming choice.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls json.RawMessage `json:"toolCalls,omitempty"`
}

// ChunkChoice is a single choice within a stream chunk. FinishReason is
// non-empty only on the terminal chunk for that choice.
type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finishReason,omitempty"`
}

// StreamChunk represents a single frame of a streaming response.
// Exactly one of Choices/Usage, Done, or Err is meaningful per chunk.
type StreamChunk struct {
	ID      string        `json:"id,omitempty"`
	Model   string        `json:"modelId,omitempty"`
	Created int64         `json:"created,omitempty"`
	Choices []ChunkChoice `json:"choices,omitempty"`
	Usage   *Usage        `json:"usage,omitempty"`
	Done    bool          `json:"-"`
	Err     error         `json:"-"`
}

// --- Embeddings ---

// EmbeddingInput is either a single string or an ordered list of strings.
// Heterogeneous arrays are rejected during unmarshalling.
type EmbeddingInput struct {
	texts  []string
	single bool
}

// SingleInput builds an EmbeddingInput from one string.
func SingleInput(s string) EmbeddingInput {
	return EmbeddingInput{texts: []string{s}, single: true}
}

// ManyInput builds an EmbeddingInput from an ordered list of strings.
func ManyInput(texts []string) EmbeddingInput {
	return EmbeddingInput{texts: texts}
}

// Texts returns the input strings in order.
func (in EmbeddingInput) Texts() []string { return in.texts }

// IsSingle reports whether the input was a bare string.
func (in EmbeddingInput) IsSingle() bool { return in.single }

// UnmarshalJSON accepts a JSON string or an array of JSON strings.
func (in *EmbeddingInput) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*in = SingleInput(s)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("input must be a string or an array of strings")
	}
	*in = ManyInput(many)
	return nil
}

// MarshalJSON emits the original shape: a bare string or a string array.
func (in EmbeddingInput) MarshalJSON() ([]byte, error) {
	if in.single {
		return json.Marshal(in.texts[0])
	}
	return json.Marshal(in.texts)
}

// EmbeddingRequest represents an embedding request in the gateway schema.
type EmbeddingRequest struct {
	Model string         `json:"modelId"`
	Input EmbeddingInput `json:"input"`
	User  string         `json:"user,omitempty"`
}

// Embedding is a single embedding vector, ordered by input index.
type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"vector"`
}

// EmbeddingResponse represents an embedding response in the gateway schema.
type EmbeddingResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"modelId"`
	Usage  *Usage      `json:"usage,omitempty"`
}

// --- Model descriptors ---

// Capabilities describes what a model can do. Capabilities are data, not
// types: adapters report them and the router filters on them.
type Capabilities struct {
	Completion      bool `json:"completion" yaml:"completion"`
	Embedding       bool `json:"embedding" yaml:"embedding"`
	Streaming       bool `json:"streaming" yaml:"streaming"`
	FunctionCalling bool `json:"functionCalling" yaml:"function_calling"`
	Vision          bool `json:"vision" yaml:"vision"`
}

// ModelDescriptor describes a concrete vendor model exposed by the gateway.
type ModelDescriptor struct {
	ID               string       `json:"id"`
	Provider         string       `json:"providerName"`
	ProviderModelID  string       `json:"providerModelId"`
	DisplayName      string       `json:"displayName,omitempty"`
	ContextWindow    int          `json:"contextWindow"`
	Capabilities     Capabilities `json:"capabilities"`
	InputPricePer1K  float64      `json:"tokenPriceInput"`
	OutputPricePer1K float64      `json:"tokenPriceOutput"`
	QualityRank      int          `json:"qualityRank,omitempty"` // 0..100, 0 = unranked
}

// EstimateCost returns the USD cost of a call with the given token counts.
func (m ModelDescriptor) EstimateCost(promptTokens, completionTokens int) float64 {
	return m.InputPricePer1K*float64(promptTokens)/1000 +
		m.OutputPricePer1K*float64(completionTokens)/1000
}

// --- Routing ---

// Strategy names a rule set for choosing a concrete model from a logical request.
type Strategy string

const (
	StrategyDirect           Strategy = "Direct"
	StrategyCostOptimized    Strategy = "CostOptimized"
	StrategyLatencyOptimized Strategy = "LatencyOptimized"
	StrategyQualityOptimized Strategy = "QualityOptimized"
	StrategyLoadBalanced     Strategy = "LoadBalanced"
	StrategyContentBased     Strategy = "ContentBased"
	StrategyUserPreference   Strategy = "UserPreference"
	StrategyExperimental     Strategy = "Experimental"
	StrategyFallback         Strategy = "Fallback"
)

// digestLimit bounds the stored request digest.
const digestLimit = 100

// RequestDigest returns the first 100 characters of the last user message.
func RequestDigest(msgs []Message) string {
	text := LastUserMessage(msgs)
	if len(text) > digestLimit {
		return text[:digestLimit]
	}
	return text
}

// RoutingDecision is an immutable record of one routing selection.
type RoutingDecision struct {
	ID                    string    `json:"id"`
	OriginalModel         string    `json:"originalModelId"`
	SelectedModel         string    `json:"selectedModelId"`
	Strategy              Strategy  `json:"strategy"`
	UserID                string    `json:"userId"`
	RequestDigest         string    `json:"requestDigest,omitempty"`
	EstimatedPromptTokens int       `json:"estimatedPromptTokens"`
	Fallback              bool      `json:"isFallback"`
	FallbackReason        string    `json:"fallbackReason,omitempty"`
	LatencyMs             int64     `json:"latencyMs"`
	CreatedAt             time.Time `json:"timestamp"`
}

// --- Metrics & health ---

// ModelMetrics is the rolling aggregate for one model.
// Invariant: SuccessCount+ErrorCount >= 1 once a row exists.
type ModelMetrics struct {
	Model               string    `json:"modelId"`
	Provider            string    `json:"providerName"`
	AvgLatencyMs        float64   `json:"avgLatencyMs"`
	SuccessCount        int64     `json:"successCount"`
	ErrorCount          int64     `json:"errorCount"`
	ThroughputPerMinute int       `json:"throughputPerMinute"`
	AvgCostPerRequest   float64   `json:"avgCostPerRequest"`
	LastUpdated         time.Time `json:"lastUpdated"`
}

// HealthStatus is the liveness classification of a provider.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthUnhealthy
)

// String returns a human-readable status name.
func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ProviderHealth is the most recent probe result for one provider.
type ProviderHealth struct {
	Provider    string       `json:"providerName"`
	Status      HealthStatus `json:"status"`
	LatencyMs   int64        `json:"latencyMs"`
	Error       string       `json:"errorMessage,omitempty"`
	LastChecked time.Time    `json:"lastChecked"`
}

// --- Usage ---

// Request types recorded against token usage.
const (
	RequestTypeCompletion          = "completion"
	RequestTypeStreamingCompletion = "streaming_completion"
	RequestTypeEmbedding           = "embedding"
)

// TokenUsageRecord is a write-only usage event.
type TokenUsageRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Model            string    `json:"modelId"`
	Provider         string    `json:"providerName"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	RequestType      string    `json:"requestType"`
	RequestID        string    `json:"requestId,omitempty"`
	CreatedAt        time.Time `json:"timestamp"`
}

// RequestLog is a per-request audit row.
type RequestLog struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"requestId"`
	UserID     string    `json:"userId"`
	Model      string    `json:"modelId"`
	Path       string    `json:"path"`
	StatusCode int       `json:"statusCode"`
	LatencyMs  int64     `json:"latencyMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// --- Fallbacks ---

// FallbackRule maps a primary model to its ordered fallbacks and the error
// classes that trigger them. Fallback models must be distinct from the
// primary and from each other.
type FallbackRule struct {
	Model        string       `json:"modelId"`
	Fallbacks    []string     `json:"fallbackModels"`
	ErrorClasses []ErrorClass `json:"errorCodes"`
}

// --- Authenticator ---

// Identity is the authenticated caller attached to request context.
type Identity struct {
	UserID string `json:"userId"`
	Key    string `json:"-"` // credential used, for rate-limit bucketing
}
