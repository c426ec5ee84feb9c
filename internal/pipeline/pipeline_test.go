package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/cache"
	"github.com/relaymux/relay/internal/circuitbreaker"
	"github.com/relaymux/relay/internal/config"
	"github.com/relaymux/relay/internal/contentfilter"
	"github.com/relaymux/relay/internal/fallback"
	"github.com/relaymux/relay/internal/metrics"
	"github.com/relaymux/relay/internal/provider"
	"github.com/relaymux/relay/internal/router"
	"github.com/relaymux/relay/internal/telemetry"
	"github.com/relaymux/relay/internal/testutil"
	"github.com/relaymux/relay/internal/tokencount"
)

type captureUsage struct {
	mu      sync.Mutex
	records []gateway.TokenUsageRecord
}

func (c *captureUsage) RecordUsage(r gateway.TokenUsageRecord) {
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
}

func (c *captureUsage) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *captureUsage) last(t *testing.T) gateway.TokenUsageRecord {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		t.Fatal("no usage recorded")
	}
	return c.records[len(c.records)-1]
}

type captureDecisions struct {
	mu        sync.Mutex
	decisions []gateway.RoutingDecision
}

func (c *captureDecisions) RecordDecision(d gateway.RoutingDecision) {
	c.mu.Lock()
	c.decisions = append(c.decisions, d)
	c.mu.Unlock()
}

type env struct {
	pipeline  *Pipeline
	openai    *testutil.FakeProvider
	anthropic *testutil.FakeProvider
	usage     *captureUsage
	decisions *captureDecisions
	sink      *metrics.Sink
}

func descriptors(prov string) []gateway.ModelDescriptor {
	switch prov {
	case "openai":
		return []gateway.ModelDescriptor{{
			ID: "fast-chat", Provider: "openai", ProviderModelID: "gpt-4o-mini",
			ContextWindow: 1000, InputPricePer1K: 1, OutputPricePer1K: 2,
			Capabilities: gateway.Capabilities{Completion: true, Streaming: true},
		}, {
			ID: "embed-small", Provider: "openai", ProviderModelID: "text-embedding-3-small",
			ContextWindow: 8191,
			Capabilities:  gateway.Capabilities{Embedding: true},
		}}
	default:
		return []gateway.ModelDescriptor{{
			ID: "smart-chat", Provider: "anthropic", ProviderModelID: "claude-sonnet-4-5",
			ContextWindow: 200000,
			Capabilities:  gateway.Capabilities{Completion: true, Streaming: true},
		}}
	}
}

func newEnv(t *testing.T, mutate func(*Config)) *env {
	t.Helper()

	openai := &testutil.FakeProvider{ProviderName: "openai", ModelList: descriptors("openai")}
	anthropic := &testutil.FakeProvider{ProviderName: "anthropic", ModelList: descriptors("anthropic")}

	reg := provider.NewRegistry()
	reg.Register(openai)
	reg.Register(anthropic)

	usage := &captureUsage{}
	decisions := &captureDecisions{}
	sink := metrics.NewSink()

	rules := []gateway.FallbackRule{{
		Model:     "fast-chat",
		Fallbacks: []string{"smart-chat"},
	}}

	cfg := Config{
		Registry:  reg,
		Fallback:  fallback.New(true, 3, rules, nil),
		Breakers:  circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		Counter:   tokencount.NewCounter(),
		Sink:      sink,
		Usage:     usage,
		Decisions: decisions,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &env{
		pipeline:  New(cfg),
		openai:    openai,
		anthropic: anthropic,
		usage:     usage,
		decisions: decisions,
		sink:      sink,
	}
}

func chatReq(model, content string) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:    model,
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: content}},
	}
}

func TestValidateChatRequest(t *testing.T) {
	t.Parallel()

	neg := -1
	badTemp := 3.0
	badTopP := 1.5
	tests := []struct {
		name string
		req  *gateway.ChatRequest
	}{
		{"nil request", nil},
		{"missing model", &gateway.ChatRequest{Messages: []gateway.Message{{Role: "user", Content: "hi"}}}},
		{"no messages", &gateway.ChatRequest{Model: "fast-chat"}},
		{"bad role", chatReqWith(func(r *gateway.ChatRequest) { r.Messages[0].Role = "robot" })},
		{"non-positive maxTokens", chatReqWith(func(r *gateway.ChatRequest) { r.MaxTokens = &neg })},
		{"temperature out of range", chatReqWith(func(r *gateway.ChatRequest) { r.Temperature = &badTemp })},
		{"topP out of range", chatReqWith(func(r *gateway.ChatRequest) { r.TopP = &badTopP })},
		{"too many stops", chatReqWith(func(r *gateway.ChatRequest) { r.Stop = []string{"a", "b", "c", "d", "e"} })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := gateway.ClassOf(validateChatRequest(tt.req)); got != gateway.ClassValidation {
				t.Errorf("class = %v, want validation_error", got)
			}
		})
	}

	if err := validateChatRequest(chatReq("fast-chat", "hi")); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
}

func chatReqWith(mutate func(*gateway.ChatRequest)) *gateway.ChatRequest {
	r := chatReq("fast-chat", "hi")
	mutate(r)
	return r
}

func TestCompleteHappyPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	resp, cached, err := e.pipeline.Complete(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{UserID: "u-1"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if cached {
		t.Error("first call reported cached")
	}
	if resp.Choices[0].Message.Content != "hello" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}

	rec := e.usage.last(t)
	if rec.Model != "fast-chat" || rec.Provider != "openai" {
		t.Errorf("usage model/provider = %q/%q", rec.Model, rec.Provider)
	}
	if rec.RequestType != gateway.RequestTypeCompletion {
		t.Errorf("request type = %q", rec.RequestType)
	}
	if rec.UserID != "u-1" {
		t.Errorf("user = %q", rec.UserID)
	}

	m, ok := e.sink.Model("fast-chat")
	if !ok || m.SuccessCount != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestCompleteFallsBackOnRetryable(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.openai.ChatFn = func(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
		return nil, gateway.NewError(gateway.ClassProviderUnavailable, "openai down")
	}

	resp, _, err := e.pipeline.Complete(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{UserID: "u-1"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Model != "smart-chat" {
		t.Errorf("model = %q, want fallback smart-chat", resp.Model)
	}
	if e.anthropic.ChatCalls.Load() != 1 {
		t.Errorf("anthropic calls = %d", e.anthropic.ChatCalls.Load())
	}

	e.decisions.mu.Lock()
	defer e.decisions.mu.Unlock()
	if len(e.decisions.decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(e.decisions.decisions))
	}
	d := e.decisions.decisions[0]
	if !d.Fallback || d.Strategy != gateway.StrategyFallback {
		t.Errorf("decision = %+v", d)
	}
	if d.OriginalModel != "fast-chat" || d.SelectedModel != "smart-chat" {
		t.Errorf("decision models = %q -> %q", d.OriginalModel, d.SelectedModel)
	}
	if !strings.Contains(d.FallbackReason, "openai down") {
		t.Errorf("reason = %q", d.FallbackReason)
	}
}

func TestCompleteDrivesTelemetry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	tm := telemetry.NewMetrics(reg)
	e := newEnv(t, func(cfg *Config) { cfg.Telemetry = tm })

	e.openai.ChatFn = func(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
		return nil, gateway.NewError(gateway.ClassProviderUnavailable, "openai down")
	}

	if _, _, err := e.pipeline.Complete(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{UserID: "u-1"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	byName := make(map[string]float64)
	for _, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue() + float64(m.GetHistogram().GetSampleCount())
		}
		byName[mf.GetName()] = sum
	}

	if byName["relay_fallbacks_total"] != 1 {
		t.Errorf("fallbacks_total = %v, want 1", byName["relay_fallbacks_total"])
	}
	if byName["relay_provider_errors_total"] != 1 {
		t.Errorf("provider_errors_total = %v, want 1", byName["relay_provider_errors_total"])
	}
	// One successful anthropic call observes latency and both token directions.
	if byName["relay_provider_duration_seconds"] == 0 {
		t.Error("provider_duration_seconds not observed")
	}
	if byName["relay_tokens_processed_total"] != 12 {
		t.Errorf("tokens_processed_total = %v, want 12", byName["relay_tokens_processed_total"])
	}
}

func TestCompleteNoFallbackOnClientError(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.openai.ChatFn = func(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
		return nil, gateway.NewError(gateway.ClassProviderClient, "bad request")
	}

	_, _, err := e.pipeline.Complete(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{})
	if gateway.ClassOf(err) != gateway.ClassProviderClient {
		t.Fatalf("class = %v", gateway.ClassOf(err))
	}
	if e.anthropic.ChatCalls.Load() != 0 {
		t.Error("fallback attempted for non-retryable error")
	}
}

func TestCompleteProviderBreakerFailsFast(t *testing.T) {
	t.Parallel()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThreshold: 0.5, MinSamples: 1,
	})
	e := newEnv(t, func(cfg *Config) {
		cfg.Breakers = breakers
		cfg.Fallback = fallback.New(false, 0, nil, nil)
	})

	// Trip the vendor's breaker; fast-chat itself never failed, but it is
	// hosted by openai and must be refused with the rest of the fleet.
	b := breakers.GetOrCreate("openai")
	for range 5 {
		b.RecordError(1.0)
	}

	_, _, err := e.pipeline.Complete(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{})
	if gateway.ClassOf(err) != gateway.ClassProviderUnavailable {
		t.Fatalf("class = %v, want provider_unavailable", gateway.ClassOf(err))
	}
	if e.openai.ChatCalls.Load() != 0 {
		t.Error("vendor called through an open breaker")
	}
}

func TestCompleteModelNotFound(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	_, _, err := e.pipeline.Complete(context.Background(), chatReq("ghost-chat", "hi"), gateway.Identity{})
	if gateway.ClassOf(err) != gateway.ClassModelNotFound {
		t.Errorf("class = %v, want model_not_found", gateway.ClassOf(err))
	}
}

func TestCompleteContextWindow(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	big := 2000 // fast-chat window is 1000
	req := chatReq("fast-chat", "hi")
	req.MaxTokens = &big

	_, _, err := e.pipeline.Complete(context.Background(), req, gateway.Identity{})
	if gateway.ClassOf(err) != gateway.ClassContextLength {
		t.Errorf("class = %v, want context_length_exceeded", gateway.ClassOf(err))
	}
	if e.openai.ChatCalls.Load() != 0 {
		t.Error("vendor called despite window overflow")
	}
}

func TestCompleteCacheHit(t *testing.T) {
	t.Parallel()

	mem, err := cache.NewMemory(100, time.Hour)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	e := newEnv(t, func(cfg *Config) {
		cfg.Cache = cache.NewResponseCache(mem, time.Hour)
	})

	zero := 0.0
	req := chatReq("fast-chat", "deterministic prompt")
	req.Temperature = &zero

	if _, cached, err := e.pipeline.Complete(context.Background(), req, gateway.Identity{}); err != nil || cached {
		t.Fatalf("first call: cached=%v err=%v", cached, err)
	}
	// Otter applies writes asynchronously.
	time.Sleep(50 * time.Millisecond)

	_, cached, err := e.pipeline.Complete(context.Background(), req, gateway.Identity{})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !cached {
		t.Error("second identical call not cached")
	}
	if got := e.openai.ChatCalls.Load(); got != 1 {
		t.Errorf("vendor calls = %d, want 1", got)
	}
	// The cache-hit caller still accounts its own usage row.
	if got := e.usage.count(); got != 2 {
		t.Errorf("usage records = %d, want one per caller", got)
	}
}

func TestCompleteSharedFlightRecordsUsagePerCaller(t *testing.T) {
	t.Parallel()

	mem, err := cache.NewMemory(100, time.Hour)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	e := newEnv(t, func(cfg *Config) {
		cfg.Cache = cache.NewResponseCache(mem, time.Hour)
	})

	release := make(chan struct{})
	e.openai.ChatFn = func(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
		<-release
		return &gateway.ChatResponse{
			ID:     "chatcmpl-shared",
			Object: "chat.completion",
			Model:  "fast-chat",
			Choices: []gateway.Choice{{
				Message:      gateway.Message{Role: gateway.RoleAssistant, Content: "hello"},
				FinishReason: gateway.FinishStop,
			}},
			Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		}, nil
	}

	zero := 0.0
	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := chatReq("fast-chat", "same prompt")
			req.Temperature = &zero
			_, _, err := e.pipeline.Complete(context.Background(), req, gateway.Identity{UserID: "u-1"})
			errs <- err
		}()
	}
	// Let every caller join the in-flight call before it completes.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	if got := e.openai.ChatCalls.Load(); got != 1 {
		t.Errorf("vendor calls = %d, want 1", got)
	}
	if got := e.usage.count(); got != callers {
		t.Errorf("usage records = %d, want %d (one per caller)", got, callers)
	}
}

func TestCompleteNonZeroTemperatureSkipsCache(t *testing.T) {
	t.Parallel()

	mem, err := cache.NewMemory(100, time.Hour)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	e := newEnv(t, func(cfg *Config) {
		cfg.Cache = cache.NewResponseCache(mem, time.Hour)
	})

	warm := 0.7
	req := chatReq("fast-chat", "sample twice")
	req.Temperature = &warm

	for range 2 {
		if _, cached, err := e.pipeline.Complete(context.Background(), req, gateway.Identity{}); err != nil || cached {
			t.Fatalf("cached=%v err=%v", cached, err)
		}
	}
	if got := e.openai.ChatCalls.Load(); got != 2 {
		t.Errorf("vendor calls = %d, want 2", got)
	}
}

func TestCompleteContentFilterBlocksRequest(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(cfg *Config) {
		f, err := contentfilter.New(true, []string{`(?i)forbidden ritual`})
		if err != nil {
			t.Fatalf("filter: %v", err)
		}
		cfg.Filter = f
	})

	_, _, err := e.pipeline.Complete(context.Background(), chatReq("fast-chat", "describe the Forbidden Ritual"), gateway.Identity{})
	if gateway.ClassOf(err) != gateway.ClassContentFiltered {
		t.Errorf("class = %v, want content_filtered", gateway.ClassOf(err))
	}
	if e.openai.ChatCalls.Load() != 0 {
		t.Error("vendor called for a filtered prompt")
	}
}

func TestCompleteContentFilterTruncatesResponse(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(cfg *Config) {
		f, err := contentfilter.New(true, []string{`blocked-token`})
		if err != nil {
			t.Fatalf("filter: %v", err)
		}
		cfg.Filter = f
	})
	e.openai.ChatFn = func(_ context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
		return &gateway.ChatResponse{
			Model: req.Model,
			Choices: []gateway.Choice{{
				Message:      gateway.Message{Role: gateway.RoleAssistant, Content: "contains blocked-token here"},
				FinishReason: gateway.FinishStop,
			}},
		}, nil
	}

	resp, _, err := e.pipeline.Complete(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Choices[0].FinishReason != gateway.FinishContentFilter {
		t.Errorf("finish = %q", resp.Choices[0].FinishReason)
	}
	if resp.Choices[0].Message.Content != "" {
		t.Errorf("content = %q, want truncated", resp.Choices[0].Message.Content)
	}
}

func TestCompleteSmartRoutingSelectsModel(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(cfg *Config) {
		cfg.SmartRouting = true
		cfg.Router = router.New(cfg.Registry, metrics.NewSink(), nil, cfg.Breakers, nil, nil,
			config.RoutingConfig{
				ModelStrategies: map[string]string{"fast-chat": "QualityOptimized"},
			})
	})

	resp, _, err := e.pipeline.Complete(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Model == "" {
		t.Error("empty model in response")
	}
}

func TestEmbedHappyPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	resp, err := e.pipeline.Embed(context.Background(),
		&gateway.EmbeddingRequest{Model: "embed-small", Input: gateway.ManyInput([]string{"one", "two"})},
		gateway.Identity{UserID: "u-1"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("vectors = %d", len(resp.Data))
	}

	rec := e.usage.last(t)
	if rec.RequestType != gateway.RequestTypeEmbedding {
		t.Errorf("request type = %q", rec.RequestType)
	}
	if rec.CompletionTokens != 0 {
		t.Errorf("completion tokens = %d, want 0", rec.CompletionTokens)
	}
}

func TestEmbedRejectsNonEmbeddingModel(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	_, err := e.pipeline.Embed(context.Background(),
		&gateway.EmbeddingRequest{Model: "fast-chat", Input: gateway.SingleInput("hi")}, gateway.Identity{})
	if gateway.ClassOf(err) != gateway.ClassNoEligibleModel {
		t.Errorf("class = %v, want no_eligible_model", gateway.ClassOf(err))
	}
}

func TestEmbedValidatesInput(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	_, err := e.pipeline.Embed(context.Background(),
		&gateway.EmbeddingRequest{Model: "embed-small"}, gateway.Identity{})
	if gateway.ClassOf(err) != gateway.ClassValidation {
		t.Errorf("class = %v, want validation_error", gateway.ClassOf(err))
	}
}
