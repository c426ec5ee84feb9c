package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  addr: ":9090"
providers:
  openai:
    api_key: sk-test
model_mappings:
  - model_id: fast-chat
    provider: openai
    provider_model_id: gpt-4o-mini
    context_window: 128000
    token_price_input: 0.00015
    token_price_output: 0.0006
    quality_rank: 60
    capabilities:
      completion: true
      streaming: true
  - model_id: smart-chat
    provider: anthropic
    provider_model_id: claude-sonnet
    context_window: 200000
    quality_rank: 80
    capabilities:
      completion: true
      streaming: true
aliases:
  default: fast-chat
fallbacks:
  enabled: true
  rules:
    - model_id: fast-chat
      fallback_models: [smart-chat]
`

func TestParseValid(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if len(cfg.ModelMappings) != 2 {
		t.Fatalf("mappings = %d, want 2", len(cfg.ModelMappings))
	}
	if !cfg.Providers.OpenAI.Enabled() {
		t.Error("openai should be enabled")
	}
	if cfg.Providers.Cohere.Enabled() {
		t.Error("cohere should not be enabled")
	}
	if cfg.Aliases["default"] != "fast-chat" {
		t.Errorf("alias default = %q", cfg.Aliases["default"])
	}
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q", cfg.Server.Addr)
	}
	if cfg.Fallbacks.MaxFallbackAttempts != 3 {
		t.Errorf("default max fallback attempts = %d", cfg.Fallbacks.MaxFallbackAttempts)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("default cache ttl = %v", cfg.Cache.TTL)
	}
	if got := cfg.Monitoring.Interval(); got != 5*time.Minute {
		t.Errorf("default monitor interval = %v", got)
	}
	if got := cfg.TokenUsage.Retention(); got != 90*24*time.Hour {
		t.Errorf("default retention = %v", got)
	}
}

func TestProviderEntryTimeouts(t *testing.T) {
	t.Parallel()
	var p ProviderEntry
	if p.Timeout() != 30*time.Second {
		t.Errorf("default timeout = %v", p.Timeout())
	}
	if p.StreamTimeout() != 120*time.Second {
		t.Errorf("default stream timeout = %v", p.StreamTimeout())
	}
	p.TimeoutSeconds = 5
	if p.Timeout() != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", p.Timeout())
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "secret123")
	got := string(expandEnv([]byte("api_key: ${RELAY_TEST_KEY}\nother: ${RELAY_TEST_UNSET}")))
	if !strings.Contains(got, "secret123") {
		t.Errorf("env not expanded: %q", got)
	}
	// Unset variables are left intact rather than replaced with "".
	if !strings.Contains(got, "${RELAY_TEST_UNSET}") {
		t.Errorf("unset variable should be preserved: %q", got)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "mappings in both places",
			yaml: `
model_mappings:
  - {model_id: a, provider: openai, context_window: 100}
routing:
  model_mappings:
    - {model_id: b, provider: openai, context_window: 100}
`,
			want: "both",
		},
		{
			name: "duplicate model id",
			yaml: `
model_mappings:
  - {model_id: a, provider: openai, context_window: 100}
  - {model_id: a, provider: openai, context_window: 100}
`,
			want: "duplicate",
		},
		{
			name: "unknown provider",
			yaml: `
model_mappings:
  - {model_id: a, provider: bedrock, context_window: 100}
`,
			want: "unknown provider",
		},
		{
			name: "non-positive context window",
			yaml: `
model_mappings:
  - {model_id: a, provider: openai, context_window: 0}
`,
			want: "context_window",
		},
		{
			name: "alias to unmapped model",
			yaml: `
model_mappings:
  - {model_id: a, provider: openai, context_window: 100}
aliases:
  x: missing
`,
			want: "unmapped",
		},
		{
			name: "fallback equal to primary",
			yaml: `
model_mappings:
  - {model_id: a, provider: openai, context_window: 100}
fallbacks:
  rules:
    - {model_id: a, fallback_models: [a]}
`,
			want: "repeated or equal",
		},
		{
			name: "sampling rate out of range",
			yaml: `
routing:
  experimental_sampling_rate: 1.5
`,
			want: "sampling_rate",
		},
		{
			name: "bad storage provider",
			yaml: `
token_usage:
  storage_provider: redis
`,
			want: "storage_provider",
		},
		{
			name: "credential missing user id",
			yaml: `
credentials:
  - key: abc
`,
			want: "user_id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestRoutingModelMappingsFallthrough(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(`
routing:
  model_mappings:
    - {model_id: legacy, provider: openai, context_window: 100}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.ModelMappings) != 1 || cfg.ModelMappings[0].ModelID != "legacy" {
		t.Errorf("routing-level mappings not promoted: %+v", cfg.ModelMappings)
	}
}
