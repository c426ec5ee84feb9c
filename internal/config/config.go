// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/relaymux/relay/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Providers     ProvidersConfig     `yaml:"providers"`
	ModelMappings []ModelMapping      `yaml:"model_mappings"`
	Aliases       map[string]string   `yaml:"aliases"`
	Routing       RoutingConfig       `yaml:"routing"`
	Fallbacks     FallbacksConfig     `yaml:"fallbacks"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	TokenUsage    TokenUsageConfig    `yaml:"token_usage"`
	RateLimiting  RateLimitingConfig  `yaml:"rate_limiting"`
	Cache         CacheConfig         `yaml:"cache"`
	ContentFilter ContentFilterConfig `yaml:"content_filter"`
	Credentials   []Credential        `yaml:"credentials"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProvidersConfig holds per-vendor connection settings.
type ProvidersConfig struct {
	OpenAI      ProviderEntry `yaml:"openai"`
	Anthropic   ProviderEntry `yaml:"anthropic"`
	Cohere      ProviderEntry `yaml:"cohere"`
	HuggingFace ProviderEntry `yaml:"huggingface"`
}

// ProviderEntry configures one upstream vendor.
type ProviderEntry struct {
	APIKey               string `yaml:"api_key"`
	APIURL               string `yaml:"api_url"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	StreamTimeoutSeconds int    `yaml:"stream_timeout_seconds"`
	APIVersion           string `yaml:"api_version"`
	OrganizationID       string `yaml:"organization_id"`
	MaxConns             int    `yaml:"max_conns"`
}

// Enabled reports whether the vendor is configured at all.
func (p ProviderEntry) Enabled() bool { return p.APIKey != "" || p.APIURL != "" }

// Timeout returns the request timeout (default 30s).
func (p ProviderEntry) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// StreamTimeout returns the streaming timeout (default 120s).
func (p ProviderEntry) StreamTimeout() time.Duration {
	if p.StreamTimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(p.StreamTimeoutSeconds) * time.Second
}

// ModelMapping maps a gateway model id to a vendor model.
type ModelMapping struct {
	ModelID          string               `yaml:"model_id"`
	Provider         string               `yaml:"provider"`
	ProviderModelID  string               `yaml:"provider_model_id"`
	DisplayName      string               `yaml:"display_name"`
	ContextWindow    int                  `yaml:"context_window"`
	InputPricePer1K  float64              `yaml:"token_price_input"`
	OutputPricePer1K float64              `yaml:"token_price_output"`
	QualityRank      int                  `yaml:"quality_rank"`
	Capabilities     gateway.Capabilities `yaml:"capabilities"`
}

// Descriptor converts the mapping into a gateway model descriptor.
func (m ModelMapping) Descriptor() gateway.ModelDescriptor {
	return gateway.ModelDescriptor{
		ID:               m.ModelID,
		Provider:         m.Provider,
		ProviderModelID:  m.ProviderModelID,
		DisplayName:      m.DisplayName,
		ContextWindow:    m.ContextWindow,
		Capabilities:     m.Capabilities,
		InputPricePer1K:  m.InputPricePer1K,
		OutputPricePer1K: m.OutputPricePer1K,
		QualityRank:      m.QualityRank,
	}
}

// RoutingConfig controls router strategy selection.
type RoutingConfig struct {
	EnableSmartRouting       bool    `yaml:"enable_smart_routing"`
	EnableLoadBalancing      bool    `yaml:"enable_load_balancing"`
	EnableLatencyOptimized   bool    `yaml:"enable_latency_optimized_routing"`
	EnableCostOptimized      bool    `yaml:"enable_cost_optimized_routing"`
	EnableContentBased       bool    `yaml:"enable_content_based_routing"`
	EnableExperimental       bool    `yaml:"enable_experimental_routing"`
	ExperimentalSamplingRate float64 `yaml:"experimental_sampling_rate"`
	ExperimentalModels       []string `yaml:"experimental_models"`

	// ModelStrategies assigns a strategy to a specific requested model.
	ModelStrategies map[string]string `yaml:"model_strategies"`
	// UserPreferences assigns a strategy or preferred model to a user id.
	UserPreferences map[string]UserPreference `yaml:"user_preferences"`
	// Specialties maps content categories (code, math, creative) to ordered
	// preferred model lists for content-based routing.
	Specialties map[string][]string `yaml:"specialties"`

	// ModelMappings is a legacy location for model mappings; defining it
	// together with the top-level model_mappings is a configuration error.
	ModelMappings []ModelMapping `yaml:"model_mappings"`
}

// UserPreference is a per-user routing override.
type UserPreference struct {
	Strategy       string `yaml:"strategy"`
	PreferredModel string `yaml:"preferred_model"`
}

// FallbacksConfig controls model fallback on provider failure.
type FallbacksConfig struct {
	Enabled             bool           `yaml:"enabled"`
	MaxFallbackAttempts int            `yaml:"max_fallback_attempts"`
	Rules               []FallbackRule `yaml:"rules"`
}

// FallbackRule configures fallbacks for one primary model.
type FallbackRule struct {
	ModelID        string   `yaml:"model_id"`
	FallbackModels []string `yaml:"fallback_models"`
	ErrorCodes     []string `yaml:"error_codes"`
}

// MonitoringConfig controls the provider health monitor.
type MonitoringConfig struct {
	HealthCheckIntervalMinutes     int  `yaml:"health_check_interval_minutes"`
	ConsecutiveFailuresBeforeAlert int  `yaml:"consecutive_failures_before_alert"`
	AutoStartMonitoring            bool `yaml:"auto_start_monitoring"`
}

// Interval returns the probe interval (default 5m).
func (m MonitoringConfig) Interval() time.Duration {
	if m.HealthCheckIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(m.HealthCheckIntervalMinutes) * time.Minute
}

// TokenUsageConfig controls usage persistence.
type TokenUsageConfig struct {
	StorageProvider   string `yaml:"storage_provider"` // "database" or "memory"
	DataRetentionDays int    `yaml:"data_retention_days"`
}

// Retention returns the record retention period (default 90 days).
func (t TokenUsageConfig) Retention() time.Duration {
	days := t.DataRetentionDays
	if days <= 0 {
		days = 90
	}
	return time.Duration(days) * 24 * time.Hour
}

// RateLimitingConfig holds inbound token-bucket settings (per credential).
type RateLimitingConfig struct {
	TokenLimit                 int64 `yaml:"token_limit"`
	TokensPerPeriod            int64 `yaml:"tokens_per_period"`
	ReplenishmentPeriodSeconds int   `yaml:"replenishment_period_seconds"`
	QueueLimit                 int   `yaml:"queue_limit"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"` // for temperature-0 responses
}

// ContentFilterConfig holds blocked-content patterns (regular expressions).
type ContentFilterConfig struct {
	Enabled         bool     `yaml:"enabled"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// Credential is an inbound API credential accepted by the gateway.
type Credential struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes, applying defaults before unmarshal.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    150 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "relay.db",
		},
		Fallbacks: FallbacksConfig{
			MaxFallbackAttempts: 3,
		},
		Monitoring: MonitoringConfig{
			HealthCheckIntervalMinutes:     5,
			ConsecutiveFailuresBeforeAlert: 3,
			AutoStartMonitoring:            true,
		},
		TokenUsage: TokenUsageConfig{
			StorageProvider:   "database",
			DataRetentionDays: 90,
		},
		RateLimiting: RateLimitingConfig{
			TokenLimit:                 100,
			TokensPerPeriod:            100,
			ReplenishmentPeriodSeconds: 60,
		},
		Cache: CacheConfig{
			Enabled: true,
			MaxSize: 10_000,
			TTL:     time.Hour,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
