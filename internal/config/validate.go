package config

import (
	"fmt"
	"slices"
)

// knownProviders are the vendors the gateway ships adapters for.
var knownProviders = []string{"openai", "anthropic", "cohere", "huggingface"}

// Validate checks the configuration for structural errors. It is called by
// Parse; a failure here maps to CLI exit code 1.
func (c *Config) Validate() error {
	// Model mappings live in exactly one place.
	if len(c.ModelMappings) > 0 && len(c.Routing.ModelMappings) > 0 {
		return fmt.Errorf("model_mappings defined both at top level and under routing; pick one")
	}
	if len(c.ModelMappings) == 0 {
		c.ModelMappings = c.Routing.ModelMappings
	}

	seen := make(map[string]bool, len(c.ModelMappings))
	for _, m := range c.ModelMappings {
		if m.ModelID == "" {
			return fmt.Errorf("model mapping with empty model_id")
		}
		if seen[m.ModelID] {
			return fmt.Errorf("duplicate model mapping %q", m.ModelID)
		}
		seen[m.ModelID] = true
		if !slices.Contains(knownProviders, m.Provider) {
			return fmt.Errorf("model %q: unknown provider %q", m.ModelID, m.Provider)
		}
		if m.ContextWindow <= 0 {
			return fmt.Errorf("model %q: context_window must be positive", m.ModelID)
		}
		if m.InputPricePer1K < 0 || m.OutputPricePer1K < 0 {
			return fmt.Errorf("model %q: token prices must be non-negative", m.ModelID)
		}
		if m.QualityRank < 0 || m.QualityRank > 100 {
			return fmt.Errorf("model %q: quality_rank must be in 0..100", m.ModelID)
		}
	}

	for alias, target := range c.Aliases {
		if !seen[target] {
			return fmt.Errorf("alias %q points to unmapped model %q", alias, target)
		}
	}

	if r := c.Routing.ExperimentalSamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("experimental_sampling_rate must be in 0..1, got %v", r)
	}
	for _, id := range c.Routing.ExperimentalModels {
		if !seen[id] {
			return fmt.Errorf("experimental model %q is not mapped", id)
		}
	}

	for _, rule := range c.Fallbacks.Rules {
		if !seen[rule.ModelID] {
			return fmt.Errorf("fallback rule for unmapped model %q", rule.ModelID)
		}
		used := map[string]bool{rule.ModelID: true}
		for _, fb := range rule.FallbackModels {
			if used[fb] {
				return fmt.Errorf("fallback rule %q: model %q repeated or equal to primary", rule.ModelID, fb)
			}
			used[fb] = true
			if !seen[fb] {
				return fmt.Errorf("fallback rule %q: fallback model %q is not mapped", rule.ModelID, fb)
			}
		}
	}

	if c.Fallbacks.MaxFallbackAttempts < 0 {
		return fmt.Errorf("max_fallback_attempts must be non-negative")
	}

	if c.RateLimiting.TokenLimit < 0 || c.RateLimiting.TokensPerPeriod < 0 {
		return fmt.Errorf("rate limiting token counts must be non-negative")
	}

	switch c.TokenUsage.StorageProvider {
	case "", "database", "memory":
	default:
		return fmt.Errorf("token_usage.storage_provider must be \"database\" or \"memory\"")
	}

	for i, cred := range c.Credentials {
		if cred.Key == "" || cred.UserID == "" {
			return fmt.Errorf("credential %d: key and user_id are required", i)
		}
	}

	return nil
}
