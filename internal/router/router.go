// Package router selects a concrete model for a logical request under a
// routing strategy, reading live metrics and health snapshots.
package router

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/circuitbreaker"
	"github.com/relaymux/relay/internal/config"
	"github.com/relaymux/relay/internal/provider"
)

const defaultCompletionBudget = 1000 // assumed maxTokens when unset, for cost math

// MetricsReader exposes the sink queries the router consumes.
type MetricsReader interface {
	Latency(model string) float64
	Throughput(model string) int
}

// HealthReader reports provider liveness.
type HealthReader interface {
	Healthy(provider string) bool
}

// History reads past routing selections for user-preference routing.
type History interface {
	RecentSelections(ctx context.Context, userID string, limit int) ([]string, error)
}

// Recorder receives routing decisions; writes are best-effort.
type Recorder interface {
	RecordDecision(d gateway.RoutingDecision)
}

// Router implements strategy-driven model selection.
type Router struct {
	registry *provider.Registry
	metrics  MetricsReader
	health   HealthReader
	breakers *circuitbreaker.Registry
	history  History
	recorder Recorder
	cfg      config.RoutingConfig

	now       func() time.Time // test seam
	randFloat func() float64   // test seam
	randIntN  func(n int) int  // test seam
}

// New creates a Router. history and recorder may be nil.
func New(registry *provider.Registry, metrics MetricsReader, health HealthReader, breakers *circuitbreaker.Registry, history History, recorder Recorder, cfg config.RoutingConfig) *Router {
	return &Router{
		registry:  registry,
		metrics:   metrics,
		health:    health,
		breakers:  breakers,
		history:   history,
		recorder:  recorder,
		cfg:       cfg,
		now:       time.Now,
		randFloat: rand.Float64,
		randIntN:  rand.IntN,
	}
}

// available reports whether a model can serve traffic right now: its
// provider is healthy and the provider's breaker is not open. An open
// breaker removes every model from that provider until a half-open probe
// succeeds.
func (r *Router) available(m gateway.ModelDescriptor) bool {
	if r.health != nil && !r.health.Healthy(m.Provider) {
		return false
	}
	if r.breakers != nil {
		if b := r.breakers.Get(m.Provider); b != nil && b.State() == circuitbreaker.StateOpen {
			return false
		}
	}
	return true
}

// candidates returns available models matching the request capability.
func (r *Router) candidates(stream bool, embedding bool) []gateway.ModelDescriptor {
	var out []gateway.ModelDescriptor
	for _, m := range r.registry.Models() {
		switch {
		case embedding:
			if !m.Capabilities.Embedding {
				continue
			}
		case stream:
			if !m.Capabilities.Completion || !m.Capabilities.Streaming {
				continue
			}
		default:
			if !m.Capabilities.Completion {
				continue
			}
		}
		if !r.available(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SelectModel picks a concrete model for a completion request and records the
// routing decision. promptTokens is the pre-estimated prompt size.
func (r *Router) SelectModel(ctx context.Context, req *gateway.ChatRequest, userID string, promptTokens int) (gateway.RoutingDecision, error) {
	start := r.now()

	requested := r.registry.Canonical(req.Model)
	cands := r.candidates(req.Stream, false)
	if len(cands) == 0 {
		return gateway.RoutingDecision{}, gateway.Errorf(gateway.ClassNoEligibleModel,
			"no eligible model for completion request %q", req.Model)
	}

	strategy := r.pickStrategy(requested, userID, req.Messages)
	selected := r.resolve(ctx, strategy, requested, userID, req, promptTokens, cands)

	// Guard: an id outside the candidate set degrades to Direct.
	if !containsModel(cands, selected) {
		selected, strategy = requested, gateway.StrategyDirect
	}

	// The decision keeps the id the caller sent; canonicalization is a
	// routing detail, not part of the record.
	d := gateway.RoutingDecision{
		ID:                    uuid.Must(uuid.NewV7()).String(),
		OriginalModel:         req.Model,
		SelectedModel:         selected,
		Strategy:              strategy,
		UserID:                userID,
		RequestDigest:         gateway.RequestDigest(req.Messages),
		EstimatedPromptTokens: promptTokens,
		LatencyMs:             r.now().Sub(start).Milliseconds(),
		CreatedAt:             r.now(),
	}
	if r.recorder != nil {
		r.recorder.RecordDecision(d)
	}
	return d, nil
}

// SelectModelForEmbedding picks a model for an embedding request. Only the
// Direct and CostOptimized strategies apply.
func (r *Router) SelectModelForEmbedding(ctx context.Context, req *gateway.EmbeddingRequest, userID string, promptTokens int) (gateway.RoutingDecision, error) {
	start := r.now()

	requested := r.registry.Canonical(req.Model)
	cands := r.candidates(false, true)
	if len(cands) == 0 {
		return gateway.RoutingDecision{}, gateway.Errorf(gateway.ClassNoEligibleModel,
			"no eligible model for embedding request %q", req.Model)
	}

	strategy := gateway.StrategyDirect
	selected := requested
	if r.cfg.EnableSmartRouting && r.cfg.EnableCostOptimized {
		strategy = gateway.StrategyCostOptimized
		selected = r.resolveCostOptimized(requested, promptTokens, nil, cands)
	}
	if !containsModel(cands, selected) {
		selected, strategy = requested, gateway.StrategyDirect
	}

	d := gateway.RoutingDecision{
		ID:                    uuid.Must(uuid.NewV7()).String(),
		OriginalModel:         req.Model,
		SelectedModel:         selected,
		Strategy:              strategy,
		UserID:                userID,
		EstimatedPromptTokens: promptTokens,
		LatencyMs:             r.now().Sub(start).Milliseconds(),
		CreatedAt:             r.now(),
	}
	if r.recorder != nil {
		r.recorder.RecordDecision(d)
	}
	return d, nil
}

// pickStrategy applies the precedence chain: user preference, per-model
// override, content-based flag, first enabled global, Direct.
func (r *Router) pickStrategy(requested, userID string, msgs []gateway.Message) gateway.Strategy {
	if pref, ok := r.cfg.UserPreferences[userID]; ok && pref.Strategy != "" {
		if s := gateway.Strategy(pref.Strategy); s != gateway.StrategyDirect {
			return s
		}
	}
	if s, ok := r.cfg.ModelStrategies[requested]; ok && s != "" {
		return gateway.Strategy(s)
	}
	if r.cfg.EnableContentBased {
		if Classify(gateway.LastUserMessage(msgs)).Flagged() {
			return gateway.StrategyContentBased
		}
	}
	switch {
	case r.cfg.EnableLoadBalancing:
		return gateway.StrategyLoadBalanced
	case r.cfg.EnableLatencyOptimized:
		return gateway.StrategyLatencyOptimized
	case r.cfg.EnableCostOptimized:
		return gateway.StrategyCostOptimized
	case r.cfg.EnableExperimental:
		return gateway.StrategyExperimental
	default:
		return gateway.StrategyDirect
	}
}

func (r *Router) resolve(ctx context.Context, strategy gateway.Strategy, requested, userID string, req *gateway.ChatRequest, promptTokens int, cands []gateway.ModelDescriptor) string {
	switch strategy {
	case gateway.StrategyCostOptimized:
		return r.resolveCostOptimized(requested, promptTokens, req.MaxTokens, cands)
	case gateway.StrategyLatencyOptimized:
		return r.resolveLatencyOptimized(requested, cands)
	case gateway.StrategyQualityOptimized:
		return r.resolveQualityOptimized(requested, cands)
	case gateway.StrategyLoadBalanced:
		return r.resolveLoadBalanced(requested, cands)
	case gateway.StrategyContentBased:
		return r.resolveContentBased(requested, req.Messages, cands)
	case gateway.StrategyUserPreference:
		return r.resolveUserPreference(ctx, requested, userID, cands)
	case gateway.StrategyExperimental:
		return r.resolveExperimental(requested)
	default:
		return requested
	}
}

// resolveCostOptimized minimizes estimated call cost among candidates whose
// context window fits the request. Ties break by descending quality rank.
func (r *Router) resolveCostOptimized(requested string, promptTokens int, maxTokens *int, cands []gateway.ModelDescriptor) string {
	budget := defaultCompletionBudget
	if maxTokens != nil {
		budget = *maxTokens
	}

	best := requested
	bestCost := -1.0
	bestRank := -1
	for _, m := range cands {
		if m.ContextWindow < promptTokens+budget {
			continue
		}
		cost := m.EstimateCost(promptTokens, budget)
		if bestCost < 0 || cost < bestCost || (cost == bestCost && m.QualityRank > bestRank) {
			best, bestCost, bestRank = m.ID, cost, m.QualityRank
		}
	}
	return best
}

// resolveLatencyOptimized picks the lowest-EWMA-latency candidate from the
// requested model's provider; an empty same-provider set degrades to Direct.
func (r *Router) resolveLatencyOptimized(requested string, cands []gateway.ModelDescriptor) string {
	reqDesc, ok := r.registry.Model(requested)
	if !ok {
		return requested
	}

	best := requested
	bestLatency := -1.0
	for _, m := range cands {
		if m.Provider != reqDesc.Provider {
			continue
		}
		lat := r.metrics.Latency(m.ID)
		if bestLatency < 0 || lat < bestLatency {
			best, bestLatency = m.ID, lat
		}
	}
	return best
}

// resolveQualityOptimized picks the highest quality rank at or above the
// requested model's; ties break by lower estimated cost.
func (r *Router) resolveQualityOptimized(requested string, cands []gateway.ModelDescriptor) string {
	floor := 0
	if reqDesc, ok := r.registry.Model(requested); ok {
		floor = reqDesc.QualityRank
	}

	best := requested
	bestRank := -1
	bestCost := -1.0
	for _, m := range cands {
		if m.QualityRank < floor {
			continue
		}
		cost := m.EstimateCost(defaultCompletionBudget, defaultCompletionBudget)
		if m.QualityRank > bestRank || (m.QualityRank == bestRank && cost < bestCost) {
			best, bestRank, bestCost = m.ID, m.QualityRank, cost
		}
	}
	return best
}

// resolveLoadBalanced keeps traffic on the requested provider unless it is
// unhealthy, in which case a random healthy provider takes over.
func (r *Router) resolveLoadBalanced(requested string, cands []gateway.ModelDescriptor) string {
	reqDesc, ok := r.registry.Model(requested)
	if !ok {
		return requested
	}

	if r.health != nil && !r.health.Healthy(reqDesc.Provider) {
		byProvider := make(map[string][]gateway.ModelDescriptor)
		for _, m := range cands {
			byProvider[m.Provider] = append(byProvider[m.Provider], m)
		}
		providers := make([]string, 0, len(byProvider))
		for p := range byProvider {
			providers = append(providers, p)
		}
		if len(providers) == 0 {
			return requested
		}
		slices.SortFunc(providers, strings.Compare)
		pool := byProvider[providers[r.randIntN(len(providers))]]
		return pool[r.randIntN(len(pool))].ID
	}

	best := requested
	bestTPM := -1
	for _, m := range cands {
		if m.Provider != reqDesc.Provider {
			continue
		}
		tpm := r.metrics.Throughput(m.ID)
		if bestTPM < 0 || tpm < bestTPM {
			best, bestTPM = m.ID, tpm
		}
	}
	return best
}

// resolveContentBased walks the specialty preference list for the classified
// category; the first available candidate wins.
func (r *Router) resolveContentBased(requested string, msgs []gateway.Message, cands []gateway.ModelDescriptor) string {
	category := Classify(gateway.LastUserMessage(msgs)).Category()
	if category == "" {
		return requested
	}
	for _, id := range r.cfg.Specialties[category] {
		canonical := r.registry.Canonical(id)
		if containsModel(cands, canonical) {
			return canonical
		}
	}
	return requested
}

// resolveUserPreference prefers the user's configured model, then their most
// frequent recent selection, then Direct.
func (r *Router) resolveUserPreference(ctx context.Context, requested, userID string, cands []gateway.ModelDescriptor) string {
	if pref, ok := r.cfg.UserPreferences[userID]; ok && pref.PreferredModel != "" {
		canonical := r.registry.Canonical(pref.PreferredModel)
		if containsModel(cands, canonical) {
			return canonical
		}
	}

	if r.history != nil && userID != "" {
		recent, err := r.history.RecentSelections(ctx, userID, 20)
		if err == nil && len(recent) > 0 {
			counts := make(map[string]int, len(recent))
			for _, id := range recent {
				counts[id]++
			}
			best, bestN := "", 0
			ids := make([]string, 0, len(counts))
			for id := range counts {
				ids = append(ids, id)
			}
			slices.SortFunc(ids, strings.Compare)
			for _, id := range ids {
				if counts[id] > bestN && containsModel(cands, id) {
					best, bestN = id, counts[id]
				}
			}
			if best != "" {
				return best
			}
		}
	}
	return requested
}

// resolveExperimental samples the experimental candidate list at the
// configured rate; otherwise Direct.
func (r *Router) resolveExperimental(requested string) string {
	if len(r.cfg.ExperimentalModels) == 0 || r.cfg.ExperimentalSamplingRate <= 0 {
		return requested
	}
	if r.randFloat() >= r.cfg.ExperimentalSamplingRate {
		return requested
	}
	return r.registry.Canonical(r.cfg.ExperimentalModels[r.randIntN(len(r.cfg.ExperimentalModels))])
}

func containsModel(cands []gateway.ModelDescriptor, id string) bool {
	for _, m := range cands {
		if m.ID == id {
			return true
		}
	}
	return false
}
