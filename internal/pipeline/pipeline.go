// Package pipeline implements the completion and embedding request flows:
// validate, route, invoke under the circuit breaker, account usage and
// metrics, and fall back on classified failures.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/cache"
	"github.com/relaymux/relay/internal/circuitbreaker"
	"github.com/relaymux/relay/internal/contentfilter"
	"github.com/relaymux/relay/internal/fallback"
	"github.com/relaymux/relay/internal/metrics"
	"github.com/relaymux/relay/internal/provider"
	"github.com/relaymux/relay/internal/router"
	"github.com/relaymux/relay/internal/telemetry"
	"github.com/relaymux/relay/internal/tokencount"
)

// UsageRecorder receives token usage events; writes are best-effort and
// never fail the request.
type UsageRecorder interface {
	RecordUsage(r gateway.TokenUsageRecord)
}

// DecisionRecorder receives fallback routing decisions.
type DecisionRecorder interface {
	RecordDecision(d gateway.RoutingDecision)
}

// Pipeline wires the request flow components together.
type Pipeline struct {
	registry  *provider.Registry
	router    *router.Router
	fallback  *fallback.Controller
	breakers  *circuitbreaker.Registry
	cache     *cache.ResponseCache // nil disables response caching
	filter    *contentfilter.Filter
	counter   *tokencount.Counter
	sink      *metrics.Sink
	usage     UsageRecorder
	decisions DecisionRecorder
	telemetry *telemetry.Metrics // nil disables prometheus accounting

	smartRouting bool

	now func() time.Time // test seam
}

// Config holds pipeline construction parameters.
type Config struct {
	Registry     *provider.Registry
	Router       *router.Router
	Fallback     *fallback.Controller
	Breakers     *circuitbreaker.Registry
	Cache        *cache.ResponseCache
	Filter       *contentfilter.Filter
	Counter      *tokencount.Counter
	Sink         *metrics.Sink
	Usage        UsageRecorder
	Decisions    DecisionRecorder
	Telemetry    *telemetry.Metrics
	SmartRouting bool
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		registry:     cfg.Registry,
		router:       cfg.Router,
		fallback:     cfg.Fallback,
		breakers:     cfg.Breakers,
		cache:        cfg.Cache,
		filter:       cfg.Filter,
		counter:      cfg.Counter,
		sink:         cfg.Sink,
		usage:        cfg.Usage,
		decisions:    cfg.Decisions,
		telemetry:    cfg.Telemetry,
		smartRouting: cfg.SmartRouting,
		now:          time.Now,
	}
}

// allow checks the provider's breaker, converting an open circuit into a
// retryable unavailable error. Breakers are keyed by provider, so one bad
// vendor sidelines all of its models at once.
func (p *Pipeline) allow(providerName string) (*circuitbreaker.Breaker, error) {
	if p.breakers == nil {
		return nil, nil
	}
	b := p.breakers.GetOrCreate(providerName)
	if !b.Allow() {
		return nil, gateway.Errorf(gateway.ClassProviderUnavailable, "%s: circuit open", providerName)
	}
	return b, nil
}

// checkWindow rejects requests whose prompt plus completion budget cannot
// fit the model's context window.
func checkWindow(desc gateway.ModelDescriptor, promptTokens int, maxTokens *int) error {
	budget := 0
	if maxTokens != nil {
		budget = *maxTokens
	}
	if desc.ContextWindow > 0 && promptTokens+budget > desc.ContextWindow {
		return gateway.Errorf(gateway.ClassContextLength,
			"%d prompt tokens plus %d completion budget exceed %s context window of %d",
			promptTokens, budget, desc.ID, desc.ContextWindow)
	}
	return nil
}

func (p *Pipeline) recordUsage(userID string, desc gateway.ModelDescriptor, usage gateway.Usage, requestType string) {
	if p.usage == nil {
		return
	}
	p.usage.RecordUsage(gateway.TokenUsageRecord{
		UserID:           userID,
		Model:            desc.ID,
		Provider:         desc.Provider,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		RequestType:      requestType,
		CreatedAt:        p.now(),
	})
}

// recordFallback emits the routing decision for one fallback hop.
func (p *Pipeline) recordFallback(failed, next, userID string, req *gateway.ChatRequest, promptTokens int, cause error) {
	if p.telemetry != nil {
		p.telemetry.FallbacksTotal.WithLabelValues(failed, next).Inc()
	}
	if p.decisions == nil {
		return
	}
	p.decisions.RecordDecision(gateway.RoutingDecision{
		ID:                    uuid.Must(uuid.NewV7()).String(),
		OriginalModel:         failed,
		SelectedModel:         next,
		Strategy:              gateway.StrategyFallback,
		UserID:                userID,
		RequestDigest:         gateway.RequestDigest(req.Messages),
		EstimatedPromptTokens: promptTokens,
		Fallback:              true,
		FallbackReason:        cause.Error(),
		CreatedAt:             p.now(),
	})
}

// observeError feeds a failed call into the breaker and metrics.
func (p *Pipeline) observeError(b *circuitbreaker.Breaker, desc gateway.ModelDescriptor, err error) {
	if b != nil {
		b.RecordError(circuitbreaker.Weight(err))
	}
	if p.sink != nil {
		p.sink.ObserveError(desc.ID, desc.Provider)
	}
	if p.telemetry != nil {
		p.telemetry.ProviderErrors.WithLabelValues(desc.Provider, string(gateway.ClassOf(err))).Inc()
	}
}

// observeSuccess feeds a completed call into the breaker and metrics.
func (p *Pipeline) observeSuccess(b *circuitbreaker.Breaker, desc gateway.ModelDescriptor, latency time.Duration, usage gateway.Usage) {
	if b != nil {
		b.RecordSuccess()
	}
	if p.sink != nil {
		p.sink.ObserveSuccess(desc.ID, desc.Provider, latency,
			desc.EstimateCost(usage.PromptTokens, usage.CompletionTokens))
	}
	if p.telemetry != nil {
		p.telemetry.ProviderDuration.WithLabelValues(desc.Provider, desc.ID).Observe(latency.Seconds())
		p.telemetry.TokensProcessed.WithLabelValues(desc.ID, "prompt").Add(float64(usage.PromptTokens))
		p.telemetry.TokensProcessed.WithLabelValues(desc.ID, "completion").Add(float64(usage.CompletionTokens))
	}
}
