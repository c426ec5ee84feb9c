package pipeline

import (
	"context"
	"log/slog"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/cache"
)

// Complete runs the unary completion flow. The returned bool reports whether
// the response was served from the cache.
func (p *Pipeline) Complete(ctx context.Context, req *gateway.ChatRequest, caller gateway.Identity) (*gateway.ChatResponse, bool, error) {
	if err := validateChatRequest(req); err != nil {
		return nil, false, err
	}
	if p.filter != nil {
		if err := p.filter.CheckRequest(req); err != nil {
			return nil, false, err
		}
	}

	promptTokens := p.counter.EstimateRequest(req.Model, req)

	selected := p.registry.Canonical(req.Model)
	if p.smartRouting && p.router != nil {
		d, err := p.router.SelectModel(ctx, req, caller.UserID, promptTokens)
		if err != nil {
			return nil, false, err
		}
		selected = d.SelectedModel
		if p.telemetry != nil {
			p.telemetry.RouterSelections.WithLabelValues(string(d.Strategy)).Inc()
		}
	}

	tried := make([]string, 0, 2)
	current := selected
	for attempt := 0; ; attempt++ {
		tried = append(tried, current)

		resp, cached, err := p.completeOnce(ctx, current, req, caller.UserID, promptTokens)
		if err == nil {
			return resp, cached, nil
		}

		next, ok := p.fallback.Next(current, err, tried, attempt)
		if !ok {
			return nil, false, err
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "completion falling back",
			slog.String("from", current),
			slog.String("to", next),
			slog.String("error", err.Error()),
		)
		p.recordFallback(current, next, caller.UserID, req, promptTokens, err)
		current = next
	}
}

// completeOnce runs one attempt against one model, through the cache when
// the request is cacheable. Every caller records its own usage row here,
// shared-flight and cache-hit responses included; breaker and latency
// observation stays with the executing call.
func (p *Pipeline) completeOnce(ctx context.Context, model string, req *gateway.ChatRequest, userID string, promptTokens int) (*gateway.ChatResponse, bool, error) {
	desc, adapter, err := p.registry.Resolve(model)
	if err != nil {
		return nil, false, err
	}
	if err := checkWindow(desc, promptTokens, req.MaxTokens); err != nil {
		return nil, false, err
	}

	attempt := *req
	attempt.Model = desc.ID

	call := func() (*gateway.ChatResponse, error) {
		return p.callCompletion(ctx, desc, adapter, &attempt)
	}

	if p.cache != nil && cache.Cacheable(&attempt) {
		key := cache.Key(desc.Provider, desc.ID, &attempt)
		resp, cached, err := p.cache.Do(ctx, key, call)
		if err != nil {
			return nil, false, err
		}
		p.recordUsage(userID, desc, usageOf(resp), gateway.RequestTypeCompletion)
		return resp, cached, nil
	}
	resp, err := call()
	if err != nil {
		return nil, false, err
	}
	p.recordUsage(userID, desc, usageOf(resp), gateway.RequestTypeCompletion)
	return resp, false, nil
}

// callCompletion performs the vendor call under the breaker and observes
// the outcome.
func (p *Pipeline) callCompletion(ctx context.Context, desc gateway.ModelDescriptor, adapter gateway.Provider, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	b, err := p.allow(desc.Provider)
	if err != nil {
		return nil, err
	}

	start := p.now()
	resp, err := adapter.ChatCompletion(ctx, req)
	latency := p.now().Sub(start)
	if err != nil {
		p.observeError(b, desc, err)
		return nil, err
	}

	p.filterResponse(resp)
	p.observeSuccess(b, desc, latency, usageOf(resp))
	return resp, nil
}

func usageOf(resp *gateway.ChatResponse) gateway.Usage {
	if resp.Usage != nil {
		return *resp.Usage
	}
	return gateway.Usage{}
}

// filterResponse truncates choices whose content trips the filter, marking
// them content_filter instead of failing the whole request.
func (p *Pipeline) filterResponse(resp *gateway.ChatResponse) {
	if p.filter == nil || !p.filter.Enabled() {
		return
	}
	for i := range resp.Choices {
		if err := p.filter.CheckText(resp.Choices[i].Message.Content); err != nil {
			resp.Choices[i].Message.Content = ""
			resp.Choices[i].FinishReason = gateway.FinishContentFilter
		}
	}
}
