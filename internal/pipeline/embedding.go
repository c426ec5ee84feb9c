package pipeline

import (
	"context"

	gateway "github.com/relaymux/relay/internal"
)

// Embed runs the embedding flow: validate, route (Direct or CostOptimized
// only), invoke under the breaker, account usage. No fallback applies.
func (p *Pipeline) Embed(ctx context.Context, req *gateway.EmbeddingRequest, caller gateway.Identity) (*gateway.EmbeddingResponse, error) {
	if err := validateEmbeddingRequest(req); err != nil {
		return nil, err
	}

	promptTokens := p.counter.EstimateEmbedding(req.Model, req.Input)

	selected := p.registry.Canonical(req.Model)
	if p.smartRouting && p.router != nil {
		d, err := p.router.SelectModelForEmbedding(ctx, req, caller.UserID, promptTokens)
		if err != nil {
			return nil, err
		}
		selected = d.SelectedModel
	}

	desc, adapter, err := p.registry.Resolve(selected)
	if err != nil {
		return nil, err
	}
	if !desc.Capabilities.Embedding {
		return nil, gateway.Errorf(gateway.ClassNoEligibleModel, "%s does not support embeddings", desc.ID)
	}

	b, err := p.allow(desc.Provider)
	if err != nil {
		return nil, err
	}

	attempt := *req
	attempt.Model = desc.ID

	start := p.now()
	resp, err := adapter.Embeddings(ctx, &attempt)
	latency := p.now().Sub(start)
	if err != nil {
		p.observeError(b, desc, err)
		return nil, err
	}

	usage := gateway.Usage{PromptTokens: promptTokens}
	if resp.Usage != nil {
		usage.PromptTokens = resp.Usage.PromptTokens
	}
	p.observeSuccess(b, desc, latency, usage)
	p.recordUsage(caller.UserID, desc, usage, gateway.RequestTypeEmbedding)
	return resp, nil
}
