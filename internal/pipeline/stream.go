package pipeline

import (
	"context"
	"errors"
	"log/slog"

	gateway "github.com/relaymux/relay/internal"
)

// CompleteStream runs the streaming completion flow. Chunks arrive on the
// returned channel in producer order; the channel closes after a Done
// sentinel or a terminal error chunk. Errors observed before the first
// forwarded chunk are eligible for fallback; later errors are terminal
// because partial output has already reached the client.
func (p *Pipeline) CompleteStream(ctx context.Context, req *gateway.ChatRequest, caller gateway.Identity) (<-chan gateway.StreamChunk, error) {
	if err := validateChatRequest(req); err != nil {
		return nil, err
	}
	if p.filter != nil {
		if err := p.filter.CheckRequest(req); err != nil {
			return nil, err
		}
	}

	streamReq := *req
	streamReq.Stream = true

	promptTokens := p.counter.EstimateRequest(streamReq.Model, &streamReq)

	selected := p.registry.Canonical(streamReq.Model)
	if p.smartRouting && p.router != nil {
		d, err := p.router.SelectModel(ctx, &streamReq, caller.UserID, promptTokens)
		if err != nil {
			return nil, err
		}
		selected = d.SelectedModel
		if p.telemetry != nil {
			p.telemetry.RouterSelections.WithLabelValues(string(d.Strategy)).Inc()
		}
	}

	out := make(chan gateway.StreamChunk, 8)
	go p.runStream(ctx, &streamReq, caller.UserID, selected, promptTokens, out)
	return out, nil
}

func (p *Pipeline) runStream(ctx context.Context, req *gateway.ChatRequest, userID, selected string, promptTokens int, out chan<- gateway.StreamChunk) {
	defer close(out)

	tried := make([]string, 0, 2)
	current := selected
	for attempt := 0; ; attempt++ {
		tried = append(tried, current)

		err, delivered := p.streamOnce(ctx, current, req, userID, promptTokens, out)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			// Client went away; nothing left to deliver.
			return
		}
		if !delivered {
			if next, ok := p.fallback.Next(current, err, tried, attempt); ok {
				slog.LogAttrs(ctx, slog.LevelWarn, "stream falling back",
					slog.String("from", current),
					slog.String("to", next),
					slog.String("error", err.Error()),
				)
				p.recordFallback(current, next, userID, req, promptTokens, err)
				current = next
				continue
			}
		}
		out <- gateway.StreamChunk{Err: err}
		return
	}
}

// streamOnce runs one streaming attempt against one model. delivered reports
// whether any chunk reached the client. Usage is recorded on every terminal
// path with the counts observed so far, cancellation included.
func (p *Pipeline) streamOnce(ctx context.Context, model string, req *gateway.ChatRequest, userID string, promptTokens int, out chan<- gateway.StreamChunk) (err error, delivered bool) {
	desc, adapter, err := p.registry.Resolve(model)
	if err != nil {
		return err, false
	}
	if err := checkWindow(desc, promptTokens, req.MaxTokens); err != nil {
		return err, false
	}
	b, err := p.allow(desc.Provider)
	if err != nil {
		return err, false
	}

	attempt := *req
	attempt.Model = desc.ID

	// Own cancellation scope so a filter truncation can abort the vendor
	// connection promptly.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := p.now()
	ch, err := adapter.ChatCompletionStream(streamCtx, &attempt)
	if err != nil {
		p.observeError(b, desc, err)
		return err, false
	}

	completionTokens := 0
	var vendorUsage *gateway.Usage

	finalize := func() gateway.Usage {
		usage := gateway.Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens}
		if vendorUsage != nil {
			usage = *vendorUsage
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		p.recordUsage(userID, desc, usage, gateway.RequestTypeStreamingCompletion)
		return usage
	}

	for chunk := range ch {
		if chunk.Err != nil {
			p.observeError(b, desc, chunk.Err)
			if delivered {
				finalize()
			}
			return chunk.Err, delivered
		}
		if chunk.Usage != nil {
			vendorUsage = chunk.Usage
		}

		// Filter and account each delta before forwarding.
		for i := range chunk.Choices {
			content := chunk.Choices[i].Delta.Content
			if content == "" {
				continue
			}
			if p.filter != nil && p.filter.CheckText(content) != nil {
				cancel()
				truncated := gateway.StreamChunk{
					ID:    chunk.ID,
					Model: chunk.Model,
					Choices: []gateway.ChunkChoice{{
						Index:        chunk.Choices[i].Index,
						FinishReason: gateway.FinishContentFilter,
					}},
				}
				select {
				case out <- truncated:
					delivered = true
				case <-ctx.Done():
				}
				select {
				case out <- gateway.StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				usage := finalize()
				p.observeSuccess(b, desc, p.now().Sub(start), usage)
				return nil, delivered
			}
			completionTokens += p.counter.CountText(desc.ID, content)
		}

		select {
		case out <- chunk:
			delivered = true
		case <-ctx.Done():
			cancel()
			finalize()
			return ctx.Err(), delivered
		}
	}

	usage := finalize()
	p.observeSuccess(b, desc, p.now().Sub(start), usage)
	return nil, delivered
}
