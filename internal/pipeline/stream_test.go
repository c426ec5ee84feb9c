package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	gateway "github.com/relaymux/relay/internal"
	"github.com/relaymux/relay/internal/contentfilter"
)

func collect(t *testing.T, ch <-chan gateway.StreamChunk) (content string, done bool, streamErr error) {
	t.Helper()
	var b strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return b.String(), done, streamErr
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
				continue
			}
			if chunk.Done {
				done = true
				continue
			}
			for _, c := range chunk.Choices {
				b.WriteString(c.Delta.Content)
			}
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestStreamHappyPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ch, err := e.pipeline.CompleteStream(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{UserID: "u-1"})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	content, done, streamErr := collect(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if content != "hello" {
		t.Errorf("content = %q", content)
	}
	if !done {
		t.Error("missing Done sentinel")
	}

	rec := e.usage.last(t)
	if rec.RequestType != gateway.RequestTypeStreamingCompletion {
		t.Errorf("request type = %q", rec.RequestType)
	}
	// The fake's finish chunk carries vendor usage.
	if rec.PromptTokens != 10 || rec.CompletionTokens != 2 {
		t.Errorf("usage = %d/%d", rec.PromptTokens, rec.CompletionTokens)
	}

	m, ok := e.sink.Model("fast-chat")
	if !ok || m.SuccessCount != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestStreamPreFirstChunkFallback(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.openai.StreamFn = func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		return nil, gateway.NewError(gateway.ClassProviderUnavailable, "openai down")
	}

	ch, err := e.pipeline.CompleteStream(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	content, done, streamErr := collect(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error after fallback: %v", streamErr)
	}
	if content != "hello" {
		t.Errorf("content = %q, want fallback output", content)
	}
	if !done {
		t.Error("missing Done sentinel")
	}
	if e.anthropic.StreamCalls.Load() != 1 {
		t.Errorf("anthropic stream calls = %d", e.anthropic.StreamCalls.Load())
	}

	e.decisions.mu.Lock()
	defer e.decisions.mu.Unlock()
	if len(e.decisions.decisions) != 1 || !e.decisions.decisions[0].Fallback {
		t.Errorf("fallback decision not recorded: %+v", e.decisions.decisions)
	}
}

func TestStreamErrChunkBeforeContentFallsBack(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.openai.StreamFn = func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		ch := make(chan gateway.StreamChunk, 1)
		ch <- gateway.StreamChunk{Err: gateway.NewError(gateway.ClassProviderServer, "boom")}
		close(ch)
		return ch, nil
	}

	ch, err := e.pipeline.CompleteStream(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	content, _, streamErr := collect(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if content != "hello" {
		t.Errorf("content = %q, want fallback output", content)
	}
}

func TestStreamMidStreamErrorIsTerminal(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.openai.StreamFn = func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		ch := make(chan gateway.StreamChunk, 2)
		ch <- gateway.StreamChunk{
			ID:      "x",
			Choices: []gateway.ChunkChoice{{Delta: gateway.Delta{Content: "partial"}}},
		}
		ch <- gateway.StreamChunk{Err: gateway.NewError(gateway.ClassProviderServer, "mid-stream boom")}
		close(ch)
		return ch, nil
	}

	ch, err := e.pipeline.CompleteStream(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	content, _, streamErr := collect(t, ch)
	if content != "partial" {
		t.Errorf("content = %q", content)
	}
	if gateway.ClassOf(streamErr) != gateway.ClassProviderServer {
		t.Errorf("class = %v, want provider_server_error surfaced", gateway.ClassOf(streamErr))
	}
	// No retry: partial output already reached the client.
	if e.anthropic.StreamCalls.Load() != 0 {
		t.Error("fallback attempted after first chunk")
	}

	// Partial usage still recorded.
	rec := e.usage.last(t)
	if rec.CompletionTokens == 0 {
		t.Errorf("completion tokens = %d, want partial count", rec.CompletionTokens)
	}
}

func TestStreamDeltaFilterTruncates(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(cfg *Config) {
		f, err := contentfilter.New(true, []string{`blocked-token`})
		if err != nil {
			t.Fatalf("filter: %v", err)
		}
		cfg.Filter = f
	})
	e.openai.StreamFn = func(ctx context.Context, _ *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		ch := make(chan gateway.StreamChunk, 4)
		go func() {
			defer close(ch)
			chunks := []gateway.StreamChunk{
				{ID: "x", Choices: []gateway.ChunkChoice{{Delta: gateway.Delta{Content: "safe "}}}},
				{ID: "x", Choices: []gateway.ChunkChoice{{Delta: gateway.Delta{Content: "blocked-token"}}}},
				{ID: "x", Choices: []gateway.ChunkChoice{{Delta: gateway.Delta{Content: "never seen"}}}},
				{Done: true},
			}
			for _, c := range chunks {
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}

	ch, err := e.pipeline.CompleteStream(context.Background(), chatReq("fast-chat", "hi"), gateway.Identity{})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	var content strings.Builder
	var finish string
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}
	if content.String() != "safe " {
		t.Errorf("content = %q, want truncated at filter hit", content.String())
	}
	if finish != gateway.FinishContentFilter {
		t.Errorf("finish = %q", finish)
	}
	if !done {
		t.Error("missing Done sentinel after truncation")
	}
}

func TestStreamClientCancelRecordsUsage(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	e := newEnv(t, nil)
	e.openai.StreamFn = func(ctx context.Context, _ *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		ch := make(chan gateway.StreamChunk)
		go func() {
			defer close(ch)
			select {
			case ch <- gateway.StreamChunk{ID: "x", Choices: []gateway.ChunkChoice{{Delta: gateway.Delta{Content: "part"}}}}:
			case <-ctx.Done():
				return
			}
			<-release
			select {
			case ch <- gateway.StreamChunk{ID: "x", Choices: []gateway.ChunkChoice{{Delta: gateway.Delta{Content: "rest"}}}}:
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.pipeline.CompleteStream(ctx, chatReq("fast-chat", "hi"), gateway.Identity{UserID: "u-1"})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	first := <-ch
	if len(first.Choices) == 0 || first.Choices[0].Delta.Content != "part" {
		t.Fatalf("first chunk = %+v", first)
	}
	cancel()
	close(release)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				rec := e.usage.last(t)
				if rec.RequestType != gateway.RequestTypeStreamingCompletion {
					t.Errorf("request type = %q", rec.RequestType)
				}
				if rec.CompletionTokens == 0 {
					t.Errorf("completion tokens = %d, want count up to cancellation", rec.CompletionTokens)
				}
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestStreamValidationError(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	_, err := e.pipeline.CompleteStream(context.Background(), &gateway.ChatRequest{Model: "fast-chat"}, gateway.Identity{})
	if gateway.ClassOf(err) != gateway.ClassValidation {
		t.Errorf("class = %v, want validation_error", gateway.ClassOf(err))
	}
}
