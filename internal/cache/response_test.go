package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

func ptr[T any](v T) *T { return &v }

func testRequest() *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:       "fast-chat",
		Temperature: ptr(0.0),
		Messages: []gateway.Message{
			{Role: gateway.RoleUser, Content: "what is 2+2?"},
		},
	}
}

func TestCacheable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  *gateway.ChatRequest
		want bool
	}{
		{"temperature zero", testRequest(), true},
		{"no temperature", &gateway.ChatRequest{}, false},
		{"nonzero temperature", &gateway.ChatRequest{Temperature: ptr(0.7)}, false},
		{"streaming", &gateway.ChatRequest{Temperature: ptr(0.0), Stream: true}, false},
	}
	for _, tt := range tests {
		if got := Cacheable(tt.req); got != tt.want {
			t.Errorf("%s: Cacheable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestKey_Deterministic(t *testing.T) {
	t.Parallel()

	k1 := Key("openai", "gpt-4o-mini", testRequest())
	k2 := Key("openai", "gpt-4o-mini", testRequest())
	if k1 != k2 {
		t.Errorf("identical requests produced different keys: %s vs %s", k1, k2)
	}

	other := testRequest()
	other.Messages[0].Content = "what is 3+3?"
	if Key("openai", "gpt-4o-mini", other) == k1 {
		t.Error("different content should produce a different key")
	}
	if Key("anthropic", "gpt-4o-mini", testRequest()) == k1 {
		t.Error("different provider should produce a different key")
	}
	if Key("openai", "gpt-4o", testRequest()) == k1 {
		t.Error("different model should produce a different key")
	}
}

func TestKey_ParameterSensitivity(t *testing.T) {
	t.Parallel()

	base := Key("openai", "m", testRequest())

	withMax := testRequest()
	withMax.MaxTokens = ptr(100)
	if Key("openai", "m", withMax) == base {
		t.Error("max_tokens should change the key")
	}

	withTopP := testRequest()
	withTopP.TopP = ptr(0.5)
	if Key("openai", "m", withTopP) == base {
		t.Error("top_p should change the key")
	}
}

func TestResponseCache_DoCachesResult(t *testing.T) {
	t.Parallel()

	mem, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rc := NewResponseCache(mem, time.Minute)
	ctx := context.Background()

	var calls atomic.Int64
	fn := func() (*gateway.ChatResponse, error) {
		calls.Add(1)
		return &gateway.ChatResponse{ID: "resp-1", Model: "fast-chat"}, nil
	}

	resp, cached, err := rc.Do(ctx, "k1", fn)
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Error("first call should be a miss")
	}
	if resp.ID != "resp-1" {
		t.Errorf("resp id = %q", resp.ID)
	}

	// otter applies writes asynchronously.
	time.Sleep(50 * time.Millisecond)

	resp2, cached2, err := rc.Do(ctx, "k1", fn)
	if err != nil {
		t.Fatal(err)
	}
	if !cached2 {
		t.Error("second call should hit the cache")
	}
	if resp2.ID != "resp-1" {
		t.Errorf("cached resp id = %q", resp2.ID)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestResponseCache_SingleFlight(t *testing.T) {
	t.Parallel()

	mem, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rc := NewResponseCache(mem, time.Minute)
	ctx := context.Background()

	var calls atomic.Int64
	release := make(chan struct{})
	fn := func() (*gateway.ChatResponse, error) {
		calls.Add(1)
		<-release
		return &gateway.ChatResponse{ID: "shared"}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	resps := make([]*gateway.ChatResponse, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resps[i], _, errs[i] = rc.Do(ctx, "hot-key", fn)
		}()
	}

	// Let the goroutines pile up on the flight, then release the call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if resps[i].ID != "shared" {
			t.Errorf("caller %d got id %q", i, resps[i].ID)
		}
	}
}

func TestResponseCache_ErrorNotCached(t *testing.T) {
	t.Parallel()

	mem, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rc := NewResponseCache(mem, time.Minute)
	ctx := context.Background()

	boom := errors.New("upstream down")
	if _, _, err := rc.Do(ctx, "k-err", func() (*gateway.ChatResponse, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	// A later call should retry the upstream, not return a cached error.
	resp, cached, err := rc.Do(ctx, "k-err", func() (*gateway.ChatResponse, error) {
		return &gateway.ChatResponse{ID: "ok"}, nil
	})
	if err != nil || cached || resp.ID != "ok" {
		t.Fatalf("retry: resp=%+v cached=%v err=%v", resp, cached, err)
	}
}
