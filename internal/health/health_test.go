package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

// probeProvider implements gateway.Provider with a scriptable HealthCheck.
type probeProvider struct {
	name string

	mu  sync.Mutex
	err error
}

func (p *probeProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *probeProvider) Name() string { return p.name }

func (p *probeProvider) Models() []gateway.ModelDescriptor { return nil }

func (p *probeProvider) CountTokens(_, text string) int { return len(text) / 4 }

func (p *probeProvider) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *probeProvider) ChatCompletion(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *probeProvider) ChatCompletionStream(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (p *probeProvider) Embeddings(context.Context, *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	return nil, errors.New("not implemented")
}

type recordingStore struct {
	mu     sync.Mutex
	checks []gateway.ProviderHealth
}

func (s *recordingStore) InsertHealthCheck(_ context.Context, check gateway.ProviderHealth) error {
	s.mu.Lock()
	s.checks = append(s.checks, check)
	s.mu.Unlock()
	return nil
}

func TestCheckAllRecordsStatus(t *testing.T) {
	t.Parallel()

	ok := &probeProvider{name: "openai"}
	bad := &probeProvider{name: "cohere", err: errors.New("down")}
	store := &recordingStore{}
	m := NewMonitor([]gateway.Provider{ok, bad}, store, Config{})

	m.CheckAll(context.Background())

	if got := m.Status("openai"); got.Status != gateway.HealthHealthy {
		t.Errorf("openai status = %v", got.Status)
	}
	s := m.Status("cohere")
	if s.Status != gateway.HealthUnhealthy {
		t.Errorf("cohere status = %v", s.Status)
	}
	if s.Error != "down" {
		t.Errorf("cohere error = %q", s.Error)
	}
	if !m.Healthy("openai") || m.Healthy("cohere") {
		t.Error("Healthy classification wrong")
	}

	store.mu.Lock()
	n := len(store.checks)
	store.mu.Unlock()
	if n != 2 {
		t.Errorf("persisted checks = %d, want 2", n)
	}
}

func TestUnknownCountsAsHealthy(t *testing.T) {
	t.Parallel()

	m := NewMonitor(nil, nil, Config{})
	if got := m.Status("ghost"); got.Status != gateway.HealthUnknown {
		t.Errorf("status = %v, want unknown", got.Status)
	}
	if !m.Healthy("ghost") {
		t.Error("unprobed provider should not be excluded")
	}
}

func TestStrictlyNewerReplacement(t *testing.T) {
	t.Parallel()

	m := NewMonitor(nil, nil, Config{})
	t0 := time.Unix(1000, 0)

	if !m.record(gateway.ProviderHealth{Provider: "openai", Status: gateway.HealthHealthy, LastChecked: t0}) {
		t.Fatal("first record rejected")
	}
	// Same timestamp loses; older loses.
	if m.record(gateway.ProviderHealth{Provider: "openai", Status: gateway.HealthUnhealthy, LastChecked: t0}) {
		t.Error("equal lastChecked should not replace")
	}
	if m.record(gateway.ProviderHealth{Provider: "openai", Status: gateway.HealthUnhealthy, LastChecked: t0.Add(-time.Second)}) {
		t.Error("older lastChecked should not replace")
	}
	if !m.record(gateway.ProviderHealth{Provider: "openai", Status: gateway.HealthUnhealthy, LastChecked: t0.Add(time.Second)}) {
		t.Error("newer lastChecked should replace")
	}
	if got := m.Status("openai"); got.Status != gateway.HealthUnhealthy {
		t.Errorf("status = %v after newer record", got.Status)
	}
}

func TestAlertableAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	p := &probeProvider{name: "huggingface", err: errors.New("loading")}
	m := NewMonitor([]gateway.Provider{p}, nil, Config{AlertAfter: 3})

	for range 2 {
		m.CheckAll(context.Background())
	}
	if m.Alertable("huggingface") {
		t.Error("alertable after 2 failures, want threshold 3")
	}
	m.CheckAll(context.Background())
	if !m.Alertable("huggingface") {
		t.Error("not alertable after 3 consecutive failures")
	}

	// A success resets the streak.
	p.setErr(nil)
	m.CheckAll(context.Background())
	if m.Alertable("huggingface") {
		t.Error("alertable after recovery")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	p := &probeProvider{name: "openai"}
	m := NewMonitor([]gateway.Provider{p}, nil, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// The initial sweep runs before the first tick.
	deadline := time.After(2 * time.Second)
	for m.Status("openai").Status == gateway.HealthUnknown {
		select {
		case <-deadline:
			t.Fatal("initial sweep never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
