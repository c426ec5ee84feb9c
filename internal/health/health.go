// Package health periodically probes every provider adapter and publishes
// the most recent liveness status per provider.
package health

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

const (
	defaultInterval     = 5 * time.Minute
	defaultProbeTimeout = 10 * time.Second
	defaultAlertAfter   = 3
)

// Store receives health check results for persistence. Writes are
// best-effort; a failing store never stops the monitor.
type Store interface {
	InsertHealthCheck(ctx context.Context, check gateway.ProviderHealth) error
}

// Config holds monitor tuning knobs; zero values take defaults.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	AlertAfter   int // consecutive failures before a provider is alertable
}

// Monitor probes providers on a fixed interval and keeps the latest status.
type Monitor struct {
	providers []gateway.Provider
	store     Store
	interval  time.Duration
	timeout   time.Duration
	alertN    int

	mu       sync.RWMutex
	statuses map[string]gateway.ProviderHealth
	failures map[string]int

	now func() time.Time // test seam
}

// NewMonitor creates a Monitor over the given providers. store may be nil.
func NewMonitor(providers []gateway.Provider, store Store, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.AlertAfter <= 0 {
		cfg.AlertAfter = defaultAlertAfter
	}
	return &Monitor{
		providers: providers,
		store:     store,
		interval:  cfg.Interval,
		timeout:   cfg.ProbeTimeout,
		alertN:    cfg.AlertAfter,
		statuses:  make(map[string]gateway.ProviderHealth),
		failures:  make(map[string]int),
		now:       time.Now,
	}
}

// Name identifies the monitor when it runs under a worker runner.
func (m *Monitor) Name() string { return "health_monitor" }

// Run probes all providers immediately and then on every interval tick until
// ctx is cancelled. In-flight probes inherit ctx, so stopping the monitor
// cancels them within the probe timeout.
func (m *Monitor) Run(ctx context.Context) error {
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// CheckAll probes every provider concurrently and blocks until all finish.
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range m.providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probe(ctx, p)
		}()
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, p gateway.Provider) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.now()
	err := p.HealthCheck(probeCtx)
	check := gateway.ProviderHealth{
		Provider:    p.Name(),
		Status:      gateway.HealthHealthy,
		LatencyMs:   m.now().Sub(start).Milliseconds(),
		LastChecked: m.now(),
	}
	if err != nil {
		check.Status = gateway.HealthUnhealthy
		check.Error = err.Error()
	}

	if !m.record(check) {
		return
	}

	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "provider health check failed",
			slog.String("provider", check.Provider),
			slog.String("error", check.Error),
		)
	}
	if m.store != nil {
		if serr := m.store.InsertHealthCheck(ctx, check); serr != nil {
			slog.Warn("health check persist failed", "provider", check.Provider, "error", serr)
		}
	}
}

// record installs check unless an entry with an equal or newer lastChecked
// already exists. Returns whether the entry was installed.
func (m *Monitor) record(check gateway.ProviderHealth) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.statuses[check.Provider]; ok && !check.LastChecked.After(prev.LastChecked) {
		return false
	}
	m.statuses[check.Provider] = check
	if check.Status == gateway.HealthUnhealthy {
		m.failures[check.Provider]++
	} else {
		m.failures[check.Provider] = 0
	}
	return true
}

// Status returns the latest status for provider, HealthUnknown if never probed.
func (m *Monitor) Status(provider string) gateway.ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.statuses[provider]; ok {
		return s
	}
	return gateway.ProviderHealth{Provider: provider, Status: gateway.HealthUnknown}
}

// Healthy reports whether provider is usable for routing. Unknown counts as
// healthy so a cold start does not exclude every candidate.
func (m *Monitor) Healthy(provider string) bool {
	return m.Status(provider).Status != gateway.HealthUnhealthy
}

// Alertable reports whether provider has failed enough consecutive probes to
// warrant an alert. Alert emission itself is external.
func (m *Monitor) Alertable(provider string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures[provider] >= m.alertN
}

// Snapshot returns the latest status of every probed provider, sorted by name.
func (m *Monitor) Snapshot() []gateway.ProviderHealth {
	m.mu.RLock()
	out := make([]gateway.ProviderHealth, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b gateway.ProviderHealth) int {
		return strings.Compare(a.Provider, b.Provider)
	})
	return out
}
