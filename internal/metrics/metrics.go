// Package metrics maintains per-model rolling aggregates: EWMA latency,
// success/error counters, a 60-second throughput ring, and running mean cost.
// The router reads these to rank candidates; a worker checkpoints them.
package metrics

import (
	"slices"
	"strings"
	"sync"
	"time"

	gateway "github.com/relaymux/relay/internal"
)

const (
	// EWMA smoothing: new = ewmaOld*old + ewmaSample*sample.
	ewmaOld    = 0.7
	ewmaSample = 0.3

	ringSeconds = 60
)

// entry is the rolling state for one model. Serialized by its own mutex so
// hot models do not contend with each other.
type entry struct {
	mu sync.Mutex

	provider     string
	avgLatencyMs float64
	successCount int64
	errorCount   int64
	costTotal    float64
	lastUpdated  time.Time

	// Per-second request counts; a slot is reset when its second moves on.
	ringSec [ringSeconds]int64
	ringN   [ringSeconds]int
}

// Sink aggregates request observations per model.
type Sink struct {
	mu     sync.RWMutex
	models map[string]*entry

	now func() time.Time // test seam
}

// NewSink creates an empty Sink.
func NewSink() *Sink {
	return &Sink{
		models: make(map[string]*entry),
		now:    time.Now,
	}
}

func (s *Sink) entry(model, provider string) *entry {
	s.mu.RLock()
	e, ok := s.models[model]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.models[model]; ok {
		return e
	}
	e = &entry{provider: provider}
	s.models[model] = e
	return e
}

// ObserveSuccess records a completed request for model.
func (s *Sink) ObserveSuccess(model, provider string, latency time.Duration, cost float64) {
	now := s.now()
	e := s.entry(model, provider)

	e.mu.Lock()
	defer e.mu.Unlock()

	sample := float64(latency.Milliseconds())
	if e.successCount+e.errorCount == 0 {
		e.avgLatencyMs = sample
	} else {
		e.avgLatencyMs = ewmaOld*e.avgLatencyMs + ewmaSample*sample
	}
	e.successCount++
	e.costTotal += cost
	e.tick(now)
	e.lastUpdated = now
}

// ObserveError records a failed request for model. Errors count toward
// throughput but do not move the latency average or cost mean.
func (s *Sink) ObserveError(model, provider string) {
	now := s.now()
	e := s.entry(model, provider)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.errorCount++
	e.tick(now)
	e.lastUpdated = now
}

// tick bumps the current second's ring slot. Caller holds e.mu.
func (e *entry) tick(now time.Time) {
	sec := now.Unix()
	idx := int(sec % ringSeconds)
	if e.ringSec[idx] != sec {
		e.ringSec[idx] = sec
		e.ringN[idx] = 0
	}
	e.ringN[idx]++
}

// throughput sums ring slots still inside the window. Caller holds e.mu.
func (e *entry) throughput(now time.Time) int {
	sec := now.Unix()
	total := 0
	for i := range e.ringSec {
		if sec-e.ringSec[i] < ringSeconds {
			total += e.ringN[i]
		}
	}
	return total
}

func (e *entry) snapshot(model string, now time.Time) gateway.ModelMetrics {
	m := gateway.ModelMetrics{
		Model:               model,
		Provider:            e.provider,
		AvgLatencyMs:        e.avgLatencyMs,
		SuccessCount:        e.successCount,
		ErrorCount:          e.errorCount,
		ThroughputPerMinute: e.throughput(now),
		LastUpdated:         e.lastUpdated,
	}
	// Cost is the running mean over every call, errors included at zero cost.
	if calls := e.successCount + e.errorCount; calls > 0 {
		m.AvgCostPerRequest = e.costTotal / float64(calls)
	}
	return m
}

// Latency returns the EWMA latency for model, or 0 if unobserved.
func (s *Sink) Latency(model string) float64 {
	s.mu.RLock()
	e, ok := s.models[model]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avgLatencyMs
}

// Throughput returns the request count over the last 60 seconds for model.
func (s *Sink) Throughput(model string) int {
	s.mu.RLock()
	e, ok := s.models[model]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	now := s.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.throughput(now)
}

// Model returns the aggregate for one model.
func (s *Sink) Model(model string) (gateway.ModelMetrics, bool) {
	s.mu.RLock()
	e, ok := s.models[model]
	s.mu.RUnlock()
	if !ok {
		return gateway.ModelMetrics{}, false
	}
	now := s.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(model, now), true
}

// Snapshot returns aggregates for every observed model, sorted by model id.
func (s *Sink) Snapshot() []gateway.ModelMetrics {
	s.mu.RLock()
	models := make([]string, 0, len(s.models))
	for id := range s.models {
		models = append(models, id)
	}
	s.mu.RUnlock()

	slices.SortFunc(models, strings.Compare)
	now := s.now()

	out := make([]gateway.ModelMetrics, 0, len(models))
	for _, id := range models {
		s.mu.RLock()
		e := s.models[id]
		s.mu.RUnlock()
		e.mu.Lock()
		out = append(out, e.snapshot(id, now))
		e.mu.Unlock()
	}
	return out
}
