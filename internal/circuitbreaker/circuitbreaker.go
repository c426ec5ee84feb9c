// Package circuitbreaker tracks the recent error rate of each provider and
// short-circuits calls once a vendor is known bad. A tripped breaker fails
// the attempt immediately and sidelines every model the provider hosts, so
// routing and fallback move elsewhere without waiting out a vendor timeout.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// StateClosed passes every request through.
	StateClosed State = iota
	// StateOpen rejects every request until the open timeout elapses.
	StateOpen
	// StateHalfOpen admits one probe; its outcome decides the next state.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes when a breaker trips and how long it stays open.
type Config struct {
	ErrorThreshold float64       // weighted error rate that trips the breaker
	MinSamples     int           // requests required in the window before tripping
	WindowSeconds  int           // length of the sliding window, in seconds
	OpenTimeout    time.Duration // how long an open breaker waits before probing
}

// DefaultConfig trips at a 30% weighted error rate over a 60-second window,
// after at least 10 samples, and probes again 30 seconds after opening.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		WindowSeconds:  60,
		OpenTimeout:    30 * time.Second,
	}
}

// bucket accumulates one second of outcomes.
type bucket struct {
	errors float64 // sum of error weights
	total  int     // request count
}

// SlidingWindow holds per-second outcome buckets in a fixed ring. The
// backing array never grows, so a window costs no allocations after
// construction. Not safe for concurrent use; Breaker serializes access.
type SlidingWindow struct {
	buckets  [60]bucket
	size     int   // active bucket count, at most 60
	head     int   // index of the bucket for headTime
	headTime int64 // unix second the head bucket covers
}

func newSlidingWindow(windowSeconds int) SlidingWindow {
	if windowSeconds <= 0 || windowSeconds > 60 {
		windowSeconds = 60
	}
	return SlidingWindow{size: windowSeconds}
}

// advance rotates the ring so head covers nowSec, zeroing every bucket the
// rotation skips over.
func (w *SlidingWindow) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	stale := min(int(gap), w.size)
	for i := range stale {
		w.buckets[(w.head+1+i)%w.size] = bucket{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

// Record adds one outcome to the bucket covering now. A weight of 0 is a
// success; anything above counts toward the error rate.
func (w *SlidingWindow) Record(weight float64, now time.Time) {
	w.advance(now.Unix())
	w.buckets[w.head].total++
	w.buckets[w.head].errors += weight
}

// ErrorRate reports the weighted error rate and the sample count across the
// live window.
func (w *SlidingWindow) ErrorRate(now time.Time) (rate float64, samples int) {
	w.advance(now.Unix())
	var errs float64
	var total int
	for i := range w.size {
		errs += w.buckets[i].errors
		total += w.buckets[i].total
	}
	if total == 0 {
		return 0, 0
	}
	return errs / float64(total), total
}

// Reset discards all recorded outcomes.
func (w *SlidingWindow) Reset() {
	for i := range w.size {
		w.buckets[i] = bucket{}
	}
	w.headTime = 0
	w.head = 0
}

// Breaker is the state machine guarding one provider. Outcomes feed the
// sliding window; the window's error rate drives the closed-to-open
// transition, and a single half-open probe drives the way back.
type Breaker struct {
	mu          sync.Mutex
	state       State
	window      SlidingWindow
	openedAt    time.Time // when the breaker last opened
	lastUsed    time.Time // updated on every call, read by stale eviction
	probing     bool      // a half-open probe is in flight
	threshold   float64
	minSamples  int
	openTimeout time.Duration
}

// NewBreaker returns a closed breaker configured by cfg.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		state:       StateClosed,
		window:      newSlidingWindow(cfg.WindowSeconds),
		threshold:   cfg.ErrorThreshold,
		minSamples:  cfg.MinSamples,
		openTimeout: cfg.OpenTimeout,
		lastUsed:    time.Now(),
	}
}

// State reports the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Allow reports whether a request may proceed. An open breaker past its
// timeout moves to half-open and admits the caller as the probe; while a
// probe is outstanding every other caller is rejected.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.openTimeout {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess feeds a successful outcome to the window. If it was the
// half-open probe, the breaker closes and starts from a clean window.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.Record(0, now)

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.window.Reset()
	}
}

// RecordError feeds a failed outcome with the given weight. A closed
// breaker trips once the window holds enough samples over the threshold; a
// failed probe reopens immediately.
func (b *Breaker) RecordError(weight float64) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.window.Record(weight, now)

	switch b.state {
	case StateClosed:
		rate, samples := b.window.ErrorRate(now)
		if samples >= b.minSamples && rate >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}

// LastUsed reports the last time this breaker saw any activity.
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
