package ratelimit

import (
	"context"
	"testing"
	"time"
)

func limits(capacity, perPeriod int64, periodSec, queue int) Limits {
	return Limits{
		TokenLimit:      capacity,
		TokensPerPeriod: perPeriod,
		PeriodSeconds:   periodSec,
		QueueLimit:      queue,
	}
}

func TestLimiter_AllowWithinCapacity(t *testing.T) {
	t.Parallel()

	l := newLimiter(limits(5, 5, 60, 0))
	for i := range 5 {
		res := l.Allow()
		if !res.Allowed {
			t.Fatalf("request %d rejected within capacity", i)
		}
		if res.Limit != 5 {
			t.Fatalf("limit = %d, want 5", res.Limit)
		}
	}

	res := l.Allow()
	if res.Allowed {
		t.Fatal("request over capacity should be rejected")
	}
	if res.RetryAfterSeconds <= 0 {
		t.Fatalf("retry after = %f, want > 0", res.RetryAfterSeconds)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	t.Parallel()

	l := newLimiter(Limits{})
	for range 1000 {
		if !l.Allow().Allowed {
			t.Fatal("unlimited limiter rejected a request")
		}
	}
}

func TestLimiter_LazyRefill(t *testing.T) {
	t.Parallel()

	// 100 tokens/sec so the refill is observable in a short test.
	l := newLimiter(limits(2, 100, 1, 0))
	l.Allow()
	l.Allow()
	if l.Allow().Allowed {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond)
	if !l.Allow().Allowed {
		t.Fatal("bucket should have refilled")
	}
}

func TestLimiter_RemainingDecreases(t *testing.T) {
	t.Parallel()

	l := newLimiter(limits(10, 1, 3600, 0)) // negligible refill rate
	first := l.Allow()
	second := l.Allow()
	if second.Remaining >= first.Remaining {
		t.Fatalf("remaining should decrease: %d then %d", first.Remaining, second.Remaining)
	}
}

func TestLimiter_AcquireWaitsForRefill(t *testing.T) {
	t.Parallel()

	l := newLimiter(limits(1, 100, 1, 1))
	if !l.Allow().Allowed {
		t.Fatal("first request should pass")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res := l.Acquire(ctx)
	if !res.Allowed {
		t.Fatalf("queued request should be admitted after refill: %+v", res)
	}
}

func TestLimiter_AcquireQueueFull(t *testing.T) {
	t.Parallel()

	l := newLimiter(limits(1, 1, 3600, 0)) // no queue, negligible refill
	l.Allow()

	res := l.Acquire(context.Background())
	if res.Allowed {
		t.Fatal("zero queue limit should reject immediately")
	}
}

func TestLimiter_AcquireHonorsContext(t *testing.T) {
	t.Parallel()

	l := newLimiter(limits(1, 1, 3600, 5)) // refill far beyond test duration
	l.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := l.Acquire(ctx)
	if res.Allowed {
		t.Fatal("should not be admitted before refill")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("Acquire did not return promptly after context cancel")
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	lim := limits(10, 10, 60, 0)

	l1 := r.GetOrCreate("user-a", lim)
	l2 := r.GetOrCreate("user-a", lim)
	if l1 != l2 {
		t.Fatal("same key should return same limiter")
	}

	l3 := r.GetOrCreate("user-b", lim)
	if l1 == l3 {
		t.Fatal("different keys should get different limiters")
	}
}

func TestRegistry_LimitChangeReplacesLimiter(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	l1 := r.GetOrCreate("user-a", limits(10, 10, 60, 0))
	l2 := r.GetOrCreate("user-a", limits(20, 20, 60, 0))
	if l1 == l2 {
		t.Fatal("changed limits should produce a fresh limiter")
	}
}

func TestRegistry_EvictStale(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.GetOrCreate("user-a", limits(10, 10, 60, 0))
	r.GetOrCreate("user-b", limits(10, 10, 60, 0))

	if evicted := r.EvictStale(time.Now().Add(-time.Hour)); evicted != 0 {
		t.Fatalf("evicted = %d, want 0 for past cutoff", evicted)
	}
	if evicted := r.EvictStale(time.Now().Add(time.Hour)); evicted != 2 {
		t.Fatalf("evicted = %d, want 2 for future cutoff", evicted)
	}
}

func TestLimiter_Snapshot(t *testing.T) {
	t.Parallel()

	l := newLimiter(limits(10, 1, 3600, 0))
	l.Allow()
	snap := l.Snapshot()
	if !snap.Allowed || snap.Limit != 10 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Remaining != 9 {
		t.Fatalf("remaining = %d, want 9", snap.Remaining)
	}
}
