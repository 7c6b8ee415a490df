package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_BurstThenThrottle(t *testing.T) {
	l := New(60, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("alice") {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if l.Allow("alice") {
		t.Error("request allowed after burst exhausted")
	}
}

func TestLimiter_PerActorIsolation(t *testing.T) {
	l := New(60, 1)

	if !l.Allow("alice") {
		t.Fatal("first request for alice denied")
	}
	if l.Allow("alice") {
		t.Error("second request for alice allowed")
	}
	if !l.Allow("bob") {
		t.Error("bob throttled by alice's bucket")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow("anyone") {
			t.Fatalf("request %d denied with limiting disabled", i)
		}
	}

	var nilLimiter *Limiter
	if !nilLimiter.Allow("anyone") {
		t.Error("nil limiter denied a request")
	}
}

func TestLimiter_BurstDefaultsToRate(t *testing.T) {
	l := New(5, 0)
	if l.burst != 5 {
		t.Errorf("burst = %d, want 5", l.burst)
	}
}

func TestLimiter_EvictStale(t *testing.T) {
	l := New(60, 1)
	l.Allow("alice")
	l.Allow("bob")

	if len(l.buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(l.buckets))
	}

	l.evictStale(time.Now().Add(10 * time.Minute))
	if len(l.buckets) != 0 {
		t.Errorf("buckets after eviction = %d, want 0", len(l.buckets))
	}
}
