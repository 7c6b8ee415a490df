// Package ratelimit provides per-actor request throttling for the
// gateway, backed by token buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idle actors are evicted after this window.
const staleAfter = 3 * time.Minute

// Limiter tracks one token bucket per actor ID. The zero rate
// disables limiting entirely; Allow then always returns true.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Limiter allowing requestsPerMinute sustained requests
// with the given burst per actor. requestsPerMinute <= 0 disables
// limiting. burst defaults to requestsPerMinute when unset.
func New(requestsPerMinute, burst int) *Limiter {
	if burst <= 0 {
		burst = requestsPerMinute
	}
	var rps rate.Limit
	if requestsPerMinute > 0 {
		rps = rate.Limit(float64(requestsPerMinute) / 60.0)
	}
	return &Limiter{
		rps:     rps,
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether the actor may proceed, consuming one token.
func (l *Limiter) Allow(actorID string) bool {
	if l == nil || l.rps == 0 {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[actorID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[actorID] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// StartCleanup evicts idle buckets every minute until ctx is done.
func (l *Limiter) StartCleanup(ctx context.Context) {
	if l == nil || l.rps == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evictStale(time.Now())
			}
		}
	}()
}

func (l *Limiter) evictStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > staleAfter {
			delete(l.buckets, id)
		}
	}
}
