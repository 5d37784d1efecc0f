package agent

import (
	"context"
	"sync"
	"time"
)

// pruneAbove is the bucket count past which refilled buckets are dropped.
const pruneAbove = 256

// RateLimiter throttles queries per sender. Each key (channel plus chat)
// owns a token bucket holding up to burst queries that refills at the
// configured rate, so one busy chat cannot starve the others.
type RateLimiter struct {
	mu      sync.Mutex
	burst   float64
	rate    float64 // tokens per second
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func NewRateLimiter(burst int, queriesPerMinute float64) *RateLimiter {
	if burst <= 0 {
		burst = 10
	}
	if queriesPerMinute <= 0 {
		queriesPerMinute = 30
	}
	return &RateLimiter{
		burst:   float64(burst),
		rate:    queriesPerMinute / 60.0,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// limitKey identifies the sender a query is charged to.
func limitKey(q Query) string {
	if q.ChatID == "" {
		return q.Channel
	}
	return q.Channel + ":" + q.ChatID
}

// Wait blocks until key may run another query or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		d := rl.reserve(key)
		if d == 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a token for key and returns 0, or returns how long until
// one is available.
func (rl *RateLimiter) reserve(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= pruneAbove {
			rl.prune(now)
		}
		b = &bucket{tokens: rl.burst, last: now}
		rl.buckets[key] = b
	}
	b.tokens = min(rl.burst, b.tokens+now.Sub(b.last).Seconds()*rl.rate)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	return time.Duration((1 - b.tokens) / rl.rate * float64(time.Second))
}

// prune drops buckets that have refilled completely; a new bucket starts full,
// so forgetting them changes nothing. Callers hold mu.
func (rl *RateLimiter) prune(now time.Time) {
	for key, b := range rl.buckets {
		if b.tokens+now.Sub(b.last).Seconds()*rl.rate >= rl.burst {
			delete(rl.buckets, key)
		}
	}
}
