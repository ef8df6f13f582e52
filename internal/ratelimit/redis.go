package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/sparlohq/sparlo/internal/cache"
)

// RedisLimiter shares counters across processes through the cache's atomic
// INCR+EXPIRE primitive, keeping the same Check contract as MemoryLimiter.
// The increment happens before the threshold comparison; a denied check
// gives every increment back, so denied traffic consumes no quota in any
// window.
type RedisLimiter struct {
	cache   cache.Cache
	windows []Window
}

// NewRedisLimiter creates a RedisLimiter over the given windows.
func NewRedisLimiter(c cache.Cache, windows []Window) *RedisLimiter {
	return &RedisLimiter{cache: c, windows: windows}
}

func (l *RedisLimiter) Check(ctx context.Context, identity string) (Decision, error) {
	var nearestReset time.Duration
	denied := false
	incremented := make([]string, 0, len(l.windows))

	for _, w := range l.windows {
		key := cache.RateLimitKey(identity, w.Kind)
		count, err := l.cache.IncrWithExpiry(ctx, key, w.Length)
		if err != nil {
			l.release(ctx, incremented)
			return Decision{}, fmt.Errorf("ratelimit incr %s: %w", w.Kind, err)
		}
		incremented = append(incremented, key)
		if count > int64(w.Threshold) {
			ttl, err := l.cache.TTL(ctx, key)
			if err != nil {
				l.release(ctx, incremented)
				return Decision{}, fmt.Errorf("ratelimit ttl %s: %w", w.Kind, err)
			}
			if ttl == 0 {
				ttl = w.Length
			}
			if !denied || ttl < nearestReset {
				nearestReset = ttl
			}
			denied = true
		}
	}

	if denied {
		l.release(ctx, incremented)
		return Decision{Allowed: false, RetryAfter: nearestReset}, nil
	}
	return Decision{Allowed: true}, nil
}

// release gives back the increments of a denied or aborted check. A key may
// expire between the INCR and the DECR; the counter would then be reborn
// negative without an expiry, so it is deleted instead.
func (l *RedisLimiter) release(ctx context.Context, keys []string) {
	for _, key := range keys {
		count, err := l.cache.Decr(ctx, key)
		if err != nil {
			continue
		}
		if count < 0 {
			_ = l.cache.Delete(ctx, key)
		}
	}
}
