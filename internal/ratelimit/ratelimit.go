// Package ratelimit admits or denies operations per identity based on counts
// within rolling time windows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is one rolling time bucket with its own threshold.
type Window struct {
	Kind      string // e.g. "hour", "day"
	Length    time.Duration
	Threshold int
}

// DefaultWindows returns hourly+daily windows with the given thresholds.
func DefaultWindows(hourly, daily int) []Window {
	return []Window{
		{Kind: "hour", Length: time.Hour, Threshold: hourly},
		{Kind: "day", Length: 24 * time.Hour, Threshold: daily},
	}
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed bool
	// RetryAfter is, on denial, the time until the nearest exhausted window
	// resets. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter decides whether an identity may perform one more metered operation.
// Implementations must be safe for concurrent use by callers sharing an identity.
type Limiter interface {
	Check(ctx context.Context, identity string) (Decision, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter tracks per-identity counters in process memory. Suitable for a
// single-process deployment; a fleet shares counters via RedisLimiter instead.
// Window expiry is lazy: a counter is only reset the next time its identity is
// checked, never by a background sweep.
type MemoryLimiter struct {
	mu       sync.Mutex
	windows  []Window
	counters map[string]map[string]*window
	now      func() time.Time
}

// NewMemoryLimiter creates a MemoryLimiter over the given windows.
func NewMemoryLimiter(windows []Window) *MemoryLimiter {
	return &MemoryLimiter{
		windows:  windows,
		counters: make(map[string]map[string]*window),
		now:      time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// Check evaluates every window independently. The operation is denied when any
// window's threshold is already met; counters increment only on allowed checks,
// so denied traffic cannot push the reset further out.
func (l *MemoryLimiter) Check(_ context.Context, identity string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	byKind, ok := l.counters[identity]
	if !ok {
		byKind = make(map[string]*window, len(l.windows))
		l.counters[identity] = byKind
	}

	var nearestReset time.Duration
	denied := false
	for _, w := range l.windows {
		rec, ok := byKind[w.Kind]
		if !ok || !now.Before(rec.resetAt) {
			rec = &window{count: 0, resetAt: now.Add(w.Length)}
			byKind[w.Kind] = rec
		}
		if rec.count >= w.Threshold {
			remaining := rec.resetAt.Sub(now)
			if !denied || remaining < nearestReset {
				nearestReset = remaining
			}
			denied = true
		}
	}

	if denied {
		return Decision{Allowed: false, RetryAfter: nearestReset}, nil
	}

	for _, w := range l.windows {
		byKind[w.Kind].count++
	}
	return Decision{Allowed: true}, nil
}
