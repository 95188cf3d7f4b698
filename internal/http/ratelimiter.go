package httpapi

import (
	"sync"
	"time"
)

// WindowLimiter allows at most limit events per key within a sliding window.
type WindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewWindowLimiter constructs a limiter; a non-positive window or limit disables it.
func NewWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *WindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &WindowLimiter{window: window, limit: limit, now: timeSource, events: make(map[string][]time.Time)}
}

// Allow records an event for key and reports whether it fits in the window.
func (l *WindowLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	//1.- Drop expired events for every key so idle callers do not accumulate.
	for k, events := range l.events {
		kept := events[:0]
		for _, ts := range events {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.events, k)
			continue
		}
		l.events[k] = kept
	}
	if len(l.events[key]) >= l.limit {
		return false
	}
	l.events[key] = append(l.events[key], now)
	return true
}
