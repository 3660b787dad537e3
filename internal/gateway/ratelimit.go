// Package gateway
package gateway

import (
	"sync"
	"time"
)

// windowLimiter enforces fixed-window request quotas per fingerprint. Each
// fingerprint has a 1-minute and a 1-hour window. Counters increment before
// the request is sent so failed calls still consume quota.
type windowLimiter struct {
	mu          sync.Mutex
	minuteLimit int
	hourLimit   int
	counters    map[counterKey]*counter
	now         func() time.Time
}

type counterKey struct {
	fingerprint string
	window      time.Duration
}

type counter struct {
	windowStart time.Time
	count       int
}

func newWindowLimiter(minuteLimit, hourLimit int, now func() time.Time) *windowLimiter {
	if now == nil {
		now = time.Now
	}
	return &windowLimiter{
		minuteLimit: minuteLimit,
		hourLimit:   hourLimit,
		counters:    make(map[counterKey]*counter),
		now:         now,
	}
}

// Reserve checks both windows for every fingerprint and increments them all
// atomically. When any window is at its cap nothing is incremented and the
// breach is returned.
func (l *windowLimiter) Reserve(fingerprints map[string]string) *RateLimitedError {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	type slot struct {
		c     *counter
		limit int
		scope string
		win   string
		size  time.Duration
	}
	var slots []slot

	for scope, fp := range fingerprints {
		for _, w := range []struct {
			size  time.Duration
			limit int
			name  string
		}{
			{time.Minute, l.minuteLimit, "minute"},
			{time.Hour, l.hourLimit, "hour"},
		} {
			key := counterKey{fingerprint: fp, window: w.size}
			c := l.counters[key]
			if c == nil {
				c = &counter{windowStart: now.Truncate(w.size)}
				l.counters[key] = c
			}
			start := now.Truncate(w.size)
			if c.windowStart.Before(start) {
				c.windowStart = start
				c.count = 0
			}
			slots = append(slots, slot{c: c, limit: w.limit, scope: scope, win: w.name, size: w.size})
		}
	}

	for _, s := range slots {
		if s.limit > 0 && s.c.count >= s.limit {
			return &RateLimitedError{
				Scope:      s.scope,
				Window:     s.win,
				RetryAfter: s.c.windowStart.Add(s.size).Sub(now),
			}
		}
	}

	for _, s := range slots {
		s.c.count++
	}
	return nil
}
