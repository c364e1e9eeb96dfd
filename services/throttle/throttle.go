// Package throttle enforces an upstream request budget shared by every
// caller hitting the same data source. TWSE allows 3 requests per 5
// seconds; exceeding it gets the client IP banned for several minutes.
package throttle

import (
	"sync"
	"time"
)

const (
	// Small buffer added to the computed wait so the oldest timestamp is
	// guaranteed to have left the window when we retry.
	waitBuffer = 100 * time.Millisecond

	// Sleep in bounded increments so Acquire stays responsive to the
	// caller's timeout.
	maxSleep = 500 * time.Millisecond
)

// Throttle is a thread-safe sliding-window rate limiter. It counts only
// requests within the trailing period, not fixed calendar buckets.
type Throttle struct {
	maxRequests int
	period      time.Duration

	mu         sync.Mutex
	timestamps []time.Time

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Throttle allowing maxRequests per trailing period.
func New(maxRequests int, period time.Duration) *Throttle {
	return &Throttle{
		maxRequests: maxRequests,
		period:      period,
		now:         time.Now,
	}
}

// Acquire blocks until a request slot is free, then records the request
// and returns true. With timeout <= 0 it blocks indefinitely. It returns
// false only when the timeout would be exceeded before budget frees up.
func (t *Throttle) Acquire(timeout time.Duration) bool {
	start := t.now()

	for {
		t.mu.Lock()
		now := t.now()
		t.prune(now)

		if len(t.timestamps) < t.maxRequests {
			t.timestamps = append(t.timestamps, now)
			t.mu.Unlock()
			return true
		}

		oldest := t.timestamps[0]
		wait := t.period - now.Sub(oldest) + waitBuffer
		t.mu.Unlock()

		if timeout > 0 {
			elapsed := t.now().Sub(start)
			if elapsed+wait > timeout {
				return false
			}
		}

		if wait > maxSleep {
			wait = maxSleep
		}
		time.Sleep(wait)
	}
}

// Available returns the number of request slots free right now without
// consuming any. Diagnostic only; the answer can be stale immediately.
func (t *Throttle) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(t.now())
	return t.maxRequests - len(t.timestamps)
}

// Reset clears all recorded timestamps.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timestamps = t.timestamps[:0]
}

// prune drops timestamps older than the trailing period. Caller must hold mu.
func (t *Throttle) prune(now time.Time) {
	cutoff := now.Add(-t.period)
	i := 0
	for i < len(t.timestamps) && !t.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.timestamps = append(t.timestamps[:0], t.timestamps[i:]...)
	}
}
