// Package ratelimit throttles API clients with per-key token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleTimeout is how long a full bucket may stay unused before it is
// dropped.
const idleTimeout = 10 * time.Minute

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int           // requests per window
	Remaining  int           // requests left in current window
	ResetAt    time.Time     // when the bucket will be full again
	RetryAfter time.Duration // 0 if allowed
}

// Limiter holds one token bucket per key.
type Limiter struct {
	rate   rate.Limit
	burst  int
	window time.Duration
	stop   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows requests per window with the given burst. It starts a
// goroutine dropping idle buckets until Close is called.
func NewLimiter(requests int, window time.Duration, burst int) *Limiter {
	l := &Limiter{
		rate:    rate.Limit(float64(requests) / window.Seconds()),
		burst:   burst,
		window:  window,
		stop:    make(chan struct{}),
		buckets: map[string]*bucket{},
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) get(key string, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b
}

// Allow consumes one token of key's bucket if available.
func (l *Limiter) Allow(key string) Result {
	now := time.Now()
	b := l.get(key, now)

	r := b.limiter.ReserveN(now, 1)
	allowed := r.OK() && r.DelayFrom(now) == 0
	if !allowed && r.OK() {
		r.CancelAt(now)
	}

	tokens := b.limiter.TokensAt(now)
	res := Result{
		Allowed:   allowed,
		Limit:     int(float64(l.rate) * l.window.Seconds()),
		Remaining: max(int(tokens), 0),
		ResetAt:   now.Add(time.Duration((float64(l.burst) - tokens) / float64(l.rate) * float64(time.Second))),
	}
	if !allowed {
		res.RetryAfter = max(time.Duration(float64(time.Second)/float64(l.rate)), time.Second)
	}
	return res
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) cleanupLoop() {
	t := time.NewTicker(idleTimeout)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			l.cleanup(now)
		case <-l.stop:
			return
		}
	}
}

// cleanup drops buckets that are full and unused since idleTimeout.
func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= idleTimeout && b.limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}
