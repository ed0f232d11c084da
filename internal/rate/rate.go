// Package rate guards an ingress path the Gateway doesn't otherwise
// bound: per-session hook-socket line floods. Hook scripts fire-and-forget,
// so there is no natural backpressure point upstream; each session gets
// its own token bucket. Job submissions (job.create) are not rate limited.
package rate

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiters hands out one token-bucket limiter per key (e.g. per hook
// session id), lazily created on first use and reused thereafter.
type Limiters struct {
	rps   float64
	burst int

	mu       sync.Mutex
	byKey    map[string]*rate.Limiter
}

// NewLimiters builds a keyed limiter pool. rps is the sustained rate and
// burst the instantaneous allowance for each key's bucket.
func NewLimiters(rps float64, burst int) *Limiters {
	return &Limiters{rps: rps, burst: burst, byKey: make(map[string]*rate.Limiter)}
}

// Allow reports whether an event for key may proceed right now, consuming
// one token if so.
func (l *Limiters) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

func (l *Limiters) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.byKey[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.byKey[key] = lim
	}
	return lim
}

// Forget drops a key's bucket, e.g. once its session has ended and it will
// never be seen again (bounds the map's growth across a long-lived
// daemon).
func (l *Limiters) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byKey, key)
}
