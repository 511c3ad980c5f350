package webhook

import (
	"sync"

	"golang.org/x/time/rate"
)

// SourceLimiter enforces a per-source request rate on the ingress endpoint.
type SourceLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewSourceLimiter allows perMinute requests per source with a burst of the
// same size, so a webhook redelivery batch is not rejected outright.
func NewSourceLimiter(perMinute int) *SourceLimiter {
	if perMinute <= 0 {
		perMinute = 100
	}
	return &SourceLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
}

// Allow reports whether one more request from the source fits the window.
func (l *SourceLimiter) Allow(source string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[source]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[source] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
