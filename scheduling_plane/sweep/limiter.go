package sweep

import (
	"sync"

	"golang.org/x/time/rate"
)

// FactoryLimiter keeps one token bucket per factory so a single plant's
// backlog cannot monopolize the sweep workers.
type FactoryLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

func NewFactoryLimiter(r float64, b int) *FactoryLimiter {
	return &FactoryLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether the factory may dispatch a task right now.
func (l *FactoryLimiter) Allow(factoryID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[factoryID]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[factoryID] = limiter
	}
	return limiter.Allow()
}
