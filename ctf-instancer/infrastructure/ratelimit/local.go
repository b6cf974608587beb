package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter keeps one token bucket per key in process. The bucket refills
// MaxRequests tokens per Window with a burst of MaxRequests.
type LocalLimiter struct {
	mu       sync.Mutex
	config   Config
	limiters map[string]*entry
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalLimiter(config Config) *LocalLimiter {
	return &LocalLimiter{
		config:   config,
		limiters: make(map[string]*entry),
		now:      time.Now,
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		every := rate.Every(l.config.Window / time.Duration(l.config.MaxRequests))
		e = &entry{limiter: rate.NewLimiter(every, l.config.MaxRequests)}
		l.limiters[key] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, l.config.Window, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// Prune drops buckets idle for longer than one window.
func (l *LocalLimiter) Prune() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.config.Window {
			delete(l.limiters, key)
		}
	}
}
