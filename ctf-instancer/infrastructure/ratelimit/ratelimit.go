package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether the caller identified by key may proceed. When it
// may not, retryAfter is a hint for how long to wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

type Config struct {
	MaxRequests int
	Window      time.Duration
}

func (c Config) Enabled() bool {
	return c.MaxRequests > 0 && c.Window > 0
}

// Unlimited allows every request.
type Unlimited struct{}

func (Unlimited) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	return true, 0, nil
}
