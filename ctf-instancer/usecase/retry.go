package usecase

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy spaces out teardown retries for an instance. Delays grow
// exponentially with the attempt number and are capped at MaxInterval.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 30 * time.Second,
		Multiplier:      2,
		MaxInterval:     10 * time.Minute,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0

	var d time.Duration
	for n := 0; n < max(attempt, 1); n++ {
		d = b.NextBackOff()
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}
