// Package ratelimit shapes outbound request rate against the upstream wiki
// and applies exponential backoff on transient errors. It is the single
// shared rate budget every API call goes through (§5: at most one in-flight
// request at a time).
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	BaseDelay         time.Duration `yaml:"baseDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	Enabled           bool          `yaml:"enabled"`
}

// Limiter wraps golang.org/x/time/rate.Limiter with an explicit backoff
// operation for transient-error retries. A single Limiter instance is
// shared by every caller issuing requests against the same wiki.
type Limiter struct {
	config  Config
	limiter *rate.Limiter

	mu       sync.Mutex
	lastWait time.Time
}

// New creates a Limiter from the given configuration.
func New(config Config) *Limiter {
	l := &Limiter{config: config}
	if config.RequestsPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}
	return l
}

// Wait blocks the caller until at least 1/requests_per_second has elapsed
// since the previous successful Wait. It is a no-op when disabled.
func (l *Limiter) Wait(ctx context.Context) error {
	if !l.config.Enabled || l.limiter == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastWait = time.Now()
	l.mu.Unlock()
	return nil
}

// Backoff sleeps for min(base_delay * 2^attempt, max_delay) and resets the
// limiter's notion of the previous successful wait, so the next request is
// not doubly penalized by both the backoff sleep and the steady-state wait.
func (l *Limiter) Backoff(ctx context.Context, attempt int) error {
	if !l.config.Enabled {
		return nil
	}

	delay := time.Duration(float64(l.config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > l.config.MaxDelay {
		delay = l.config.MaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if l.limiter != nil {
		// Reserve and cancel-the-reservation-but-keep-the-clock trick is
		// unnecessary here: we simply reset the internal bucket so the
		// next Wait does not also charge the delay we just slept through.
		l.limiter.SetBurstAt(time.Now(), 1)
	}
	l.mu.Lock()
	l.lastWait = time.Now()
	l.mu.Unlock()

	return nil
}
