package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxWait bounds how long an acquiring worker may block before
// the call is failed instead.
const DefaultMaxWait = 10 * time.Second

// RateLimiter enforces a per-broker call budget. Acquire blocks the
// calling worker task (never the event loop) until budget is available,
// up to a bounded maximum wait.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	callsPerSecond float64
	burst          int
	maxWait        time.Duration
}

func NewRateLimiter(callsPerSecond float64, burst int, maxWait time.Duration) *RateLimiter {
	if callsPerSecond <= 0 {
		callsPerSecond = 5
	}
	if burst <= 0 {
		burst = int(callsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &RateLimiter{
		limiters:       make(map[string]*rate.Limiter),
		callsPerSecond: callsPerSecond,
		burst:          burst,
		maxWait:        maxWait,
	}
}

func (r *RateLimiter) limiterFor(brokerName string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok := r.limiters[brokerName]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(r.callsPerSecond), r.burst)
	r.limiters[brokerName] = lim
	return lim
}

// Acquire consumes one token from the broker's budget, waiting at most
// maxWait. A context already past its deadline fails immediately.
func (r *RateLimiter) Acquire(ctx context.Context, brokerName string) error {
	lim := r.limiterFor(brokerName)

	waitCtx, cancel := context.WithTimeout(ctx, r.maxWait)
	defer cancel()
	if err := lim.Wait(waitCtx); err != nil {
		return fmt.Errorf("rate limit for broker %s: %w", brokerName, err)
	}
	return nil
}

// Allow reports whether a token is immediately available without
// consuming wait time; used by observability surfaces.
func (r *RateLimiter) Allow(brokerName string) bool {
	return r.limiterFor(brokerName).Allow()
}
