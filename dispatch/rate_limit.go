package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitConfig limits how fast a dispatcher sends attempts. One token
// bucket is shared by all workers; retries consume tokens too.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero or less disables limiting.
	RequestsPerSecond float64

	// Burst is the bucket size.
	Burst int

	// WaitOnLimit blocks until a token is available (honouring the request
	// context). When false an attempt over the limit fails with ErrRateLimited.
	WaitOnLimit bool
}

// DefaultRateLimitConfig returns 100 req/s with a burst of 10, waiting on limit.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             10,
		WaitOnLimit:       true,
	}
}

// WithRateLimit enables attempt rate limiting.
func WithRateLimit(rl RateLimitConfig) Option {
	return func(cfg *internalConfig) {
		cfg.rateLimitConfig = &rl
	}
}

// newLimiter builds the shared limiter, or nil when disabled.
func newLimiter(cfg *RateLimitConfig) *rate.Limiter {
	if cfg == nil || cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

type rateLimitTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
	wait    bool
}

func newRateLimitTransport(next http.RoundTripper, limiter *rate.Limiter, wait bool) http.RoundTripper {
	if limiter == nil {
		return next
	}
	return &rateLimitTransport{
		next:    next,
		limiter: limiter,
		wait:    wait,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if t.wait {
		if err := t.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, err
			}
			// Wait fails without blocking when the deadline is too close.
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
	} else if !t.limiter.Allow() {
		return nil, ErrRateLimited
	}

	return t.next.RoundTrip(req)
}
