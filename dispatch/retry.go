package dispatch

import (
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RetryConfig configures the per-request retry loop.
//
// A request is attempted at most MaxRetries+1 times with a constant Delay
// between attempts.
//
// Example:
//
//	d := dispatch.New(
//	    dispatch.WithRetryConfig(dispatch.RetryConfig{
//	        MaxRetries: 3,
//	        Delay:      250 * time.Millisecond,
//	    }),
//	)
type RetryConfig struct {
	// MaxRetries is the retry ceiling. The worker gives up once its retry
	// count exceeds this value.
	//
	// Default: 5
	MaxRetries int

	// Delay is the constant wait between attempts.
	//
	// Default: 1s
	Delay time.Duration
}

// Default retry values.
const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = time.Second
)

// DefaultRetryConfig returns 5 retries spaced one second apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: DefaultMaxRetries,
		Delay:      DefaultRetryDelay,
	}
}

// NoRetryConfig returns a configuration that makes exactly one attempt.
func NoRetryConfig() RetryConfig {
	return RetryConfig{}
}

// maxTries returns the attempt ceiling passed to the backoff loop.
func (c RetryConfig) maxTries() uint {
	if c.MaxRetries < 0 {
		return 1
	}
	return uint(c.MaxRetries) + 1
}

// RetryHook observes every retry decision before the worker waits.
// attempt is the 1-based number of the attempt that just failed.
type RetryHook func(attempt int, delay time.Duration, err error)

// retryReason returns a short label for why an attempt is retried.
func retryReason(err error) string {
	var te *TransportError
	if errors.As(err, &te) && te.StatusCode != 0 {
		return "status_code"
	}
	switch {
	case errors.Is(err, ErrBreakerOpen):
		return "breaker_open"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case strings.Contains(strings.ToLower(err.Error()), "timeout"):
		return "timeout"
	case isRetryableNetworkError(err):
		return "network_error"
	}
	return "unknown"
}

// recordRetryEvent adds a span event for the retry decision.
func recordRetryEvent(span trace.Span, attempt int, err error, delay time.Duration) {
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("retry.attempt", attempt),
		attribute.Int64("retry.delay_ms", delay.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs,
			attribute.String("retry.reason", retryReason(err)),
			attribute.String("error.type", classifyError(err)),
		)
	}

	span.AddEvent("dispatch.retry", trace.WithAttributes(attrs...))
}
