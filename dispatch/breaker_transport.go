package dispatch

import (
	"errors"
	"fmt"
	"net/http"

	gobreaker "github.com/sony/gobreaker/v2"
)

// errCountedFailure marks an attempt the breaker classifier counts against
// the circuit. It never leaves this file: the attempt's own response or
// error is what the worker sees.
var errCountedFailure = errors.New("counted breaker failure")

// breakerTransport runs each attempt through a CircuitBreaker shared by all
// workers of a dispatcher.
type breakerTransport struct {
	breaker    CircuitBreaker
	next       http.RoundTripper
	classifier BreakerClassifier
	metrics    *metrics
	name       string
}

func newBreakerTransport(next http.RoundTripper, cb CircuitBreaker, name string, cfg *internalConfig) http.RoundTripper {
	if cb == nil {
		return next
	}
	return &breakerTransport{
		breaker:    cb,
		next:       next,
		classifier: cfg.breakerConfig.Classifier,
		metrics:    cfg.metrics,
		name:       name,
	}
}

// RoundTrip implements http.RoundTripper. The attempt's outcome is kept
// outside the breaker so a failing response still reaches the worker's
// retry classifier.
func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var (
		ran  bool
		resp *http.Response
		rErr error
	)

	_, err := t.breaker.Execute(func() (any, error) {
		ran = true
		resp, rErr = t.next.RoundTrip(req) //nolint:bodyclose // returned to caller
		if !t.classifier(resp, rErr) {
			return nil, nil
		}
		return nil, errCountedFailure
	})

	if !ran {
		if isBreakerRejection(err) {
			t.metrics.recordBreakerRequest(req.Context(), t.name, "rejected")
			return nil, fmt.Errorf("%w: %w", ErrBreakerOpen, err)
		}
		return nil, fmt.Errorf("circuit breaker %s: %w", t.name, err)
	}

	result := "success"
	if err != nil {
		result = "failure"
	}
	t.metrics.recordBreakerRequest(req.Context(), t.name, result)

	return resp, rErr
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
