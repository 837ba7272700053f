package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
)

// worker executes one request at a time, including all of its retries.
type worker struct {
	id     int
	cfg    *internalConfig
	client *http.Client
	base   http.RoundTripper

	busy       atomic.Bool
	retryCount atomic.Int32
	served     atomic.Int64
}

// WorkerStats is a point-in-time view of one worker.
type WorkerStats struct {
	ID         int   `json:"id"`
	Busy       bool  `json:"busy"`
	RetryCount int   `json:"retryCount"`
	Served     int64 `json:"served"`
}

// newWorker builds a worker with its own client. The transport chain is
// otel -> rate limiter -> breaker -> base, with limiter and breaker shared
// by every worker of the dispatcher.
func newWorker(id int, cfg *internalConfig, shared *sharedTransport) *worker {
	base := cfg.workerTransport()

	var rt http.RoundTripper = base
	rt = newBreakerTransport(rt, shared.breaker, shared.breakerName, cfg)
	rt = newRateLimitTransport(rt, shared.limiter, shared.limiterWait)
	rt = newOtelTransport(rt, cfg)

	return &worker{
		id:   id,
		cfg:  cfg,
		base: base,
		client: &http.Client{
			Transport: rt,
			Timeout:   cfg.httpConfig.Timeout,
		},
	}
}

func (w *worker) stats() WorkerStats {
	return WorkerStats{
		ID:         w.id,
		Busy:       w.busy.Load(),
		RetryCount: int(w.retryCount.Load()),
		Served:     w.served.Load(),
	}
}

// closeIdleConnections releases pooled connections of an owned transport.
func (w *worker) closeIdleConnections() {
	if ci, ok := w.base.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

// execute runs d to completion. The caller has already claimed the worker.
//
// Outcomes:
//   - the response body on the first 2xx attempt
//   - ErrCanceled when ctx ends during an attempt or a wait
//   - a *TransportError when the classifier refuses to retry
//   - ErrRetryExhausted wrapping the last *TransportError once the retry
//     count exceeds the ceiling
func (w *worker) execute(ctx context.Context, d *Descriptor) (string, error) {
	w.retryCount.Store(0)
	w.served.Add(1)

	cfg := w.cfg
	span := trace.SpanFromContext(ctx)

	var (
		attempt  int
		lastErr  error
		stopped  bool
		startRun = time.Now()
	)

	operation := func() (string, error) {
		attempt++
		body, resp, err := w.attempt(ctx, d, attempt)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}

		w.retryCount.Add(1)

		var retry bool
		if resp != nil {
			retry = cfg.classifier(resp, nil)
		} else {
			retry = cfg.classifier(nil, errors.Unwrap(err))
		}
		if !retry {
			stopped = true
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	notify := func(err error, next time.Duration) {
		cfg.logger.Error().
			Err(err).
			Str("request_id", d.id).
			Str("method", string(d.method)).
			Str("url", d.target).
			Int("attempt", attempt).
			Int("worker_id", w.id).
			Str("error_type", classifyError(err)).
			Dur("retry_in", next).
			Msg("request attempt failed, retrying")

		recordRetryEvent(span, attempt, err, next)
		cfg.metrics.recordRetryAttempt(ctx, cfg.baseAttributes(), attempt)
		if cfg.retryHook != nil {
			cfg.retryHook(attempt, next, err)
		}
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&backoff.ConstantBackOff{Interval: cfg.retryConfig.Delay}),
		backoff.WithMaxTries(cfg.retryConfig.maxTries()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return body, nil
	}

	switch {
	case ctx.Err() != nil:
		return "", fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	case stopped:
		return "", lastErr
	}

	cfg.logger.Error().
		Err(lastErr).
		Str("request_id", d.id).
		Str("method", string(d.method)).
		Str("url", d.target).
		Int("attempts", attempt).
		Dur("elapsed", time.Since(startRun)).
		Msg("request failed, retries exhausted")
	cfg.metrics.recordRetryExhausted(ctx, cfg.baseAttributes())

	return "", fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, lastErr)
}

// attempt sends d once. A non-nil resp with a non-nil error means the
// server answered outside 2xx; the body is already drained and closed.
func (w *worker) attempt(ctx context.Context, d *Descriptor, n int) (string, *http.Response, error) {
	req, err := d.newRequest(ctx, w.cfg.defaultHeaders)
	if err != nil {
		return "", nil, &TransportError{Attempt: n, Err: err}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", nil, &TransportError{Attempt: n, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, &TransportError{Attempt: n, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", resp, &TransportError{
			Attempt:    n,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %s", errUnexpectedStatus, resp.Status),
		}
	}

	return string(data), resp, nil
}
