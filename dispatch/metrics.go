package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the metric instruments for dispatch operations.
type metrics struct {
	// === Dispatch Metrics ===

	// dispatchDuration measures a whole dispatch including retries and
	// backoff waits, in seconds.
	dispatchDuration metric.Float64Histogram

	// retryAttempts counts retry decisions.
	retryAttempts metric.Int64Counter

	// retryExhausted counts dispatches that hit the retry ceiling.
	retryExhausted metric.Int64Counter

	// overloaded counts dispatches rejected by a full pool.
	overloaded metric.Int64Counter

	// canceled counts dispatches ended by their context.
	canceled metric.Int64Counter

	// === Pool Metrics ===

	// poolWorkers tracks the number of workers created.
	poolWorkers metric.Int64UpDownCounter

	// poolBusy tracks the number of busy workers.
	poolBusy metric.Int64UpDownCounter

	// === Attempt Metrics ===

	// requestDuration measures a single HTTP attempt in seconds.
	requestDuration metric.Float64Histogram

	// === Circuit Breaker Metrics ===

	// breakerRequests counts attempts by breaker outcome.
	breakerRequests metric.Int64Counter

	// breakerState records the current breaker state (0 closed, 1 half-open, 2 open).
	breakerState metric.Int64Gauge
}

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.dispatchDuration, err = meter.Float64Histogram(
		"dispatch.duration",
		metric.WithDescription("Duration of dispatches including retries in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
		),
	)
	if err != nil {
		return nil, err
	}

	m.retryAttempts, err = meter.Int64Counter(
		"dispatch.retry.attempts",
		metric.WithDescription("Number of dispatch retry attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.retryExhausted, err = meter.Int64Counter(
		"dispatch.retry.exhausted",
		metric.WithDescription("Number of dispatches that exhausted all retries"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.overloaded, err = meter.Int64Counter(
		"dispatch.overloaded",
		metric.WithDescription("Number of dispatches rejected by a saturated pool"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.canceled, err = meter.Int64Counter(
		"dispatch.canceled",
		metric.WithDescription("Number of dispatches canceled by their context"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.poolWorkers, err = meter.Int64UpDownCounter(
		"dispatch.pool.workers",
		metric.WithDescription("Number of workers in the pool"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, err
	}

	m.poolBusy, err = meter.Int64UpDownCounter(
		"dispatch.pool.busy",
		metric.WithDescription("Number of busy workers"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Duration of HTTP client requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
		),
	)
	if err != nil {
		return nil, err
	}

	m.breakerRequests, err = meter.Int64Counter(
		"dispatch.breaker.requests",
		metric.WithDescription("Number of attempts seen by the circuit breaker by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerState, err = meter.Int64Gauge(
		"dispatch.breaker.state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 half-open, 2 open"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// recordDispatchDuration records the duration of a whole dispatch.
func (m *metrics) recordDispatchDuration(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.dispatchDuration == nil {
		return
	}
	m.dispatchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// recordRetryAttempt records a retry decision.
func (m *metrics) recordRetryAttempt(ctx context.Context, attrs []attribute.KeyValue, attempt int) {
	if m == nil || m.retryAttempts == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.Int("retry.attempt", attempt))
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// recordRetryExhausted records a dispatch that hit the retry ceiling.
func (m *metrics) recordRetryExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.retryExhausted == nil {
		return
	}
	m.retryExhausted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordOverloaded records a dispatch rejected by the pool.
func (m *metrics) recordOverloaded(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.overloaded == nil {
		return
	}
	m.overloaded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordCanceled records a dispatch ended by its context.
func (m *metrics) recordCanceled(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.canceled == nil {
		return
	}
	m.canceled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordWorkerCreated records pool growth.
func (m *metrics) recordWorkerCreated(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.poolWorkers == nil {
		return
	}
	m.poolWorkers.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordWorkerBusy records a worker being claimed (delta 1) or released (delta -1).
func (m *metrics) recordWorkerBusy(ctx context.Context, delta int64, attrs []attribute.KeyValue) {
	if m == nil || m.poolBusy == nil {
		return
	}
	m.poolBusy.Add(ctx, delta, metric.WithAttributes(attrs...))
}

// recordRequestDuration records the duration of one HTTP attempt.
func (m *metrics) recordRequestDuration(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// recordBreakerRequest records a breaker outcome: success, failure or rejected.
func (m *metrics) recordBreakerRequest(ctx context.Context, name, result string) {
	if m == nil || m.breakerRequests == nil {
		return
	}
	m.breakerRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker.name", name),
		attribute.String("breaker.result", result),
	))
}

// recordBreakerState records a breaker state transition.
func (m *metrics) recordBreakerState(ctx context.Context, name string, state int64) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(
		attribute.String("breaker.name", name),
	))
}
