package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Dispatcher sends GET and POST requests through a pool of reusable
// workers, retrying failed attempts, and delivers results either to the
// caller (Get, Post, Do) or to a Callback posted on the configured
// Executor (GetAsync, PostAsync, DoAsync).
//
// A Dispatcher is safe for concurrent use. Create one with New and stop it
// with Shutdown.
type Dispatcher struct {
	cfg     *internalConfig
	pool    *pool
	group   singleflight.Group
	latency *latencyRecorder

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// sharedTransport holds the pieces of the transport chain that every
// worker of a dispatcher shares.
type sharedTransport struct {
	breaker     CircuitBreaker
	breakerName string
	limiter     *rate.Limiter
	limiterWait bool
}

// New creates a Dispatcher. Workers are created lazily on the first
// dispatch.
//
// Example:
//
//	d := dispatch.New(
//	    dispatch.WithServiceName("status-probe"),
//	    dispatch.WithLogger(logger),
//	)
//	defer d.Shutdown(context.Background())
//
//	body, err := d.Get(ctx, "https://api.example.com/status")
func New(opts ...Option) *Dispatcher {
	cfg := newConfig(opts...)

	shared := &sharedTransport{}
	shared.breaker, shared.breakerName = newCircuitBreaker(cfg)
	shared.limiter = newLimiter(cfg.rateLimitConfig)
	if cfg.rateLimitConfig != nil {
		shared.limiterWait = cfg.rateLimitConfig.WaitOnLimit
	}

	newW := func(id int) *worker {
		return newWorker(id, cfg, shared)
	}

	return &Dispatcher{
		cfg:     cfg,
		pool:    newPool(cfg.poolConfig, newW, cfg.metrics, cfg.logger, cfg.baseAttributes()),
		latency: newLatencyRecorder(),
	}
}

// =============================================================================
// Awaitable mode
// =============================================================================

// Get sends a GET request and returns the response body.
func (d *Dispatcher) Get(ctx context.Context, uri string, headers ...Header) (string, error) {
	desc, err := NewGet(uri, headers...)
	if err != nil {
		return "", err
	}
	return d.Do(ctx, desc)
}

// Post sends body, which must be JSON text, and returns the response body.
func (d *Dispatcher) Post(ctx context.Context, uri string, body []byte, headers ...Header) (string, error) {
	desc, err := NewPost(uri, body, headers...)
	if err != nil {
		return "", err
	}
	return d.Do(ctx, desc)
}

// PostJSON serializes payload and posts it.
func (d *Dispatcher) PostJSON(ctx context.Context, uri string, payload any, headers ...Header) (string, error) {
	body, err := encodeJSON(payload)
	if err != nil {
		return "", err
	}
	return d.Post(ctx, uri, body, headers...)
}

// Do dispatches desc and waits for the outcome.
func (d *Dispatcher) Do(ctx context.Context, desc *Descriptor) (string, error) {
	return d.Submit(ctx, desc).Wait(ctx)
}

// =============================================================================
// Callback mode
// =============================================================================

// GetAsync sends a GET request and posts the outcome to cb.
func (d *Dispatcher) GetAsync(ctx context.Context, uri string, cb Callback, headers ...Header) {
	desc, err := NewGet(uri, headers...)
	if err != nil {
		d.fail(cb, err)
		return
	}
	d.DoAsync(ctx, desc, cb)
}

// PostAsync posts body and posts the outcome to cb.
func (d *Dispatcher) PostAsync(ctx context.Context, uri string, body []byte, cb Callback, headers ...Header) {
	desc, err := NewPost(uri, body, headers...)
	if err != nil {
		d.fail(cb, err)
		return
	}
	d.DoAsync(ctx, desc, cb)
}

// PostJSONAsync serializes payload, posts it and posts the outcome to cb.
func (d *Dispatcher) PostJSONAsync(ctx context.Context, uri string, payload any, cb Callback, headers ...Header) {
	body, err := encodeJSON(payload)
	if err != nil {
		d.fail(cb, err)
		return
	}
	d.PostAsync(ctx, uri, body, cb, headers...)
}

// DoAsync dispatches desc and posts the outcome to cb exactly once.
func (d *Dispatcher) DoAsync(ctx context.Context, desc *Descriptor, cb Callback) {
	d.Submit(ctx, desc).Then(d.cfg.executor, cb)
}

func (d *Dispatcher) fail(cb Callback, err error) {
	resolvedFuture(err).Then(d.cfg.executor, cb)
}

// =============================================================================
// Dispatch pipeline
// =============================================================================

// Submit starts a dispatch on a pool-managed goroutine and returns the
// future bound to it.
func (d *Dispatcher) Submit(ctx context.Context, desc *Descriptor) *Future {
	if desc == nil {
		return resolvedFuture(fmt.Errorf("%w: nil descriptor", ErrInvalidDescriptor))
	}
	if err := d.begin(); err != nil {
		return resolvedFuture(err)
	}

	f := newFuture()
	go func() {
		defer d.inflight.Done()
		f.resolve(d.run(ctx, desc))
	}()
	return f
}

// begin registers an in-flight dispatch unless the dispatcher is closed.
func (d *Dispatcher) begin() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	d.inflight.Add(1)
	return nil
}

// run wraps one dispatch in a span and records its outcome.
func (d *Dispatcher) run(ctx context.Context, desc *Descriptor) (string, error) {
	start := time.Now()

	attrs := append(d.cfg.baseAttributes(),
		attribute.String("dispatch.request_id", desc.id),
		attribute.String("http.request.method", string(desc.method)),
		attribute.String("url.full", desc.target),
	)
	ctx, span := d.cfg.tracer.Start(ctx, "dispatch "+string(desc.method),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	var (
		body string
		err  error
	)
	if d.cfg.coalesce && desc.method == MethodGet {
		body, err = d.coalesced(ctx, desc)
	} else {
		body, err = d.execute(ctx, desc)
	}

	duration := time.Since(start)
	d.latency.record(duration)

	outcome := "success"
	if err != nil {
		outcome = outcomeOf(err)
		setSpanError(span, err, classifyError(err))
		if errors.Is(err, ErrCanceled) {
			d.cfg.metrics.recordCanceled(ctx, d.cfg.baseAttributes())
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("dispatch.outcome", outcome))

	d.cfg.metrics.recordDispatchDuration(ctx, duration, append(d.cfg.baseAttributes(),
		attribute.String("http.request.method", string(desc.method)),
		attribute.String("dispatch.outcome", outcome),
	))

	return body, err
}

// coalesced shares one execution among concurrent identical GETs. The
// shared execution does not end when the caller that started it cancels;
// each caller stops waiting on its own context only.
func (d *Dispatcher) coalesced(ctx context.Context, desc *Descriptor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	}

	ch := d.group.DoChan(CoalesceKey(desc), func() (any, error) {
		return d.execute(context.WithoutCancel(ctx), desc)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	case res := <-ch:
		if res.Shared {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("dispatch.coalesced", true))
		}
		body, _ := res.Val.(string)
		return body, res.Err
	}
}

// execute acquires a worker, runs the request on it and releases it.
func (d *Dispatcher) execute(ctx context.Context, desc *Descriptor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	}

	d.pool.ensureMinimumCapacity()

	w, err := d.pool.acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrOverloaded) {
			d.cfg.metrics.recordOverloaded(ctx, d.cfg.baseAttributes())
			d.cfg.logger.Warn().
				Str("request_id", desc.id).
				Str("method", string(desc.method)).
				Str("url", desc.target).
				Int("max_workers", d.cfg.poolConfig.MaxWorkers).
				Msg("worker pool saturated, rejecting request")
		}
		return "", err
	}
	defer d.pool.release(w)

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("dispatch.worker_id", w.id))

	return w.execute(ctx, desc)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrRetryExhausted):
		return "exhausted"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "failed"
	}
}

// =============================================================================
// Lifecycle & stats
// =============================================================================

// Shutdown stops accepting dispatches, waits for in-flight ones until ctx
// ends and closes idle connections on every worker. It is safe to call
// more than once.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("dispatch: shutdown: %w", ctx.Err())
	}

	d.pool.closeIdleConnections()
	return err
}

// Stats is a point-in-time view of a Dispatcher.
type Stats struct {
	Pool    PoolStats    `json:"pool"`
	Latency LatencyStats `json:"latency"`
}

// Stats returns pool occupancy and dispatch latency percentiles.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Pool:    d.pool.stats(),
		Latency: d.latency.snapshot(),
	}
}
