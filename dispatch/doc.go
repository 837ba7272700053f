// Package dispatch runs outbound GET and POST requests on a pool of
// reusable workers, retrying failed attempts with a constant delay, and
// delivers each result either to the waiting caller or to a callback
// posted on an Executor.
//
// # Quick Start
//
//	d := dispatch.New(dispatch.WithServiceName("status-probe"))
//	defer d.Shutdown(context.Background())
//
//	body, err := d.Get(ctx, "https://api.example.com/status")
//	if errors.Is(err, dispatch.ErrRetryExhausted) {
//	    // every attempt failed
//	}
//
// # Callback Mode
//
// Callbacks are posted to the configured Executor. A MainLoop keeps every
// callback on one goroutine:
//
//	loop := dispatch.NewMainLoop(logger)
//	d := dispatch.New(dispatch.WithExecutor(loop))
//
//	d.GetAsync(ctx, statusURL, func(body string, err error) {
//	    // runs inside loop.Run
//	})
//	go loop.Run(ctx)
//
// # Worker Pool
//
// The first dispatch creates PoolConfig.MinWorkers workers. When no worker
// is idle another is created, up to PoolConfig.MaxWorkers. A saturated
// pool either rejects with ErrOverloaded or queues, depending on
// PoolConfig.Overflow. Each worker owns its own *http.Client and handles
// one request, retries included, at a time.
//
// # Retries
//
// A failed attempt (network error or a status outside 2xx) is retried
// after RetryConfig.Delay until the worker's retry count exceeds
// RetryConfig.MaxRetries. The defaults give 6 attempts one second apart.
// WithRetryClassifier narrows what is retried.
//
// # Resilience
//
// WithBreaker, WithRateLimit and WithCoalescing add a gobreaker circuit
// breaker, a token-bucket limiter and singleflight collapsing of identical
// concurrent GETs.
package dispatch
