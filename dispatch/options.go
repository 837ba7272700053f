package dispatch

import (
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/kroma-labs/sentinel-dispatch/dispatch"
)

// =============================================================================
// Config - Worker Transport Configuration
// =============================================================================

// Config holds the HTTP transport settings used by every worker.
// Each worker builds its own *http.Transport from this value.
//
// Example:
//
//	cfg := dispatch.DefaultConfig()
//	cfg.Timeout = 5 * time.Second
//
//	d := dispatch.New(dispatch.WithConfig(cfg))
type Config struct {
	// Timeout bounds a single attempt, including reading the body.
	// Zero means no timeout.
	//
	// Default: 15s
	Timeout time.Duration

	// MaxIdleConns caps idle keep-alive connections per worker across all
	// hosts.
	//
	// Default: 16
	MaxIdleConns int

	// MaxIdleConnsPerHost caps idle connections per worker per host.
	// A worker serves one request at a time, so a small value suffices.
	//
	// Default: 2
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits total connections per worker per host.
	// Zero means unlimited.
	//
	// Default: 4
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	//
	// Default: 90s
	IdleConnTimeout time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake.
	//
	// Default: 10s
	TLSHandshakeTimeout time.Duration

	// ExpectContinueTimeout bounds the wait for "100 Continue".
	//
	// Default: 1s
	ExpectContinueTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers after the
	// request is written. Zero defers to Timeout.
	//
	// Default: 0
	ResponseHeaderTimeout time.Duration

	// DialTimeout bounds TCP connection establishment.
	//
	// Default: 5s
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval.
	//
	// Default: 30s
	KeepAlive time.Duration

	// ForceHTTP2 attempts HTTP/2 even with a custom dialer or TLS config.
	//
	// Default: true
	ForceHTTP2 bool
}

// DefaultConfig returns balanced transport settings.
func DefaultConfig() Config {
	return Config{
		Timeout: 15 * time.Second,

		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 2,
		MaxConnsPerHost:     4,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0, // Uses Timeout

		DialTimeout: 5 * time.Second,
		KeepAlive:   30 * time.Second,

		ForceHTTP2: true,
	}
}

// LowLatencyConfig fails fast on slow backends.
//
// Best for:
//   - Interactive status checks
//   - Health probes
func LowLatencyConfig() Config {
	return Config{
		Timeout: 5 * time.Second,

		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 2,
		MaxConnsPerHost:     2,
		IdleConnTimeout:     60 * time.Second,

		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 500 * time.Millisecond,
		ResponseHeaderTimeout: 3 * time.Second,

		DialTimeout: 2 * time.Second,
		KeepAlive:   15 * time.Second,

		ForceHTTP2: true,
	}
}

// ConservativeConfig keeps per-worker resources small, for large pools or
// constrained environments.
func ConservativeConfig() Config {
	return Config{
		Timeout: 10 * time.Second,

		MaxIdleConns:        2,
		MaxIdleConnsPerHost: 1,
		MaxConnsPerHost:     1,
		IdleConnTimeout:     30 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		DialTimeout: 5 * time.Second,
		KeepAlive:   30 * time.Second,

		ForceHTTP2: false,
	}
}

// =============================================================================
// Internal Configuration
// =============================================================================

// internalConfig holds everything a Dispatcher and its workers share.
type internalConfig struct {
	httpConfig  Config
	poolConfig  PoolConfig
	retryConfig RetryConfig

	classifier RetryClassifier
	retryHook  RetryHook

	logger   zerolog.Logger
	executor Executor

	// === OpenTelemetry ===

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	metrics        *metrics

	serviceName string

	// === Transport ===

	tlsConfig     *tls.Config
	baseTransport http.RoundTripper
	mockTransport *MockTransport

	// === Resilience ===

	breakerConfig   *BreakerConfig
	rateLimitConfig *RateLimitConfig
	coalesce        bool

	defaultHeaders []Header
}

// newConfig creates an internal config with defaults and applies options.
func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		httpConfig:     DefaultConfig(),
		poolConfig:     DefaultPoolConfig(),
		retryConfig:    DefaultRetryConfig(),
		classifier:     AnyFailureClassifier,
		logger:         zerolog.New(os.Stderr).With().Timestamp().Str("component", "dispatch").Logger(),
		executor:       GoExecutor{},
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.poolConfig = cfg.poolConfig.normalize()

	cfg.tracer = cfg.tracerProvider.Tracer(scope)
	cfg.meter = cfg.meterProvider.Meter(scope)

	// Metrics stay nil on registration failure; every record method is nil-safe.
	var err error
	cfg.metrics, err = newMetrics(cfg.meter)
	if err != nil {
		cfg.logger.Warn().Err(err).Msg("metric registration failed, metrics disabled")
	}

	return cfg
}

// buildTransport creates a worker-owned *http.Transport.
func (cfg *internalConfig) buildTransport() *http.Transport {
	hc := cfg.httpConfig

	dialer := &net.Dialer{
		Timeout:   hc.DialTimeout,
		KeepAlive: hc.KeepAlive,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          hc.MaxIdleConns,
		MaxIdleConnsPerHost:   hc.MaxIdleConnsPerHost,
		MaxConnsPerHost:       hc.MaxConnsPerHost,
		IdleConnTimeout:       hc.IdleConnTimeout,
		TLSHandshakeTimeout:   hc.TLSHandshakeTimeout,
		ResponseHeaderTimeout: hc.ResponseHeaderTimeout,
		ExpectContinueTimeout: hc.ExpectContinueTimeout,
		TLSClientConfig:       cfg.tlsConfig,
		ForceAttemptHTTP2:     hc.ForceHTTP2,
	}
}

// workerTransport returns the innermost round tripper for a new worker.
// The mock wins over an injected base, which wins over a fresh transport.
func (cfg *internalConfig) workerTransport() http.RoundTripper {
	switch {
	case cfg.mockTransport != nil:
		return cfg.mockTransport
	case cfg.baseTransport != nil:
		return cfg.baseTransport
	default:
		return cfg.buildTransport()
	}
}

// baseAttributes returns common attributes for all spans and metrics.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 1)
	if cfg.serviceName != "" {
		attrs = append(attrs, attribute.String("dispatch.client.name", cfg.serviceName))
	}
	return attrs
}

// =============================================================================
// Options
// =============================================================================

// Option configures a Dispatcher.
type Option func(*internalConfig)

// WithConfig sets the worker transport configuration.
func WithConfig(c Config) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig = c
	}
}

// WithPoolConfig sets worker pool sizing and the overflow policy.
//
// Example - original unbounded behaviour:
//
//	d := dispatch.New(dispatch.WithPoolConfig(dispatch.UnboundedPoolConfig()))
func WithPoolConfig(p PoolConfig) Option {
	return func(cfg *internalConfig) {
		cfg.poolConfig = p
	}
}

// WithRetryConfig sets the retry ceiling and delay.
func WithRetryConfig(r RetryConfig) Option {
	return func(cfg *internalConfig) {
		cfg.retryConfig = r
	}
}

// WithRetryClassifier replaces the default AnyFailureClassifier.
func WithRetryClassifier(c RetryClassifier) Option {
	return func(cfg *internalConfig) {
		if c != nil {
			cfg.classifier = c
		}
	}
}

// WithRetryHook registers a hook called before every retry wait.
func WithRetryHook(h RetryHook) Option {
	return func(cfg *internalConfig) {
		cfg.retryHook = h
	}
}

// WithLogger sets the zerolog logger used for retry, overload and pool logs.
func WithLogger(l zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.logger = l
	}
}

// WithExecutor sets where callbacks run. Default: GoExecutor.
func WithExecutor(e Executor) Option {
	return func(cfg *internalConfig) {
		if e != nil {
			cfg.executor = e
		}
	}
}

// WithServiceName sets the "dispatch.client.name" attribute on spans and
// metrics and names the circuit breaker.
func WithServiceName(name string) Option {
	return func(cfg *internalConfig) {
		cfg.serviceName = name
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider.
// If not called, the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.meterProvider = mp
	}
}

// WithTLSConfig sets the TLS configuration of worker transports.
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(cfg *internalConfig) {
		cfg.tlsConfig = tlsCfg
	}
}

// WithBaseTransport makes every worker send through rt instead of building
// its own *http.Transport. rt must be safe for concurrent use.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(cfg *internalConfig) {
		cfg.baseTransport = rt
	}
}

// WithDefaultHeaders sets headers applied to every request before the
// descriptor's own headers.
func WithDefaultHeaders(headers ...Header) Option {
	return func(cfg *internalConfig) {
		cfg.defaultHeaders = append([]Header(nil), headers...)
	}
}

// WithCoalescing collapses concurrent identical GET dispatches into one
// execution. Followers share the leader's outcome.
func WithCoalescing() Option {
	return func(cfg *internalConfig) {
		cfg.coalesce = true
	}
}
