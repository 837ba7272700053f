package dispatch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// NewRedisStore creates a Redis-backed store so several dispatcher
// instances share one breaker state.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	d := dispatch.New(
//	    dispatch.WithServiceName("status-api"),
//	    dispatch.WithBreaker(dispatch.DistributedBreakerConfig(dispatch.NewRedisStore(rdb))),
//	)
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// CircuitBreaker is the subset of gobreaker used by the dispatcher. Both
// the local and the distributed breaker satisfy it.
type CircuitBreaker interface {
	Execute(req func() (any, error)) (any, error)
}

// BreakerClassifier reports whether an attempt outcome counts as a breaker
// failure.
type BreakerClassifier func(resp *http.Response, err error) bool

// BreakerConfig configures the dispatcher's circuit breaker. One breaker
// guards all workers of a dispatcher.
//
// A rejected attempt fails with ErrBreakerOpen and is treated like any other
// failed attempt by the retry loop.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	//
	// Default: 1
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which counts
	// are cleared. Zero never clears.
	//
	// Default: 10s
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	//
	// Default: 10s
	Timeout time.Duration

	// FailureThreshold is the minimum number of requests before the ratio
	// rule applies.
	//
	// Default: 20
	FailureThreshold uint32

	// FailureRatio trips the breaker once failures/requests reaches it.
	//
	// Default: 0.5
	FailureRatio float64

	// ConsecutiveFailures trips the breaker after this many failures in a
	// row, regardless of FailureThreshold.
	//
	// Default: 5
	ConsecutiveFailures uint32

	// Store shares breaker state across processes. Nil keeps it local.
	Store gobreaker.SharedDataStore

	// Classifier decides what counts as a failure.
	//
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns a local breaker tripping on 5 consecutive
// failures or a 50% failure ratio over 20 requests.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DistributedBreakerConfig returns DefaultBreakerConfig backed by store.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// DefaultBreakerClassifier counts network errors and 5xx responses.
func DefaultBreakerClassifier(resp *http.Response, err error) bool {
	if err != nil {
		return isNetworkError(err)
	}
	return resp != nil && resp.StatusCode >= 500
}

// WithBreaker guards every attempt with a circuit breaker.
func WithBreaker(b BreakerConfig) Option {
	return func(cfg *internalConfig) {
		if b.Classifier == nil {
			b.Classifier = DefaultBreakerClassifier
		}
		cfg.breakerConfig = &b
	}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		isRetryableNetworkError(err)
}

// newCircuitBreaker builds the dispatcher breaker, or nil when disabled.
func newCircuitBreaker(cfg *internalConfig) (CircuitBreaker, string) {
	bc := cfg.breakerConfig
	if bc == nil {
		return nil, ""
	}

	name := cfg.serviceName
	if name == "" {
		name = "dispatch"
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if bc.ConsecutiveFailures > 0 &&
				counts.ConsecutiveFailures >= bc.ConsecutiveFailures {
				return true
			}
			if bc.FailureThreshold > 0 && counts.Requests < bc.FailureThreshold {
				return false
			}
			if bc.FailureRatio > 0 && counts.Requests > 0 {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= bc.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.metrics.recordBreakerState(context.Background(), name, int64(to))
			cfg.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if bc.OnStateChange != nil {
				bc.OnStateChange(name, from, to)
			}
		},
	}

	if bc.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[any](bc.Store, st)
		if err == nil {
			return dcb, name
		}
		cfg.logger.Warn().Err(err).Msg("distributed circuit breaker unavailable, using local breaker")
	}

	return gobreaker.NewCircuitBreaker[any](st), name
}
