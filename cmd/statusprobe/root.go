package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/sentinel-dispatch/dispatch"
	"github.com/kroma-labs/sentinel-dispatch/internal/config"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "statusprobe",
		Short:   "Poll a game status endpoint through a retrying worker pool",
		Version: version,
		Long: `statusprobe sends status checks through a dispatch worker pool that
retries failed requests, and exposes the last status, pool statistics,
health and Prometheus metrics over HTTP.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newCheckCmd(&configPath),
	)
	return root
}

// app is what both commands build from the configuration.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	dispatcher *dispatch.Dispatcher
	redis      *redis.Client
}

type providers struct {
	tracer trace.TracerProvider
	meter  metric.MeterProvider
}

func newApp(cfg *config.Config, p *providers) *app {
	logger := cfg.Logger()

	opts := []dispatch.Option{
		dispatch.WithServiceName(cfg.Service.Name),
		dispatch.WithLogger(logger),
		dispatch.WithPoolConfig(cfg.PoolConfig()),
		dispatch.WithRetryConfig(cfg.RetryConfig()),
		dispatch.WithConfig(withTimeout(dispatch.DefaultConfig(), cfg.Status.Timeout)),
		dispatch.WithDefaultHeaders(dispatch.H("User-Agent", "statusprobe/"+version)),
	}
	if p != nil {
		opts = append(opts,
			dispatch.WithTracerProvider(p.tracer),
			dispatch.WithMeterProvider(p.meter),
		)
	}

	a := &app{cfg: cfg, logger: logger}
	if cfg.Breaker.Enabled {
		bc := dispatch.DefaultBreakerConfig()
		bc.ConsecutiveFailures = cfg.Breaker.ConsecutiveFailures
		bc.Timeout = cfg.Breaker.Timeout
		if cfg.Breaker.RedisAddr != "" {
			a.redis = redis.NewClient(&redis.Options{Addr: cfg.Breaker.RedisAddr})
			bc.Store = dispatch.NewRedisStore(a.redis)
		}
		opts = append(opts, dispatch.WithBreaker(bc))
	}

	a.dispatcher = dispatch.New(opts...)
	return a
}

func withTimeout(c dispatch.Config, timeout time.Duration) dispatch.Config {
	if timeout > 0 {
		c.Timeout = timeout
	}
	return c
}

func (a *app) close(ctx context.Context) error {
	if err := a.dispatcher.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown dispatcher: %w", err)
	}
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
