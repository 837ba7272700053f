package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kroma-labs/sentinel-dispatch/internal/config"
	"github.com/kroma-labs/sentinel-dispatch/internal/probe"
	"github.com/kroma-labs/sentinel-dispatch/internal/telemetry"
	"github.com/kroma-labs/sentinel-dispatch/statuscheck"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the status endpoint and serve the probe HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.Setup(ctx, cfg.Service.Name, cfg.Service.Version)
	if err != nil {
		return err
	}

	a := newApp(cfg, &providers{tracer: tel.TracerProvider, meter: tel.MeterProvider})
	logger := a.logger

	checker := statuscheck.New(a.dispatcher, cfg.Status.URL, statuscheck.WithLogger(logger))
	router := probe.NewRouter(probe.Config{
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
		Dispatcher:  a.dispatcher,
		Status:      checker,
		Metrics:     tel.MetricsHandler(),
		StaleAfter:  3 * cfg.Status.Interval,
		Logger:      logger,
	})
	server := probe.NewServer(probe.ServerConfig{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, router, logger)

	logger.Info().
		Str("status_url", cfg.Status.URL).
		Dur("interval", cfg.Status.Interval).
		Str("addr", cfg.Server.Addr).
		Msg("statusprobe starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := checker.Watch(gctx, cfg.Status.Interval, nil)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout+time.Second)
	defer cancel()

	return errors.Join(runErr, a.close(shutdownCtx), tel.Shutdown(shutdownCtx))
}
