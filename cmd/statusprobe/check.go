package main

import (
	"context"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/kroma-labs/sentinel-dispatch/internal/config"
	"github.com/kroma-labs/sentinel-dispatch/statuscheck"
)

func newCheckCmd(configPath *string) *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one status check and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), *configPath, url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "status endpoint, overrides status.url")
	return cmd
}

func runCheck(ctx context.Context, out io.Writer, configPath, url string) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if url != "" {
		cfg.Status.URL = url
	}

	a := newApp(cfg, nil)
	defer func() {
		if closeErr := a.close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	checkCtx := ctx
	if cfg.Status.Timeout > 0 {
		var cancel context.CancelFunc
		// every attempt may use the full timeout
		checkCtx, cancel = context.WithTimeout(ctx,
			cfg.Status.Timeout*time.Duration(cfg.Retry.MaxRetries+1)+cfg.Retry.Delay*time.Duration(cfg.Retry.MaxRetries))
		defer cancel()
	}

	status, err := statuscheck.New(a.dispatcher, cfg.Status.URL, statuscheck.WithLogger(a.logger)).Check(checkCtx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}
