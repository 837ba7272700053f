// Command statusprobe polls a game status endpoint through a dispatch
// worker pool and serves the result over HTTP.
//
//	statusprobe serve --config statusprobe.yaml
//	statusprobe check
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
