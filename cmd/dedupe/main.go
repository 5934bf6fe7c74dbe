package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dedupe/internal/dedupeerr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps command errors onto the process exit status. Interrupted
// commands exit 130 like a shell would.
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return dedupeerr.ExitCode(err)
}
