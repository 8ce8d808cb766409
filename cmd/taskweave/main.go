package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"taskweave/internal/cli"
	"taskweave/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	_ = observability.CLILogger.Sync()
	os.Exit(code)
}
