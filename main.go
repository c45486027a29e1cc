package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/caduceuslabs/veriflow/cmd"
)

// main is the entry point for the veriflow CLI.
func main() {
	// The context cancels on SIGINT or SIGTERM so an interrupted run shuts
	// its components down cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
