// ./main.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/zapmcp/zapmcp/cmd"
)

// main is the entry point for the zapmcp binary. Commands receive a context
// cancelled on SIGINT/SIGTERM so servers and long scans shut down cleanly.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
