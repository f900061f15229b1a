// Command moexingest loads MOEX ISS market data into a relational store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"moex-ingest/internal/cli"
	"moex-ingest/internal/logging"
)

func main() {
	// Console-only logger until the config is loaded.
	cfg := logging.DefaultLogConfig()
	cfg.File = false
	logger := logging.NewLoggerWithConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := cli.NewRootCmd(logger).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
