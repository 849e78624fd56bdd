// Package main is the entry point for the portico MCP hub.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/porticolabs/portico/cmd/portico/app"
	"github.com/porticolabs/portico/pkg/logger"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
