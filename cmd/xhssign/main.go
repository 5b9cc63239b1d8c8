package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// AppVersion is overridden at build time with -ldflags "-X main.AppVersion=...".
var AppVersion = "v1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
