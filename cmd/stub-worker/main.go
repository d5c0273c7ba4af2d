// ABOUTME: Stand-in bridge/worker process for local runs and end-to-end checks
// ABOUTME: Usage: stub-worker --port N [--host-bridge-port M] [--role bridge|worker]
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/sandboxd/internal/workerstub"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("STUB_WORKER_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := workerstub.RunArgs(ctx, os.Args[1:], logger); err != nil {
		log.Fatal(err)
	}
}
