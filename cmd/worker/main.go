package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fieldsync/internal/agent"
	"fieldsync/internal/config"
	"fieldsync/internal/telemetry"
)

// The headless agent syncs a device's queue without serving the UI API. Connectivity comes
// from the prober alone.
func main() {
	cfg := config.Load()
	logger := agent.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init agent: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("sync agent started",
		"sync_interval", cfg.SyncInterval,
		"handler_timeout", cfg.HandlerTimeout,
		"max_retries", cfg.MaxRetries)
	a.Start(ctx)
	<-ctx.Done()
	a.Close()
	logger.Info("sync agent stopped")
}
