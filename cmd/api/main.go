package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldsync/internal/agent"
	api "fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/ratelimit"
)

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
	if cfg.RunMigrations {
		if err := a.Remote.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
	}

	var limiter api.Limiter
	if cfg.RateLimitCapacity > 0 {
		redisLimiter := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisLimiter.Close()
		limiter = ratelimit.NewTokenBucket(redisLimiter, cfg.RedisKeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	a.Start(ctx)

	server := api.New(cfg, a.Scheduler, limiter, logger.With("component", "api"))
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "kv_backend", cfg.KVBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	a.Close()
}
