package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	api "task-dispatch-engine/internal/api"
	"task-dispatch-engine/internal/breaker"
	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/logging"
	"task-dispatch-engine/internal/queue"
	"task-dispatch-engine/internal/ratelimit"
	"task-dispatch-engine/internal/store"
	"task-dispatch-engine/internal/tasks"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Env, "api")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect_postgres_failed", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations_failed", zap.Error(err))
	}

	redisClient := queue.NewClient(cfg)
	defer func() { _ = redisClient.Close() }()
	q := queue.NewRedisQueue(redisClient, cfg)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	br := breaker.New(redisClient, cfg.BreakerName, breaker.SettingsFromConfig(cfg), logger)

	svc := tasks.New(st, q, br, tasks.Options{
		DefaultQueueClass: cfg.DefaultQueueClass,
		QueueClasses:      cfg.QueueClasses,
		MaxAttempts:       cfg.MaxAttempts,
		IdempotencyTTL:    cfg.IdempotencyTTL,
	}, logger)

	server := api.New(svc, limiter, map[string]api.Pinger{"postgres": st, "redis": q}, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api_listening", zap.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			if err := svc.RefreshMetrics(gctx); err != nil && gctx.Err() == nil {
				logger.Warn("metrics_refresh_failed", zap.Error(err))
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("api_stopped", zap.Error(err))
	}
}
