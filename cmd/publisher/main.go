package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/logging"
	"task-dispatch-engine/internal/outbox"
	"task-dispatch-engine/internal/queue"
	"task-dispatch-engine/internal/store"
	"task-dispatch-engine/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Env, "publisher")
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

	owner := os.Getenv("PUBLISHER_ID")
	if owner == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			owner = hostname
		} else {
			owner = fmt.Sprintf("publisher-%d", os.Getpid())
		}
	}
	pub := outbox.NewPublisher(st, q, outbox.OptionsFromConfig(cfg, owner), logger.With(zap.String("owner", owner)))

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := pub.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := pub.PurgePublished(gctx); err != nil && gctx.Err() == nil {
					logger.Warn("outbox_purge_failed", zap.Error(err))
				}
			}
		}
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("publisher_started",
		zap.Int("batch_size", cfg.OutboxBatchSize),
		zap.Duration("poll_interval", cfg.OutboxPollInterval),
	)
	if err := g.Wait(); err != nil {
		logger.Error("publisher_stopped", zap.Error(err))
	}
}
