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

	"task-dispatch-engine/internal/breaker"
	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/external"
	"task-dispatch-engine/internal/logging"
	"task-dispatch-engine/internal/queue"
	"task-dispatch-engine/internal/results"
	"task-dispatch-engine/internal/store"
	"task-dispatch-engine/internal/telemetry"
	workerproc "task-dispatch-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Env, "worker")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	settings := breaker.SettingsFromConfig(cfg)
	settings.OnStateChange = func(name string, from, to breaker.State) {
		telemetry.BreakerTransitions.WithLabelValues(string(from), string(to)).Inc()
		telemetry.BreakerState.WithLabelValues(name).Set(to.Gauge())
	}
	br := breaker.New(redisClient, cfg.BreakerName, settings, logger)

	builder, err := results.NewBuilder(ctx, cfg)
	if err != nil {
		logger.Fatal("init_result_builder_failed", zap.Error(err))
	}

	processor := workerproc.NewProcessor(workerproc.Deps{
		Store:   st,
		Broker:  q,
		Guard:   br,
		Caller:  external.NewHTTPCaller(cfg.ExternalCallURL, cfg.ExternalCallTimeout),
		Results: builder,
	}, workerproc.OptionsFromConfig(cfg, workerID), logger)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
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

	logger.Info("worker_started",
		zap.String("worker_id", workerID),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility_timeout", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
	)
	if err := g.Wait(); err != nil {
		logger.Error("worker_stopped", zap.Error(err))
	}
}
