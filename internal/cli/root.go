// Package cli implements taskctl, the operator command line for the task
// dispatch engine.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"task-dispatch-engine/internal/breaker"
	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/logging"
	"task-dispatch-engine/internal/queue"
	"task-dispatch-engine/internal/store"
	"task-dispatch-engine/internal/tasks"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskctl",
		Short:         "Operate the task dispatch engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newPurgeCmd())
	root.AddCommand(newStatsCmd())
	return root
}

// Execute runs the CLI.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect builds the engine facade over Postgres and Redis.
func connect(ctx context.Context) (*tasks.Service, func(), error) {
	cfg := config.Load()
	logger, err := logging.New(cfg.Env, "taskctl")
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	client := queue.NewClient(cfg)
	q := queue.NewRedisQueue(client, cfg)
	br := breaker.New(client, cfg.BreakerName, breaker.SettingsFromConfig(cfg), logger)
	svc := tasks.New(st, q, br, tasks.Options{
		DefaultQueueClass: cfg.DefaultQueueClass,
		QueueClasses:      cfg.QueueClasses,
		MaxAttempts:       cfg.MaxAttempts,
		IdempotencyTTL:    cfg.IdempotencyTTL,
	}, logger)

	closeFn := func() {
		_ = client.Close()
		st.Close()
		_ = logger.Sync()
	}
	return svc, closeFn, nil
}
