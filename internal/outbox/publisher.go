// Package outbox relays committed outbox entries to the broker. An entry is
// marked published only after the broker acknowledged it, so a crash at any
// point leads to a re-publish rather than a lost announcement.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"task-dispatch-engine/internal/backoff"
	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/failure"
	"task-dispatch-engine/internal/models"
	"task-dispatch-engine/internal/telemetry"
)

// Store is the slice of the durable store the publisher needs.
type Store interface {
	ClaimOutbox(ctx context.Context, owner string, limit int, lease time.Duration) ([]models.OutboxEntry, error)
	MarkPublished(ctx context.Context, entry models.OutboxEntry) error
	ReleaseOutbox(ctx context.Context, id int64, owner string, delay time.Duration, lastErr string) error
	OutboxBacklog(ctx context.Context) (int64, time.Duration, error)
	PurgePublishedOutbox(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Broker accepts a message; a nil error is the acknowledgement.
type Broker interface {
	Publish(ctx context.Context, class string, body []byte) error
}

// Options tunes the publisher loop.
type Options struct {
	Owner          string
	BatchSize      int
	PollInterval   time.Duration
	ClaimLease     time.Duration
	PublishTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Retention      time.Duration
}

// OptionsFromConfig maps environment configuration onto Options.
func OptionsFromConfig(cfg config.Config, owner string) Options {
	return Options{
		Owner:          owner,
		BatchSize:      cfg.OutboxBatchSize,
		PollInterval:   cfg.OutboxPollInterval,
		ClaimLease:     cfg.OutboxClaimLease,
		PublishTimeout: cfg.PublishTimeout,
		BackoffInitial: cfg.PublishBackoffInitial,
		BackoffMax:     cfg.PublishBackoffMax,
		Retention:      cfg.OutboxRetention,
	}
}

// Publisher drains the outbox. Several publishers may run at once; entry
// leases keep them from publishing the same entry concurrently.
type Publisher struct {
	store  Store
	broker Broker
	opts   Options
	logger *zap.Logger
}

func NewPublisher(st Store, b Broker, opts Options, logger *zap.Logger) *Publisher {
	if opts.Owner == "" {
		opts.Owner = "publisher"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 30 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{store: st, broker: b, opts: opts, logger: logger}
}

// BatchResult summarises one pass over the outbox.
type BatchResult struct {
	Claimed   int
	Published int
	Failed    int
}

// Run publishes until ctx is cancelled. While the broker rejects every
// entry of a batch the loop backs off exponentially.
func (p *Publisher) Run(ctx context.Context) error {
	streak := 0
	for {
		res, err := p.PublishBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("outbox_poll_failed", zap.Error(err))
		}
		p.reportBacklog(ctx)

		var wait time.Duration
		switch {
		case err != nil || (res.Claimed > 0 && res.Published == 0):
			streak++
			wait = backoff.WithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, streak)
		case res.Claimed < p.opts.BatchSize:
			streak = 0
			wait = p.opts.PollInterval
		default:
			// Full batch: more is likely waiting.
			streak = 0
		}

		if wait == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// PublishBatch claims one batch and publishes it in entry order.
func (p *Publisher) PublishBatch(ctx context.Context) (BatchResult, error) {
	entries, err := p.store.ClaimOutbox(ctx, p.opts.Owner, p.opts.BatchSize, p.opts.ClaimLease)
	if err != nil {
		return BatchResult{}, fmt.Errorf("claim outbox: %w", err)
	}
	res := BatchResult{Claimed: len(entries)}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := p.publish(ctx, entry); err != nil {
			res.Failed++
			telemetry.OutboxPublishFailures.Inc()
			p.logger.Warn("outbox_publish_failed",
				zap.Int64("entry_id", entry.ID),
				zap.String("task_id", entry.TaskID),
				zap.Int("attempts", entry.Attempts+1),
				zap.Error(err),
			)
			continue
		}
		res.Published++
	}
	if res.Published > 0 {
		p.logger.Debug("outbox_batch_published", zap.Int("published", res.Published), zap.Int("failed", res.Failed))
	}
	return res, nil
}

func (p *Publisher) publish(ctx context.Context, entry models.OutboxEntry) error {
	pctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	err := p.broker.Publish(pctx, entry.QueueClass, entry.Body)
	cancel()
	if err != nil {
		perr := &failure.PublishError{EntryID: entry.ID, Cause: err}
		delay := backoff.WithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, entry.Attempts+1)
		if rerr := p.store.ReleaseOutbox(ctx, entry.ID, p.opts.Owner, delay, err.Error()); rerr != nil {
			return errors.Join(perr, fmt.Errorf("release outbox entry: %w", rerr))
		}
		return perr
	}
	telemetry.OutboxPublishLatency.Observe(time.Since(entry.CreatedAt).Seconds())

	// The broker holds the message now. Failing to record that only causes
	// a duplicate publish once the claim lease expires.
	if err := p.store.MarkPublished(ctx, entry); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (p *Publisher) reportBacklog(ctx context.Context) {
	n, age, err := p.store.OutboxBacklog(ctx)
	if err != nil {
		return
	}
	telemetry.OutboxBacklog.Set(float64(n))
	telemetry.OutboxOldestAge.Set(age.Seconds())
}

// PurgePublished removes published entries older than the retention window.
func (p *Publisher) PurgePublished(ctx context.Context) (int64, error) {
	if p.opts.Retention <= 0 {
		return 0, nil
	}
	n, err := p.store.PurgePublishedOutbox(ctx, p.opts.Retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("outbox_purged", zap.Int64("removed", n))
	}
	return n, nil
}
