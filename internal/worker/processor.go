package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"task-dispatch-engine/internal/backoff"
	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/external"
	"task-dispatch-engine/internal/failure"
	"task-dispatch-engine/internal/models"
	"task-dispatch-engine/internal/queue"
	"task-dispatch-engine/internal/store"
	"task-dispatch-engine/internal/telemetry"
)

// Store is the slice of the durable store the worker needs.
type Store interface {
	ClaimTask(ctx context.Context, msg models.Message, workerID string) (models.Task, store.ClaimOutcome, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	RecordExternalResult(ctx context.Context, id string, result []byte) (models.Task, error)
	CompleteTask(ctx context.Context, id string, revision int64, inline []byte, ref *string) (models.Task, error)
	FailTask(ctx context.Context, p store.FailParams) (models.Task, error)
	RecoverStalled(ctx context.Context, olderThan time.Duration, limit int) ([]models.Task, error)
	ReannounceQueued(ctx context.Context, olderThan time.Duration, limit int) ([]models.Task, error)
}

// Broker is the consuming side of the message broker.
type Broker interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, d *queue.Delivery, delay time.Duration) error
	ExtendLease(ctx context.Context, id string, extension time.Duration) error
	PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	DLQPush(ctx context.Context, class string, body []byte) error
	Depths(ctx context.Context) (map[string]int64, error)
}

// Guard gates calls to the external dependency; the shared breaker implements it.
type Guard interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// ResultBuilder turns a raw external result into inline bytes or a reference.
type ResultBuilder interface {
	Build(ctx context.Context, taskID string, result []byte) ([]byte, *string, error)
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Store   Store
	Broker  Broker
	Guard   Guard
	Caller  external.Caller
	Results ResultBuilder
}

// Options tunes the worker loops.
type Options struct {
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	ProcessingTimeout time.Duration
	VisibilityTimeout time.Duration
	// NotReadyDelay is how long a delivery that raced ahead of its publisher is parked.
	NotReadyDelay time.Duration
	ReapInterval  time.Duration
	// QueuedStaleAfter is how long a QUEUED task may go unclaimed before it
	// is re-announced.
	QueuedStaleAfter time.Duration
}

// OptionsFromConfig maps environment configuration onto Options.
func OptionsFromConfig(cfg config.Config, workerID string) Options {
	return Options{
		WorkerID:          workerID,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		ProcessingTimeout: cfg.ProcessingTimeout,
		VisibilityTimeout: cfg.VisibilityTimeout,
		QueuedStaleAfter:  cfg.QueuedStaleAfter,
	}
}

// Processor claims delivered tasks and drives them to an outcome.
type Processor struct {
	deps    Deps
	opts    Options
	logger  *zap.Logger
	callers map[string]external.Caller
}

func NewProcessor(deps Deps, opts Options, logger *zap.Logger) *Processor {
	if opts.WorkerID == "" {
		opts.WorkerID = "worker"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 10 * time.Minute
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.NotReadyDelay <= 0 {
		opts.NotReadyDelay = 250 * time.Millisecond
	}
	if opts.QueuedStaleAfter <= 0 {
		opts.QueuedStaleAfter = 30 * time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = opts.ProcessingTimeout / 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		deps:    deps,
		opts:    opts,
		logger:  logger.With(zap.String("worker_id", opts.WorkerID)),
		callers: make(map[string]external.Caller),
	}
}

// RegisterCaller binds a caller to a queue class. Classes without one use Deps.Caller.
func (p *Processor) RegisterCaller(queueClass string, caller external.Caller) {
	if queueClass == "" || caller == nil {
		return
	}
	p.callers[queueClass] = caller
}

// Run consumes with Concurrency goroutines plus one maintenance loop until
// ctx is cancelled. In-flight tasks finish their writes before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error { return p.consume(gctx) })
	}
	g.Go(func() error { return p.maintain(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) consume(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d, err := p.deps.Broker.Dequeue(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("dequeue_failed", zap.Error(err))
		}
		if err != nil || d == nil {
			if !sleep(ctx, p.opts.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		// A claimed task settles even when shutdown starts mid-execution.
		p.HandleDelivery(context.WithoutCancel(ctx), d)
	}
}

func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	lastReap := time.Time{}
	for {
		now := time.Now()
		if _, err := p.deps.Broker.PromoteDelayed(ctx, now, 500); err != nil && ctx.Err() == nil {
			p.logger.Warn("promote_delayed_failed", zap.Error(err))
		}
		if _, err := p.deps.Broker.RequeueExpired(ctx, now, 500); err != nil && ctx.Err() == nil {
			p.logger.Warn("requeue_expired_failed", zap.Error(err))
		}
		if depths, err := p.deps.Broker.Depths(ctx); err == nil {
			for name, n := range depths {
				telemetry.QueueDepth.WithLabelValues(name).Set(float64(n))
			}
		}
		if now.Sub(lastReap) >= p.opts.ReapInterval {
			if _, err := p.Reap(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("stalled_task_recovery_failed", zap.Error(err))
			}
			lastReap = now
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// HandleDelivery runs one delivery through the claimer and, when the claim
// is acquired, the execution engine. The delivery is acked only after the
// outcome is durable.
func (p *Processor) HandleDelivery(ctx context.Context, d *queue.Delivery) {
	msg, err := models.DecodeMessage(d.Body)
	if err != nil || msg.TaskID == "" {
		p.logger.Error("undecodable_delivery", zap.String("delivery_id", d.ID), zap.Error(err))
		p.ack(ctx, d)
		return
	}
	log := p.logger.With(zap.String("task_id", msg.TaskID), zap.Int64("revision", msg.Revision))

	task, outcome, err := p.deps.Store.ClaimTask(ctx, msg, p.opts.WorkerID)
	switch {
	case errors.Is(err, failure.ErrClaimConflict):
		telemetry.ClaimConflicts.Inc()
		log.Debug("task_claim_conflict", zap.String("status", string(task.Status)), zap.Int64("task_revision", task.Revision))
		p.ack(ctx, d)
		return
	case errors.Is(err, failure.ErrNotFound):
		log.Warn("task_claim_missing")
		p.ack(ctx, d)
		return
	case err != nil:
		log.Warn("task_claim_failed", zap.Error(err))
		p.nack(ctx, d, p.opts.NotReadyDelay)
		return
	}

	switch outcome {
	case store.ClaimNotReady, store.ClaimBusy:
		log.Debug("task_claim_deferred", zap.String("outcome", outcome.String()))
		p.nack(ctx, d, p.opts.NotReadyDelay)
		return
	case store.ClaimCancelled:
		log.Info("task_cancelled", zap.String("stage", "before_execution"))
		telemetry.WorkerOutcomes.WithLabelValues("cancelled").Inc()
		p.ack(ctx, d)
		return
	}

	log.Info("task_claimed", zap.Int("attempt", task.Attempts))
	telemetry.InFlightGauge.Inc()
	stop := p.keepLease(ctx, d)
	settled := p.execute(ctx, task, log)
	stop()
	telemetry.InFlightGauge.Dec()

	if settled {
		p.ack(ctx, d)
	}
	// Otherwise the outcome write failed: the task stays PROCESSING for the
	// reaper and the lease lapses into a redelivery that conflicts harmlessly.
}

// execute reports whether an outcome was persisted.
func (p *Processor) execute(ctx context.Context, task models.Task, log *zap.Logger) bool {
	result := task.ExternalResult
	if !task.ExternalCallDone {
		cur, err := p.deps.Store.GetTask(ctx, task.ID)
		if err != nil {
			log.Error("task_reload_failed", zap.Error(err))
			return false
		}
		if cur.Status == models.StatusCancelling {
			return p.settleCancelled(ctx, cur, log)
		}

		out, err := p.call(ctx, task)
		if err != nil {
			return p.fail(ctx, task, err, log)
		}
		task, err = p.deps.Store.RecordExternalResult(ctx, task.ID, out)
		if err != nil {
			log.Error("external_result_persist_failed", zap.Error(err))
			return false
		}
		result = out
	}

	if task.Status == models.StatusCancelling || task.Status == models.StatusCancelled {
		return p.settleCancelled(ctx, task, log)
	}

	inline, ref, err := p.deps.Results.Build(ctx, task.ID, result)
	if err != nil {
		return p.fail(ctx, task, err, log)
	}
	done, err := p.deps.Store.CompleteTask(ctx, task.ID, task.Revision, inline, ref)
	if err != nil {
		log.Error("task_complete_failed", zap.Error(err))
		return isSettled(err)
	}
	if done.Status == models.StatusCancelled {
		log.Info("task_cancelled", zap.String("stage", "after_execution"))
		telemetry.WorkerOutcomes.WithLabelValues("cancelled").Inc()
		return true
	}
	log.Info("task_succeeded", zap.Int("attempt", done.Attempts), zap.Bool("inline", ref == nil))
	telemetry.WorkerOutcomes.WithLabelValues("succeeded").Inc()
	return true
}

// isSettled is true for errors meaning another actor already moved the task on.
func isSettled(err error) bool {
	return errors.Is(err, failure.ErrInvalidTransition) || errors.Is(err, failure.ErrRevisionMismatch)
}

func (p *Processor) call(ctx context.Context, task models.Task) ([]byte, error) {
	caller := p.deps.Caller
	if c, ok := p.callers[task.QueueClass]; ok {
		caller = c
	}
	if caller == nil {
		return nil, failure.Permanent(fmt.Errorf("no caller registered for queue class %q", task.QueueClass))
	}
	var out []byte
	do := func(ctx context.Context) error {
		var err error
		out, err = caller.Call(ctx, task)
		return err
	}
	var err error
	if p.deps.Guard != nil {
		err = p.deps.Guard.Execute(ctx, do)
	} else {
		err = do(ctx)
	}
	return out, err
}

// settleCancelled finalizes a cancelling task. CompleteTask discards the
// result of a task found CANCELLING and moves it to CANCELLED.
func (p *Processor) settleCancelled(ctx context.Context, task models.Task, log *zap.Logger) bool {
	if task.Status == models.StatusCancelled {
		return true
	}
	if _, err := p.deps.Store.CompleteTask(ctx, task.ID, task.Revision, nil, nil); err != nil {
		log.Error("task_cancel_finalize_failed", zap.Error(err))
		return isSettled(err)
	}
	log.Info("task_cancelled", zap.String("stage", "during_execution"))
	telemetry.WorkerOutcomes.WithLabelValues("cancelled").Inc()
	return true
}

func (p *Processor) fail(ctx context.Context, task models.Task, cause error, log *zap.Logger) bool {
	params := store.FailParams{TaskID: task.ID, Revision: task.Revision, Detail: cause.Error()}
	switch {
	case failure.Classify(cause) == failure.ClassPermanent:
		params.Outcome = store.FailPermanent
	case task.Attempts >= task.MaxAttempts:
		params.Outcome = store.FailExhausted
	default:
		params.Outcome = store.FailRetry
		params.RetryDelay = backoff.WithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, task.Attempts)
	}

	updated, err := p.deps.Store.FailTask(ctx, params)
	if err != nil {
		log.Error("task_fail_persist_failed", zap.Error(err), zap.NamedError("cause", cause))
		return isSettled(err)
	}
	if updated.Status == models.StatusCancelled {
		log.Info("task_cancelled", zap.String("stage", "after_failure"))
		telemetry.WorkerOutcomes.WithLabelValues("cancelled").Inc()
		return true
	}

	switch params.Outcome {
	case store.FailRetry:
		log.Warn("task_retry_scheduled",
			zap.Int("attempt", task.Attempts),
			zap.Duration("delay", params.RetryDelay),
			zap.Error(cause),
		)
		telemetry.WorkerOutcomes.WithLabelValues("retry").Inc()
	case store.FailExhausted:
		p.deadLetter(ctx, updated, models.DeadLetterTransient, log)
		log.Warn("task_dead_lettered", zap.String("class", models.DeadLetterTransient), zap.Int("attempts", task.Attempts), zap.Error(cause))
		telemetry.WorkerOutcomes.WithLabelValues("dead_letter_transient").Inc()
	case store.FailPermanent:
		p.deadLetter(ctx, updated, models.DeadLetterPermanent, log)
		log.Error("task_dead_lettered", zap.String("class", models.DeadLetterPermanent), zap.Bool("page_operator", true), zap.Error(cause))
		telemetry.WorkerOutcomes.WithLabelValues("dead_letter_permanent").Inc()
	}
	return true
}

// deadLetter pushes the parked task onto its broker DLQ. The task row is
// authoritative; the list is an operator inbox.
func (p *Processor) deadLetter(ctx context.Context, task models.Task, class string, log *zap.Logger) {
	body, err := store.EncodeMessage(task.ID, task.QueueClass, task.Revision, task.Attempts)
	if err == nil {
		err = p.deps.Broker.DLQPush(ctx, class, body)
	}
	if err != nil {
		log.Error("dlq_push_failed", zap.String("class", class), zap.Error(err))
	}
}

// Reap recovers tasks whose worker stopped reporting for ProcessingTimeout
// and re-announces QUEUED tasks idle for QueuedStaleAfter.
func (p *Processor) Reap(ctx context.Context) ([]models.Task, error) {
	recovered, err := p.deps.Store.RecoverStalled(ctx, p.opts.ProcessingTimeout, 100)
	if err != nil {
		return nil, err
	}
	for _, t := range recovered {
		if t.DeadLetter != nil && *t.DeadLetter == models.DeadLetterTransient {
			p.deadLetter(ctx, t, models.DeadLetterTransient, p.logger.With(zap.String("task_id", t.ID)))
		}
	}
	if len(recovered) > 0 {
		p.logger.Warn("stalled_tasks_recovered", zap.Int("count", len(recovered)))
	}

	rearmed, err := p.deps.Store.ReannounceQueued(ctx, p.opts.QueuedStaleAfter, 100)
	if err != nil {
		return recovered, err
	}
	if len(rearmed) > 0 {
		p.logger.Warn("queued_tasks_reannounced", zap.Int("count", len(rearmed)))
	}
	return append(recovered, rearmed...), nil
}

// keepLease extends the broker lease while a task executes.
func (p *Processor) keepLease(ctx context.Context, d *queue.Delivery) func() {
	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.opts.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-lctx.Done():
				return
			case <-ticker.C:
				if err := p.deps.Broker.ExtendLease(lctx, d.ID, p.opts.VisibilityTimeout); err != nil && lctx.Err() == nil {
					p.logger.Warn("lease_extend_failed", zap.String("delivery_id", d.ID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) ack(ctx context.Context, d *queue.Delivery) {
	if err := p.deps.Broker.Ack(ctx, d.ID); err != nil {
		p.logger.Warn("ack_failed", zap.String("delivery_id", d.ID), zap.Error(err))
	}
}

func (p *Processor) nack(ctx context.Context, d *queue.Delivery, delay time.Duration) {
	if err := p.deps.Broker.Nack(ctx, d, delay); err != nil {
		p.logger.Warn("nack_failed", zap.String("delivery_id", d.ID), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
