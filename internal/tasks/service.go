// Package tasks is the engine facade used by the HTTP API and the operator
// CLI: submission with validation, tenant-scoped reads, cancellation,
// dead-letter replay and operational stats.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"task-dispatch-engine/internal/breaker"
	"task-dispatch-engine/internal/failure"
	"task-dispatch-engine/internal/models"
	"task-dispatch-engine/internal/store"
	"task-dispatch-engine/internal/telemetry"
)

const (
	maxTextBytes   = 64 << 10
	maxTokenLength = 255
	defaultLang    = "en"
)

var languagePattern = regexp.MustCompile(`^[a-z-]{2,8}$`)

// Store is the slice of the durable store the facade needs.
type Store interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	ListTasks(ctx context.Context, f store.ListFilter) (store.Page, error)
	RequestCancel(ctx context.Context, tenantID, id string) (models.Task, error)
	ListEvents(ctx context.Context, taskID string) ([]models.TaskEvent, error)
	ReplayTransient(ctx context.Context, limit int) ([]models.Task, error)
	DeadLetterCounts(ctx context.Context) (map[string]int64, error)
	TransitionCounts(ctx context.Context) ([]models.TransitionCount, error)
	OutboxBacklog(ctx context.Context) (int64, time.Duration, error)
	PurgePublishedOutbox(ctx context.Context, olderThan time.Duration) (int64, error)
	PurgeEvents(ctx context.Context, olderThan time.Duration) (int64, error)
	ArchiveTasks(ctx context.Context, olderThan time.Duration) (int64, error)
}

// DeadLetterQueue is the broker side of the dead-letter lists.
type DeadLetterQueue interface {
	DLQPeek(ctx context.Context, class string, count int64) ([]models.Message, error)
	DLQRemove(ctx context.Context, class string, taskIDs []string) (int, error)
	Depths(ctx context.Context) (map[string]int64, error)
}

// BreakerView reads the shared breaker state.
type BreakerView interface {
	Snapshot(ctx context.Context) (breaker.Snapshot, error)
}

// Options carries submission defaults.
type Options struct {
	DefaultQueueClass string
	QueueClasses      []string
	MaxAttempts       int
	IdempotencyTTL    time.Duration
}

// Service implements the engine operations exposed to callers.
type Service struct {
	store   Store
	dlq     DeadLetterQueue
	breaker BreakerView
	opts    Options
	logger  *zap.Logger
}

// New builds the facade. dlq and br may be nil.
func New(st Store, dlq DeadLetterQueue, br BreakerView, opts Options, logger *zap.Logger) *Service {
	if opts.DefaultQueueClass == "" {
		opts.DefaultQueueClass = "default"
	}
	if len(opts.QueueClasses) == 0 {
		opts.QueueClasses = []string{opts.DefaultQueueClass}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, dlq: dlq, breaker: br, opts: opts, logger: logger}
}

// SubmitRequest is one task submission.
type SubmitRequest struct {
	TenantID       string
	Text           string
	Language       string
	QueueClass     string
	IdempotencyKey string
}

// Submit validates and durably records a task together with its first
// outbox entry. A matching in-flight submission yields *failure.DuplicateInFlightError.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (models.Task, error) {
	if err := s.validate(&req); err != nil {
		return models.Task{}, err
	}
	payload, err := json.Marshal(models.TaskInput{Text: req.Text})
	if err != nil {
		return models.Task{}, fmt.Errorf("encode payload: %w", err)
	}
	task, err := s.store.Enqueue(ctx, store.EnqueueParams{
		TenantID:         req.TenantID,
		Payload:          payload,
		Language:         req.Language,
		QueueClass:       req.QueueClass,
		IdempotencyToken: req.IdempotencyKey,
		MaxAttempts:      s.opts.MaxAttempts,
		FreshnessWindow:  s.opts.IdempotencyTTL,
	})
	var dup *failure.DuplicateInFlightError
	if errors.As(err, &dup) {
		telemetry.DuplicateSubmissions.Inc()
		s.logger.Warn("duplicate_in_flight",
			zap.String("tenant_id", req.TenantID),
			zap.String("existing_task_id", dup.ExistingID),
			zap.Bool("stale_token", dup.Stale),
		)
		return models.Task{}, err
	}
	if err != nil {
		return models.Task{}, err
	}
	telemetry.EnqueueCounter.Inc()
	s.logger.Info("task_submitted", zap.String("task_id", task.ID), zap.String("tenant_id", task.TenantID), zap.String("queue_class", task.QueueClass))
	return task, nil
}

func (s *Service) validate(req *SubmitRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return &failure.ValidationError{Field: "tenant", Reason: "is required"}
	}
	if strings.TrimSpace(req.Text) == "" {
		return &failure.ValidationError{Field: "text", Reason: "is required"}
	}
	if len(req.Text) > maxTextBytes {
		return &failure.ValidationError{Field: "text", Reason: fmt.Sprintf("exceeds %d bytes", maxTextBytes)}
	}
	if !utf8.ValidString(req.Text) {
		return &failure.ValidationError{Field: "text", Reason: "must be valid UTF-8"}
	}
	if req.Language == "" {
		req.Language = defaultLang
	}
	if !languagePattern.MatchString(req.Language) {
		return &failure.ValidationError{Field: "language", Reason: "must be 2-8 lowercase letters or dashes"}
	}
	if len(req.IdempotencyKey) > maxTokenLength {
		return &failure.ValidationError{Field: "idempotency_key", Reason: fmt.Sprintf("exceeds %d characters", maxTokenLength)}
	}
	if req.QueueClass == "" {
		req.QueueClass = s.opts.DefaultQueueClass
	}
	for _, c := range s.opts.QueueClasses {
		if c == req.QueueClass {
			return nil
		}
	}
	return &failure.ValidationError{Field: "queue_class", Reason: fmt.Sprintf("unknown class %q", req.QueueClass)}
}

// Get returns a tenant's task.
func (s *Service) Get(ctx context.Context, tenantID, id string) (models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if task.TenantID != tenantID {
		return models.Task{}, failure.ErrNotFound
	}
	return task, nil
}

// List pages through a tenant's tasks, newest first.
func (s *Service) List(ctx context.Context, f store.ListFilter) (store.Page, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return store.Page{}, &failure.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", st)}
		}
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return store.Page{}, &failure.ValidationError{Field: "from", Reason: "must be before to"}
	}
	return s.store.ListTasks(ctx, f)
}

// Cancel requests cancellation of a tenant's task.
func (s *Service) Cancel(ctx context.Context, tenantID, id string) (models.Task, error) {
	task, err := s.store.RequestCancel(ctx, tenantID, id)
	if err != nil {
		return task, err
	}
	s.logger.Info("task_cancel_requested", zap.String("task_id", id), zap.String("status", string(task.Status)))
	return task, nil
}

// Events returns the audit trail of a tenant's task.
func (s *Service) Events(ctx context.Context, tenantID, id string) ([]models.TaskEvent, error) {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// ReplayDeadLetters re-announces up to limit transiently dead-lettered
// tasks and clears them from the broker DLQ. A zero limit replays every one,
// a page at a time.
func (s *Service) ReplayDeadLetters(ctx context.Context, limit int) ([]models.Task, error) {
	if limit > 0 {
		return s.replayPage(ctx, limit)
	}
	size := store.PageSize(0)
	var all []models.Task
	for {
		page, err := s.replayPage(ctx, size)
		all = append(all, page...)
		if err != nil {
			return all, err
		}
		if len(page) < size {
			return all, nil
		}
	}
}

func (s *Service) replayPage(ctx context.Context, limit int) ([]models.Task, error) {
	replayed, err := s.store.ReplayTransient(ctx, limit)
	if err != nil {
		return replayed, err
	}
	if len(replayed) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(replayed))
	for _, t := range replayed {
		ids = append(ids, t.ID)
	}
	if s.dlq != nil {
		if _, err := s.dlq.DLQRemove(ctx, models.DeadLetterTransient, ids); err != nil {
			s.logger.Warn("dlq_cleanup_failed", zap.Error(err))
		}
	}
	s.logger.Info("dead_letters_replayed", zap.Int("count", len(replayed)))
	return replayed, nil
}

// DeadLetterSummary is the operator view of both dead-letter paths.
type DeadLetterSummary struct {
	Counts map[string]int64            `json:"counts"`
	Recent map[string][]models.Message `json:"recent"`
}

// DeadLetters reports parked task counts and the oldest n broker entries per class.
func (s *Service) DeadLetters(ctx context.Context, n int64) (DeadLetterSummary, error) {
	counts, err := s.store.DeadLetterCounts(ctx)
	if err != nil {
		return DeadLetterSummary{}, err
	}
	out := DeadLetterSummary{Counts: counts, Recent: map[string][]models.Message{}}
	if s.dlq == nil {
		return out, nil
	}
	for _, class := range []string{models.DeadLetterTransient, models.DeadLetterPermanent} {
		msgs, err := s.dlq.DLQPeek(ctx, class, n)
		if err != nil {
			return out, err
		}
		out.Recent[class] = msgs
	}
	return out, nil
}

// Stats is a snapshot of engine health.
type Stats struct {
	OutboxBacklog   int64                    `json:"outbox_backlog"`
	OutboxOldestAge time.Duration            `json:"outbox_oldest_age"`
	DeadLetters     map[string]int64         `json:"dead_letters"`
	Transitions     []models.TransitionCount `json:"transitions"`
	QueueDepths     map[string]int64         `json:"queue_depths,omitempty"`
	Breaker         *breaker.Snapshot        `json:"breaker,omitempty"`
}

// Stats gathers the current engine health.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	var err error
	if out.OutboxBacklog, out.OutboxOldestAge, err = s.store.OutboxBacklog(ctx); err != nil {
		return out, err
	}
	if out.DeadLetters, err = s.store.DeadLetterCounts(ctx); err != nil {
		return out, err
	}
	if out.Transitions, err = s.store.TransitionCounts(ctx); err != nil {
		return out, err
	}
	if s.dlq != nil {
		if out.QueueDepths, err = s.dlq.Depths(ctx); err != nil {
			return out, err
		}
	}
	if s.breaker != nil {
		snap, err := s.breaker.Snapshot(ctx)
		if err != nil {
			return out, err
		}
		out.Breaker = &snap
	}
	return out, nil
}

// RefreshMetrics copies Stats into the exported gauges.
func (s *Service) RefreshMetrics(ctx context.Context) error {
	st, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	telemetry.OutboxBacklog.Set(float64(st.OutboxBacklog))
	telemetry.OutboxOldestAge.Set(st.OutboxOldestAge.Seconds())
	for class, n := range st.DeadLetters {
		telemetry.DeadLetter.WithLabelValues(class).Set(float64(n))
	}
	for _, tc := range st.Transitions {
		telemetry.TransitionEvents.WithLabelValues(string(tc.From), string(tc.To)).Set(float64(tc.Count))
	}
	for name, n := range st.QueueDepths {
		telemetry.QueueDepth.WithLabelValues(name).Set(float64(n))
	}
	if st.Breaker != nil {
		telemetry.BreakerState.WithLabelValues(st.Breaker.Name).Set(st.Breaker.State.Gauge())
		telemetry.BreakerFailureRatio.WithLabelValues(st.Breaker.Name).Set(st.Breaker.FailureRatio)
	}
	return nil
}

// Retention bounds how long history is kept.
type Retention struct {
	Outbox       time.Duration
	Events       time.Duration
	ArchiveAfter time.Duration
}

// PurgeReport counts what a purge removed.
type PurgeReport struct {
	OutboxEntries int64 `json:"outbox_entries"`
	Events        int64 `json:"events"`
	ArchivedTasks int64 `json:"archived_tasks"`
}

// Purge applies the retention windows. A zero window skips that step.
func (s *Service) Purge(ctx context.Context, r Retention) (PurgeReport, error) {
	var (
		rep PurgeReport
		err error
	)
	if r.Outbox > 0 {
		if rep.OutboxEntries, err = s.store.PurgePublishedOutbox(ctx, r.Outbox); err != nil {
			return rep, err
		}
	}
	if r.Events > 0 {
		if rep.Events, err = s.store.PurgeEvents(ctx, r.Events); err != nil {
			return rep, err
		}
	}
	if r.ArchiveAfter > 0 {
		if rep.ArchivedTasks, err = s.store.ArchiveTasks(ctx, r.ArchiveAfter); err != nil {
			return rep, err
		}
	}
	s.logger.Info("history_purged",
		zap.Int64("outbox_entries", rep.OutboxEntries),
		zap.Int64("events", rep.Events),
		zap.Int64("archived_tasks", rep.ArchivedTasks),
	)
	return rep, nil
}
