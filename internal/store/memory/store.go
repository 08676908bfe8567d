// Package memory is an in-process implementation of the durable store
// contracts. A single mutex stands in for Postgres row locks, so every
// operation is atomic in the same way the transactional store is. It backs
// the engine tests; the processes always run on Postgres.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"task-dispatch-engine/internal/failure"
	"task-dispatch-engine/internal/models"
	"task-dispatch-engine/internal/store"
)

type outboxRow struct {
	entry        models.OutboxEntry
	claimedUntil time.Time
}

// Store keeps tasks, outbox entries and audit events in memory.
type Store struct {
	mu       sync.Mutex
	tasks    map[string]*models.Task
	archive  map[string]models.Task
	outbox   []*outboxRow
	events   []models.TaskEvent
	nextID   int64
	nextSeq  int64
	now      func() time.Time
}

// New returns an empty store on the wall clock.
func New() *Store {
	return &Store{
		tasks:   make(map[string]*models.Task),
		archive: make(map[string]models.Task),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (m *Store) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Store) Ping(context.Context) error { return nil }

// Enqueue mirrors store.Store.Enqueue.
func (m *Store) Enqueue(_ context.Context, p store.EnqueueParams) (models.Task, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.QueueClass == "" {
		p.QueueClass = "default"
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	task := &models.Task{
		ID:          uuid.New().String(),
		TenantID:    p.TenantID,
		Payload:     append(json.RawMessage(nil), p.Payload...),
		Language:    p.Language,
		QueueClass:  p.QueueClass,
		Status:      models.StatusSubmitted,
		Revision:    1,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.IdempotencyToken != "" {
		fp := store.Fingerprint(p.TenantID, p.IdempotencyToken)
		if holder := m.liveHolder(fp, ""); holder != nil {
			dup := &failure.DuplicateInFlightError{ExistingID: holder.ID}
			if p.FreshnessWindow > 0 && holder.TokenSeenAt != nil && now.Sub(*holder.TokenSeenAt) > p.FreshnessWindow {
				dup.Stale = true
			}
			return models.Task{}, dup
		}
		task.Fingerprint = &fp
		task.TokenSeenAt = &now
	}
	m.tasks[task.ID] = task
	if err := m.insertOutbox(task, 0, 1); err != nil {
		delete(m.tasks, task.ID)
		return models.Task{}, err
	}
	m.appendEvent(task.ID, nil, models.StatusSubmitted, models.ActorSubmitter, "")
	return clone(task), nil
}

// liveHolder returns the live task holding fp other than exceptID.
func (m *Store) liveHolder(fp, exceptID string) *models.Task {
	for _, t := range m.tasks {
		if t.ID == exceptID || t.Fingerprint == nil || *t.Fingerprint != fp {
			continue
		}
		if t.Status.Terminal() || t.DeadLetter != nil {
			continue
		}
		return t
	}
	return nil
}

// GetTask mirrors store.Store.GetTask.
func (m *Store) GetTask(_ context.Context, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, failure.ErrNotFound
	}
	return clone(t), nil
}

// ListTasks mirrors store.Store.ListTasks.
func (m *Store) ListTasks(_ context.Context, f store.ListFilter) (store.Page, error) {
	var cursor *store.Cursor
	if f.Cursor != "" {
		c, err := store.DecodeCursor(f.Cursor)
		if err != nil {
			return store.Page{}, &failure.ValidationError{Field: "cursor", Reason: err.Error()}
		}
		cursor = &c
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.Task
	for _, t := range m.tasks {
		if t.TenantID != f.TenantID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
			continue
		}
		if f.From != nil && t.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !t.CreatedAt.Before(*f.To) {
			continue
		}
		if cursor != nil && !before(t, *cursor) {
			continue
		}
		matched = append(matched, clone(t))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	limit := store.PageSize(f.Limit)
	if len(matched) > limit+1 {
		matched = matched[:limit+1]
	}
	return store.Paginate(matched, limit), nil
}

func before(t *models.Task, c store.Cursor) bool {
	if t.CreatedAt.Equal(c.CreatedAt) {
		return t.ID < c.ID
	}
	return t.CreatedAt.Before(c.CreatedAt)
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ClaimOutbox mirrors store.Store.ClaimOutbox.
func (m *Store) ClaimOutbox(_ context.Context, owner string, limit int, lease time.Duration) ([]models.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	headSeen := make(map[string]bool)
	var out []models.OutboxEntry
	for _, row := range m.outbox {
		e := &row.entry
		if e.Published {
			continue
		}
		if headSeen[e.TaskID] {
			continue
		}
		headSeen[e.TaskID] = true
		if e.AvailableAt.After(now) {
			continue
		}
		if e.ClaimedBy != nil && row.claimedUntil.After(now) {
			continue
		}
		if len(out) >= limit {
			break
		}
		o := owner
		e.ClaimedBy = &o
		row.claimedUntil = now.Add(lease)
		out = append(out, *e)
	}
	return out, nil
}

// MarkPublished mirrors store.Store.MarkPublished.
func (m *Store) MarkPublished(_ context.Context, entry models.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.outboxRow(entry.ID)
	if row == nil {
		return fmt.Errorf("mark outbox published: entry %d missing", entry.ID)
	}
	if row.entry.Published {
		return nil
	}
	now := m.now()
	row.entry.Published = true
	row.entry.PublishedAt = &now
	row.entry.ClaimedBy = nil
	row.entry.LastError = nil

	cur, ok := m.tasks[entry.TaskID]
	if !ok {
		return failure.ErrNotFound
	}
	if cur.Revision != entry.TaskRevision || cur.DeadLetter != nil {
		return nil
	}
	if cur.Status != models.StatusSubmitted && cur.Status != models.StatusFailedRetryable {
		return nil
	}
	return m.apply(cur, models.StatusQueued, models.ActorPublisher, "", func(t *models.Task) {
		t.QueuedAt = &now
	})
}

// ReleaseOutbox mirrors store.Store.ReleaseOutbox.
func (m *Store) ReleaseOutbox(_ context.Context, id int64, owner string, delay time.Duration, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.outboxRow(id)
	if row == nil || row.entry.Published || row.entry.ClaimedBy == nil || *row.entry.ClaimedBy != owner {
		return nil
	}
	row.entry.Attempts++
	row.entry.AvailableAt = m.now().Add(delay)
	row.entry.ClaimedBy = nil
	row.entry.LastError = &lastErr
	row.claimedUntil = time.Time{}
	return nil
}

// OutboxBacklog mirrors store.Store.OutboxBacklog.
func (m *Store) OutboxBacklog(context.Context) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		n      int64
		oldest time.Time
	)
	for _, row := range m.outbox {
		if row.entry.Published {
			continue
		}
		n++
		if oldest.IsZero() || row.entry.CreatedAt.Before(oldest) {
			oldest = row.entry.CreatedAt
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return n, m.now().Sub(oldest), nil
}

// Entries returns a snapshot of all outbox entries.
func (m *Store) Entries() []models.OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.OutboxEntry, 0, len(m.outbox))
	for _, row := range m.outbox {
		out = append(out, row.entry)
	}
	return out
}

// ClaimTask mirrors store.Store.ClaimTask.
func (m *Store) ClaimTask(_ context.Context, msg models.Message, workerID string) (models.Task, store.ClaimOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[msg.TaskID]
	if !ok {
		return models.Task{}, 0, failure.ErrNotFound
	}
	now := m.now()
	switch {
	case cur.Status == models.StatusCancelling && cur.WorkerID == nil:
		err := m.apply(cur, models.StatusCancelled, models.ActorClaimer, "cancelled before execution", func(t *models.Task) {
			t.FinishedAt = &now
			t.WorkerID = nil
		})
		return clone(cur), store.ClaimCancelled, err
	case cur.Status.Claimable() && cur.DeadLetter == nil && cur.Revision == msg.Revision+1:
		err := m.apply(cur, models.StatusProcessing, models.ActorClaimer, "", func(t *models.Task) {
			t.Attempts++
			t.StartedAt = &now
			w := workerID
			t.WorkerID = &w
		})
		return clone(cur), store.ClaimAcquired, err
	case cur.DeadLetter == nil && cur.Revision == msg.Revision &&
		(cur.Status == models.StatusSubmitted || cur.Status == models.StatusFailedRetryable):
		return clone(cur), store.ClaimNotReady, nil
	}
	return clone(cur), 0, failure.ErrClaimConflict
}

// RecordExternalResult mirrors store.Store.RecordExternalResult.
func (m *Store) RecordExternalResult(_ context.Context, id string, result []byte) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[id]
	if !ok {
		return models.Task{}, failure.ErrNotFound
	}
	if cur.ExternalCallDone {
		return clone(cur), nil
	}
	switch cur.Status {
	case models.StatusProcessing, models.StatusCancelling, models.StatusCancelled:
	default:
		return clone(cur), fmt.Errorf("record external result in %s: %w", cur.Status, failure.ErrInvalidTransition)
	}
	cur.ExternalCallDone = true
	cur.ExternalResult = append([]byte(nil), result...)
	cur.Revision++
	cur.UpdatedAt = m.now()
	return clone(cur), nil
}

// CompleteTask mirrors store.Store.CompleteTask.
func (m *Store) CompleteTask(_ context.Context, id string, revision int64, inline []byte, ref *string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[id]
	if !ok {
		return models.Task{}, failure.ErrNotFound
	}
	if done, err := m.finishCancellation(cur); done {
		return clone(cur), err
	}
	if cur.Status != models.StatusProcessing {
		return clone(cur), fmt.Errorf("complete task in %s: %w", cur.Status, failure.ErrInvalidTransition)
	}
	if cur.Revision != revision {
		return clone(cur), failure.ErrRevisionMismatch
	}
	now := m.now()
	err := m.apply(cur, models.StatusSucceeded, models.ActorWorker, "", func(t *models.Task) {
		t.ResultInline = append([]byte(nil), inline...)
		if inline == nil {
			t.ResultInline = nil
		}
		t.ResultRef = ref
		t.ErrorDetail = nil
		t.FinishedAt = &now
		t.WorkerID = nil
	})
	return clone(cur), err
}

// FailTask mirrors store.Store.FailTask.
func (m *Store) FailTask(_ context.Context, p store.FailParams) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[p.TaskID]
	if !ok {
		return models.Task{}, failure.ErrNotFound
	}
	if done, err := m.finishCancellation(cur); done {
		return clone(cur), err
	}
	if cur.Status != models.StatusProcessing {
		return clone(cur), fmt.Errorf("fail task in %s: %w", cur.Status, failure.ErrInvalidTransition)
	}
	if cur.Revision != p.Revision {
		return clone(cur), failure.ErrRevisionMismatch
	}
	err := m.fail(cur, p.Outcome, p.Detail, p.RetryDelay)
	return clone(cur), err
}

func (m *Store) fail(cur *models.Task, outcome store.FailOutcome, detail string, delay time.Duration) error {
	now := m.now()
	d := detail
	switch outcome {
	case store.FailRetry:
		if err := m.apply(cur, models.StatusFailedRetryable, models.ActorWorker, detail, func(t *models.Task) {
			t.ErrorDetail = &d
			t.WorkerID = nil
		}); err != nil {
			return err
		}
		return m.insertOutbox(cur, delay, cur.Attempts+1)
	case store.FailExhausted, store.FailPermanent:
		next, class := models.StatusFailedRetryable, models.DeadLetterTransient
		if outcome == store.FailPermanent {
			next, class = models.StatusFailedPermanent, models.DeadLetterPermanent
		}
		return m.apply(cur, next, models.ActorWorker, detail, func(t *models.Task) {
			t.ErrorDetail = &d
			t.DeadLetter = &class
			t.FinishedAt = &now
			t.WorkerID = nil
		})
	}
	return fmt.Errorf("unknown fail outcome %d", outcome)
}

func (m *Store) finishCancellation(cur *models.Task) (bool, error) {
	switch cur.Status {
	case models.StatusCancelled:
		return true, nil
	case models.StatusCancelling:
		now := m.now()
		return true, m.apply(cur, models.StatusCancelled, models.ActorWorker, "attempt result discarded", func(t *models.Task) {
			t.FinishedAt = &now
			t.WorkerID = nil
		})
	}
	return false, nil
}

// RequestCancel mirrors store.Store.RequestCancel.
func (m *Store) RequestCancel(_ context.Context, tenantID, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[id]
	if !ok || cur.TenantID != tenantID {
		return models.Task{}, failure.ErrNotFound
	}
	if cur.Status == models.StatusCancelling || cur.Status == models.StatusCancelled {
		return clone(cur), nil
	}
	if cur.Terminal() || !cur.Status.Cancellable() {
		return clone(cur), fmt.Errorf("cancel task in %s: %w", cur.Status, failure.ErrInvalidTransition)
	}
	err := m.apply(cur, models.StatusCancelling, models.ActorSubmitter, "cancel requested", nil)
	return clone(cur), err
}

// ReplayTransient mirrors store.Store.ReplayTransient.
func (m *Store) ReplayTransient(_ context.Context, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*models.Task
	for _, t := range m.tasks {
		if t.Status == models.StatusFailedRetryable && t.DeadLetter != nil && *t.DeadLetter == models.DeadLetterTransient {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt) })
	if n := store.PageSize(limit); len(candidates) > n {
		candidates = candidates[:n]
	}

	var replayed []models.Task
	for _, cur := range candidates {
		err := m.apply(cur, models.StatusFailedRetryable, models.ActorOperator, "replayed from dlq_transient", func(t *models.Task) {
			t.DeadLetter = nil
			t.Attempts = 0
			t.FinishedAt = nil
			if t.Fingerprint != nil && m.liveHolder(*t.Fingerprint, t.ID) != nil {
				t.Fingerprint = nil
			}
		})
		if err != nil {
			return replayed, err
		}
		if err := m.insertOutbox(cur, 0, 1); err != nil {
			return replayed, err
		}
		replayed = append(replayed, clone(cur))
	}
	return replayed, nil
}

// RecoverStalled mirrors store.Store.RecoverStalled.
func (m *Store) RecoverStalled(_ context.Context, olderThan time.Duration, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	var recovered []models.Task
	for _, cur := range m.sortedTasks() {
		if len(recovered) >= store.PageSize(limit) {
			break
		}
		if !cur.UpdatedAt.Before(cutoff) {
			continue
		}
		var err error
		switch cur.Status {
		case models.StatusCancelling:
			now := m.now()
			err = m.apply(cur, models.StatusCancelled, models.ActorWorker, "stalled", func(t *models.Task) {
				t.FinishedAt = &now
				t.WorkerID = nil
			})
		case models.StatusProcessing:
			outcome := store.FailRetry
			if cur.Attempts >= cur.MaxAttempts {
				outcome = store.FailExhausted
			}
			err = m.fail(cur, outcome, "stalled: worker stopped reporting", 0)
		default:
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered = append(recovered, clone(cur))
	}
	return recovered, nil
}

// ReannounceQueued mirrors store.Store.ReannounceQueued.
func (m *Store) ReannounceQueued(_ context.Context, olderThan time.Duration, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	pending := make(map[string]bool)
	for _, row := range m.outbox {
		if !row.entry.Published {
			pending[row.entry.TaskID] = true
		}
	}
	var rearmed []models.Task
	for _, cur := range m.sortedTasks() {
		if len(rearmed) >= store.PageSize(limit) {
			break
		}
		if cur.Status != models.StatusQueued || cur.DeadLetter != nil || pending[cur.ID] || !cur.UpdatedAt.Before(cutoff) {
			continue
		}
		announced := *cur
		if err := m.apply(cur, models.StatusQueued, models.ActorWorker, "delivery lost", nil); err != nil {
			return rearmed, err
		}
		if err := m.insertOutbox(&announced, 0, cur.Attempts+1); err != nil {
			return rearmed, err
		}
		rearmed = append(rearmed, clone(cur))
	}
	return rearmed, nil
}

// ListEvents mirrors store.Store.ListEvents.
func (m *Store) ListEvents(_ context.Context, taskID string) ([]models.TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskEvent
	for _, ev := range m.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// TransitionCounts mirrors store.Store.TransitionCounts.
func (m *Store) TransitionCounts(context.Context) ([]models.TransitionCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type edge struct{ from, to models.Status }
	counts := make(map[edge]int64)
	for _, ev := range m.events {
		var from models.Status
		if ev.PriorStatus != nil {
			from = *ev.PriorStatus
		}
		counts[edge{from, ev.NewStatus}]++
	}
	out := make([]models.TransitionCount, 0, len(counts))
	for e, n := range counts {
		out = append(out, models.TransitionCount{From: e.from, To: e.to, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out, nil
}

// DeadLetterCounts mirrors store.Store.DeadLetterCounts.
func (m *Store) DeadLetterCounts(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int64{models.DeadLetterTransient: 0, models.DeadLetterPermanent: 0}
	for _, t := range m.tasks {
		if t.DeadLetter != nil {
			out[*t.DeadLetter]++
		}
	}
	return out, nil
}

// PurgePublishedOutbox mirrors store.Store.PurgePublishedOutbox.
func (m *Store) PurgePublishedOutbox(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	kept := m.outbox[:0]
	var n int64
	for _, row := range m.outbox {
		if row.entry.Published && row.entry.PublishedAt != nil && row.entry.PublishedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	m.outbox = kept
	return n, nil
}

// PurgeEvents mirrors store.Store.PurgeEvents.
func (m *Store) PurgeEvents(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	kept := m.events[:0]
	var n int64
	for _, ev := range m.events {
		if ev.RecordedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return n, nil
}

// ArchiveTasks mirrors store.Store.ArchiveTasks.
func (m *Store) ArchiveTasks(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	var n int64
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.FinishedAt != nil && t.FinishedAt.Before(cutoff) {
			m.archive[id] = clone(t)
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

// apply performs one state-machine edge on a task the caller holds under m.mu.
func (m *Store) apply(cur *models.Task, next models.Status, actor models.Actor, detail string, mutate func(*models.Task)) error {
	if !models.CanTransition(cur.Status, next) {
		return fmt.Errorf("%s -> %s: %w", cur.Status, next, failure.ErrInvalidTransition)
	}
	prior := cur.Status
	cur.Status = next
	cur.Revision++
	cur.UpdatedAt = m.now()
	if mutate != nil {
		mutate(cur)
	}
	m.appendEvent(cur.ID, &prior, next, actor, detail)
	return nil
}

func (m *Store) insertOutbox(task *models.Task, delay time.Duration, attempt int) error {
	body, err := store.EncodeMessage(task.ID, task.QueueClass, task.Revision, attempt)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	now := m.now()
	m.nextID++
	m.outbox = append(m.outbox, &outboxRow{entry: models.OutboxEntry{
		ID:           m.nextID,
		TaskID:       task.ID,
		QueueClass:   task.QueueClass,
		Body:         body,
		TaskRevision: task.Revision,
		AvailableAt:  now.Add(delay),
		CreatedAt:    now,
	}})
	return nil
}

func (m *Store) appendEvent(taskID string, prior *models.Status, next models.Status, actor models.Actor, detail string) {
	m.nextSeq++
	m.events = append(m.events, models.TaskEvent{
		Seq:         m.nextSeq,
		TaskID:      taskID,
		PriorStatus: prior,
		NewStatus:   next,
		Actor:       actor,
		Detail:      detail,
		RecordedAt:  m.now(),
	})
}

func (m *Store) outboxRow(id int64) *outboxRow {
	for _, row := range m.outbox {
		if row.entry.ID == id {
			return row
		}
	}
	return nil
}

func (m *Store) sortedTasks() []*models.Task {
	out := make([]*models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

func clone(t *models.Task) models.Task {
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	if t.ResultInline != nil {
		c.ResultInline = append([]byte(nil), t.ResultInline...)
	}
	if t.ExternalResult != nil {
		c.ExternalResult = append([]byte(nil), t.ExternalResult...)
	}
	return c
}
