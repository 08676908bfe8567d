package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/failure"
	"task-dispatch-engine/internal/models"
	"task-dispatch-engine/internal/queue"
	"task-dispatch-engine/internal/store"
	"task-dispatch-engine/internal/store/memory"
	"task-dispatch-engine/internal/telemetry"
)

type fixture struct {
	svc   *Service
	store *memory.Store
	queue *queue.RedisQueue
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := memory.New()
	q := queue.NewRedisQueue(client, config.Config{QueueClasses: []string{"default", "bulk"}})
	svc := New(st, q, nil, Options{
		DefaultQueueClass: "default",
		QueueClasses:      []string{"default", "bulk"},
		MaxAttempts:       3,
		IdempotencyTTL:    time.Hour,
	}, zap.NewNop())
	return fixture{svc: svc, store: st, queue: q}
}

// runToProcessing publishes the first outbox entry and claims the task.
func runToProcessing(t *testing.T, st *memory.Store, id string) models.Task {
	t.Helper()
	ctx := context.Background()
	entries, err := st.ClaimOutbox(ctx, "pub", 10, time.Minute)
	require.NoError(t, err)
	for _, e := range entries {
		if e.TaskID != id {
			require.NoError(t, st.ReleaseOutbox(ctx, e.ID, "pub", 0, "skipped"))
			continue
		}
		require.NoError(t, st.MarkPublished(ctx, e))
		msg, err := models.DecodeMessage(e.Body)
		require.NoError(t, err)
		task, outcome, err := st.ClaimTask(ctx, msg, "w1")
		require.NoError(t, err)
		require.Equal(t, store.ClaimAcquired, outcome)
		return task
	}
	t.Fatalf("no outbox entry for %s", id)
	return models.Task{}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{"missing tenant", SubmitRequest{Text: "hi"}, "tenant"},
		{"blank text", SubmitRequest{TenantID: "acme", Text: "  "}, "text"},
		{"oversized text", SubmitRequest{TenantID: "acme", Text: strings.Repeat("a", maxTextBytes+1)}, "text"},
		{"bad language", SubmitRequest{TenantID: "acme", Text: "hi", Language: "EN"}, "language"},
		{"long token", SubmitRequest{TenantID: "acme", Text: "hi", IdempotencyKey: strings.Repeat("k", 256)}, "idempotency_key"},
		{"unknown class", SubmitRequest{TenantID: "acme", Text: "hi", QueueClass: "gpu"}, "queue_class"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, tc.req)
			var verr *failure.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	n, _, err := f.store.OutboxBacklog(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected submissions write nothing")
}

func TestSubmitDefaults(t *testing.T) {
	f := newFixture(t)
	task, err := f.svc.Submit(context.Background(), SubmitRequest{TenantID: "acme", Text: "hola"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, task.Status)
	assert.Equal(t, "en", task.Language)
	assert.Equal(t, "default", task.QueueClass)
	assert.Equal(t, 3, task.MaxAttempts)
	in, err := task.Input()
	require.NoError(t, err)
	assert.Equal(t, "hola", in.Text)
}

func TestDuplicateSubmissionWhileInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := SubmitRequest{TenantID: "acme", Text: "hello", IdempotencyKey: "order-42"}

	first, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, req)
	var dup *failure.DuplicateInFlightError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.False(t, dup.Stale)

	// Tokens are scoped per tenant.
	other, err := f.svc.Submit(ctx, SubmitRequest{TenantID: "globex", Text: "hello", IdempotencyKey: "order-42"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	n, _, err := f.store.OutboxBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "the duplicate wrote no outbox entry")
}

func TestStaleTokenStillRejectedWhileInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	f.store.SetClock(func() time.Time { return now })
	req := SubmitRequest{TenantID: "acme", Text: "hello", IdempotencyKey: "order-7"}

	first, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = f.svc.Submit(ctx, req)
	var dup *failure.DuplicateInFlightError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.True(t, dup.Stale)
}

func TestTokenReusableAfterTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := SubmitRequest{TenantID: "acme", Text: "hello", IdempotencyKey: "order-9"}

	first, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	cancelled, err := f.svc.Cancel(ctx, "acme", first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelling, cancelled.Status)

	// CANCELLING is still live.
	_, err = f.svc.Submit(ctx, req)
	var dup *failure.DuplicateInFlightError
	require.ErrorAs(t, err, &dup)

	task := runToProcessingOrCancel(t, f.store, first.ID)
	assert.Equal(t, models.StatusCancelled, task.Status)

	second, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

// runToProcessingOrCancel delivers the task's message; a cancelling task is finalized.
func runToProcessingOrCancel(t *testing.T, st *memory.Store, id string) models.Task {
	t.Helper()
	ctx := context.Background()
	entries, err := st.ClaimOutbox(ctx, "pub", 10, time.Minute)
	require.NoError(t, err)
	for _, e := range entries {
		if e.TaskID != id {
			continue
		}
		require.NoError(t, st.MarkPublished(ctx, e))
		msg, err := models.DecodeMessage(e.Body)
		require.NoError(t, err)
		_, outcome, err := st.ClaimTask(ctx, msg, "w1")
		require.NoError(t, err)
		require.Equal(t, store.ClaimCancelled, outcome)
	}
	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	return task
}

func TestGetIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.svc.Submit(ctx, SubmitRequest{TenantID: "acme", Text: "hi"})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, "acme", task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	_, err = f.svc.Get(ctx, "globex", task.ID)
	assert.ErrorIs(t, err, failure.ErrNotFound)
	_, err = f.svc.Events(ctx, "globex", task.ID)
	assert.ErrorIs(t, err, failure.ErrNotFound)
	_, err = f.svc.Cancel(ctx, "globex", task.ID)
	assert.ErrorIs(t, err, failure.ErrNotFound)
}

func TestListPagesAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	f.store.SetClock(func() time.Time { now = now.Add(time.Millisecond); return now })

	var ids []string
	for i := 0; i < 5; i++ {
		task, err := f.svc.Submit(ctx, SubmitRequest{TenantID: "acme", Text: "hi"})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	_, err := f.svc.Submit(ctx, SubmitRequest{TenantID: "globex", Text: "hi"})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, "acme", ids[0])
	require.NoError(t, err)

	page, err := f.svc.List(ctx, store.ListFilter{TenantID: "acme", Limit: 3})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 3)
	assert.Equal(t, ids[4], page.Tasks[0].ID, "newest first")
	require.NotEmpty(t, page.NextCursor)

	rest, err := f.svc.List(ctx, store.ListFilter{TenantID: "acme", Limit: 3, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Tasks, 2)
	assert.Empty(t, rest.NextCursor)
	assert.Equal(t, ids[0], rest.Tasks[1].ID)

	cancelling, err := f.svc.List(ctx, store.ListFilter{TenantID: "acme", Statuses: []models.Status{models.StatusCancelling}})
	require.NoError(t, err)
	require.Len(t, cancelling.Tasks, 1)
	assert.Equal(t, ids[0], cancelling.Tasks[0].ID)

	_, err = f.svc.List(ctx, store.ListFilter{TenantID: "acme", Statuses: []models.Status{"DONE"}})
	var verr *failure.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestEventsRecordCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.svc.Submit(ctx, SubmitRequest{TenantID: "acme", Text: "hi"})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, "acme", task.ID)
	require.NoError(t, err)

	events, err := f.svc.Events(ctx, "acme", task.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Nil(t, events[0].PriorStatus)
	assert.Equal(t, models.StatusSubmitted, events[0].NewStatus)
	assert.Equal(t, models.StatusCancelling, events[1].NewStatus)
	assert.True(t, models.ValidHistory(events))
}

func TestReplayDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.svc.Submit(ctx, SubmitRequest{TenantID: "acme", Text: "hi"})
	require.NoError(t, err)

	running := runToProcessing(t, f.store, task.ID)
	parked, err := f.store.FailTask(ctx, store.FailParams{
		TaskID:   task.ID,
		Revision: running.Revision,
		Outcome:  store.FailExhausted,
		Detail:   "upstream 503",
	})
	require.NoError(t, err)
	require.NotNil(t, parked.DeadLetter)
	body, err := models.Message{TaskID: task.ID, Revision: parked.Revision, QueueClass: "default", Attempt: parked.Attempts}.Encode()
	require.NoError(t, err)
	require.NoError(t, f.queue.DLQPush(ctx, models.DeadLetterTransient, body))

	summary, err := f.svc.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Counts[models.DeadLetterTransient])
	require.Len(t, summary.Recent[models.DeadLetterTransient], 1)
	assert.Equal(t, task.ID, summary.Recent[models.DeadLetterTransient][0].TaskID)

	replayed, err := f.svc.ReplayDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, models.StatusFailedRetryable, replayed[0].Status)
	assert.Nil(t, replayed[0].DeadLetter)
	assert.Zero(t, replayed[0].Attempts)

	summary, err = f.svc.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, summary.Counts[models.DeadLetterTransient])
	assert.Empty(t, summary.Recent[models.DeadLetterTransient])

	n, _, err := f.store.OutboxBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "replay writes a fresh outbox entry")

	again, err := f.svc.ReplayDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

type brokenDLQ struct{ *queue.RedisQueue }

func (brokenDLQ) DLQRemove(context.Context, string, []string) (int, error) {
	return 0, errors.New("redis down")
}

func TestReplayWithoutLimitDrainsEveryPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const total = 60
	for i := 0; i < total; i++ {
		task, err := f.svc.Submit(ctx, SubmitRequest{TenantID: "acme", Text: "hi"})
		require.NoError(t, err)
		running := runToProcessing(t, f.store, task.ID)
		_, err = f.store.FailTask(ctx, store.FailParams{
			TaskID:   task.ID,
			Revision: running.Revision,
			Outcome:  store.FailExhausted,
			Detail:   "timeout",
		})
		require.NoError(t, err)
	}
	require.Greater(t, total, store.PageSize(0))

	replayed, err := f.svc.ReplayDeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, replayed, total)

	counts, err := f.store.DeadLetterCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[models.DeadLetterTransient])

	limited, err := f.svc.ReplayDeadLetters(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, limited)
}

func TestReplaySurvivesDLQCleanupFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := New(f.store, brokenDLQ{f.queue}, nil, Options{MaxAttempts: 3}, nil)

	task, err := svc.Submit(ctx, SubmitRequest{TenantID: "acme", Text: "hi"})
	require.NoError(t, err)
	running := runToProcessing(t, f.store, task.ID)
	_, err = f.store.FailTask(ctx, store.FailParams{TaskID: task.ID, Revision: running.Revision, Outcome: store.FailExhausted})
	require.NoError(t, err)

	replayed, err := svc.ReplayDeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, replayed, 1)
}

func TestRefreshMetricsExportsStoreGauges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.svc.Submit(ctx, SubmitRequest{TenantID: "acme", Text: "hi"})
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.RefreshMetrics(ctx))

	submitted := telemetry.TransitionEvents.WithLabelValues("", string(models.StatusSubmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(submitted))
	assert.Contains(t, submitted.Desc().String(), `"tasks_transition_events"`)
	assert.Equal(t, 2.0, testutil.ToFloat64(telemetry.OutboxBacklog))
	assert.Contains(t, telemetry.BreakerFailureRatio.WithLabelValues("x").Desc().String(), `"tasks_breaker_failure_ratio"`)
}

func TestStatsAndPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	f.store.SetClock(func() time.Time { return now })

	task, err := f.svc.Submit(ctx, SubmitRequest{TenantID: "acme", Text: "hi"})
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.OutboxBacklog)
	assert.Contains(t, stats.QueueDepths, "default")
	assert.Nil(t, stats.Breaker)
	require.NoError(t, f.svc.RefreshMetrics(ctx))

	running := runToProcessing(t, f.store, task.ID)
	_, err = f.store.CompleteTask(ctx, task.ID, running.Revision, []byte(`"ok"`), nil)
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)
	rep, err := f.svc.Purge(ctx, Retention{Outbox: time.Hour, Events: time.Hour, ArchiveAfter: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.OutboxEntries)
	assert.Equal(t, int64(1), rep.ArchivedTasks)
	assert.Positive(t, rep.Events)

	_, err = f.svc.Get(ctx, "acme", task.ID)
	assert.ErrorIs(t, err, failure.ErrNotFound)
}
