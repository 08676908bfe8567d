package store

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"task-dispatch-engine/internal/failure"
	"task-dispatch-engine/internal/models"
)

var (
	testStore *Store
	skipWhy   string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		skipWhy = "postgres integration tests skipped in -short mode"
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := startPostgres(ctx)
	if err != nil {
		skipWhy = fmt.Sprintf("postgres container unavailable: %v", err)
		os.Exit(m.Run())
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err == nil {
		testStore, err = New(ctx, dsn)
	}
	if err == nil {
		err = testStore.RunMigrations(ctx)
	}
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "postgres setup: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testStore.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func startPostgres(ctx context.Context) (c *postgres.PostgresContainer, err error) {
	// The provider lookup panics on hosts without a container runtime.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("tasks_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
}

func newStore(t *testing.T) *Store {
	t.Helper()
	if testStore == nil {
		t.Skip(skipWhy)
	}
	return testStore
}

func enqueue(t *testing.T, s *Store, tenant, token string) models.Task {
	t.Helper()
	payload, err := json.Marshal(models.TaskInput{Text: "hello"})
	require.NoError(t, err)
	task, err := s.Enqueue(context.Background(), EnqueueParams{
		TenantID:         tenant,
		Payload:          payload,
		Language:         "en",
		QueueClass:       "default",
		IdempotencyToken: token,
		MaxAttempts:      3,
		FreshnessWindow:  time.Hour,
	})
	require.NoError(t, err)
	return task
}

// entryFor claims outbox entries until it finds the one of taskID.
func entryFor(t *testing.T, s *Store, taskID string) models.OutboxEntry {
	t.Helper()
	ctx := context.Background()
	entries, err := s.ClaimOutbox(ctx, "test-"+taskID, 500, time.Minute)
	require.NoError(t, err)
	var found *models.OutboxEntry
	for i, e := range entries {
		if e.TaskID == taskID {
			found = &entries[i]
			continue
		}
		require.NoError(t, s.ReleaseOutbox(ctx, e.ID, "test-"+taskID, 0, "not mine"))
	}
	require.NotNil(t, found, "no claimable outbox entry for %s", taskID)
	return *found
}

// publish claims and marks the task's head outbox entry, returning its message.
func publish(t *testing.T, s *Store, taskID string) models.Message {
	t.Helper()
	e := entryFor(t, s, taskID)
	require.NoError(t, s.MarkPublished(context.Background(), e))
	msg, err := models.DecodeMessage(e.Body)
	require.NoError(t, err)
	return msg
}

func claimed(t *testing.T, s *Store, taskID string) models.Task {
	t.Helper()
	msg := publish(t, s, taskID)
	task, outcome, err := s.ClaimTask(context.Background(), msg, "w1")
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, outcome)
	return task
}

func uniqueTenant(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func TestEnqueueWritesTaskOutboxAndEvent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task := enqueue(t, s, uniqueTenant(t), "")

	assert.Equal(t, models.StatusSubmitted, task.Status)
	assert.Equal(t, int64(1), task.Revision)
	assert.Nil(t, task.Fingerprint)

	events, err := s.ListEvents(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].PriorStatus)
	assert.Equal(t, models.ActorSubmitter, events[0].Actor)

	e := entryFor(t, s, task.ID)
	assert.Equal(t, int64(1), e.TaskRevision)
	assert.False(t, e.Published)
}

func TestConcurrentDuplicateSubmissions(t *testing.T) {
	s := newStore(t)
	tenant := uniqueTenant(t)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
		dups     int
	)
	payload, _ := json.Marshal(models.TaskInput{Text: "hello"})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := s.Enqueue(context.Background(), EnqueueParams{
				TenantID: tenant, Payload: payload, Language: "en", IdempotencyToken: "order-1",
			})
			mu.Lock()
			defer mu.Unlock()
			var dup *failure.DuplicateInFlightError
			switch {
			case err == nil:
				accepted = append(accepted, task.ID)
			case errors.As(err, &dup):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, accepted, 1)
	assert.Equal(t, n-1, dups)
}

func TestTokenReusableOnceTerminal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant := uniqueTenant(t)
	first := enqueue(t, s, tenant, "order-2")

	running := claimed(t, s, first.ID)
	_, err := s.CompleteTask(ctx, first.ID, running.Revision, []byte(`"ok"`), nil)
	require.NoError(t, err)

	second := enqueue(t, s, tenant, "order-2")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestLifecycleToSuccess(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task := enqueue(t, s, uniqueTenant(t), "")

	msg := publish(t, s, task.ID)
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, msg.Revision+1, got.Revision)

	running, outcome, err := s.ClaimTask(ctx, msg, "w1")
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, outcome)
	assert.Equal(t, 1, running.Attempts)
	require.NotNil(t, running.WorkerID)

	_, _, err = s.ClaimTask(ctx, msg, "w2")
	assert.ErrorIs(t, err, failure.ErrClaimConflict)

	recorded, err := s.RecordExternalResult(ctx, task.ID, []byte(`{"out":1}`))
	require.NoError(t, err)
	assert.True(t, recorded.ExternalCallDone)
	again, err := s.RecordExternalResult(ctx, task.ID, []byte(`{"out":2}`))
	require.NoError(t, err)
	assert.Equal(t, recorded.Revision, again.Revision, "the first recorded result wins")
	assert.JSONEq(t, `{"out":1}`, string(again.ExternalResult))

	_, err = s.CompleteTask(ctx, task.ID, running.Revision, nil, nil)
	assert.ErrorIs(t, err, failure.ErrRevisionMismatch)

	ref := "s3://bucket/results/" + task.ID + ".json"
	done, err := s.CompleteTask(ctx, task.ID, recorded.Revision, nil, &ref)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, done.Status)
	require.NotNil(t, done.ResultRef)
	assert.Equal(t, ref, *done.ResultRef)

	events, err := s.ListEvents(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, models.ValidHistory(events))
	assert.Len(t, events, 4)
}

func TestConcurrentClaimsAcquireOnce(t *testing.T) {
	s := newStore(t)
	task := enqueue(t, s, uniqueTenant(t), "")
	msg := publish(t, s, task.ID)

	const n = 6
	outcomes := make(chan ClaimOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, outcome, err := s.ClaimTask(context.Background(), msg, fmt.Sprintf("w%d", i))
			if errors.Is(err, failure.ErrClaimConflict) {
				return
			}
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			outcomes <- outcome
		}(i)
	}
	wg.Wait()
	close(outcomes)

	acquired := 0
	for o := range outcomes {
		if o == ClaimAcquired {
			acquired++
			continue
		}
		assert.Equal(t, ClaimBusy, o)
	}
	assert.Equal(t, 1, acquired)
}

func TestOutboxClaimsAreDisjoint(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant := uniqueTenant(t)
	for i := 0; i < 20; i++ {
		enqueue(t, s, tenant, "")
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[int64]string{}
	)
	for _, owner := range []string{"pub-a", "pub-b", "pub-c"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			entries, err := s.ClaimOutbox(ctx, owner, 10, time.Minute)
			if err != nil {
				t.Errorf("claim outbox: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range entries {
				if prev, ok := ids[e.ID]; ok {
					t.Errorf("entry %d leased to %s and %s", e.ID, prev, owner)
				}
				ids[e.ID] = owner
			}
		}(owner)
	}
	wg.Wait()

	// Hand the leases back so other tests can claim their entries.
	for id, owner := range ids {
		require.NoError(t, s.ReleaseOutbox(ctx, id, owner, 0, "released"))
	}
}

func TestRetryWritesDelayedEntry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task := enqueue(t, s, uniqueTenant(t), "")
	running := claimed(t, s, task.ID)

	failed, err := s.FailTask(ctx, FailParams{
		TaskID: task.ID, Revision: running.Revision, Outcome: FailRetry,
		Detail: "upstream 503", RetryDelay: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailedRetryable, failed.Status)
	assert.Nil(t, failed.DeadLetter)

	entries, err := s.ClaimOutbox(ctx, "pub-x", 500, time.Minute)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, task.ID, e.TaskID, "the retry entry is not due yet")
		require.NoError(t, s.ReleaseOutbox(ctx, e.ID, "pub-x", 0, "released"))
	}
}

func TestDeadLetterAndReplay(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant := uniqueTenant(t)
	task := enqueue(t, s, tenant, "order-3")
	running := claimed(t, s, task.ID)

	parked, err := s.FailTask(ctx, FailParams{TaskID: task.ID, Revision: running.Revision, Outcome: FailExhausted, Detail: "gave up"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailedRetryable, parked.Status)
	require.NotNil(t, parked.DeadLetter)
	assert.Equal(t, models.DeadLetterTransient, *parked.DeadLetter)

	counts, err := s.DeadLetterCounts(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[models.DeadLetterTransient], int64(1))

	// A dead-lettered task releases its token.
	fresh := enqueue(t, s, tenant, "order-3")

	replayed, err := s.ReplayTransient(ctx, 500)
	require.NoError(t, err)
	var mine *models.Task
	for i := range replayed {
		if replayed[i].ID == task.ID {
			mine = &replayed[i]
		}
	}
	require.NotNil(t, mine)
	assert.Nil(t, mine.DeadLetter)
	assert.Zero(t, mine.Attempts)
	assert.Nil(t, mine.Fingerprint, "the newer live task keeps the token")

	msg := publish(t, s, task.ID)
	_, outcome, err := s.ClaimTask(ctx, msg, "w1")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, outcome)
	assert.NotEqual(t, fresh.ID, task.ID)
}

func TestCancelBeforeClaim(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant := uniqueTenant(t)
	task := enqueue(t, s, tenant, "")

	_, err := s.RequestCancel(ctx, "someone-else", task.ID)
	assert.ErrorIs(t, err, failure.ErrNotFound)

	cancelling, err := s.RequestCancel(ctx, tenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelling, cancelling.Status)

	msg := publish(t, s, task.ID)
	got, outcome, err := s.ClaimTask(ctx, msg, "w1")
	require.NoError(t, err)
	assert.Equal(t, ClaimCancelled, outcome)
	assert.Equal(t, models.StatusCancelled, got.Status)

	_, err = s.RequestCancel(ctx, tenant, task.ID)
	require.NoError(t, err, "cancelling twice is idempotent")
}

func TestRecoverStalled(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task := enqueue(t, s, uniqueTenant(t), "")
	claimed(t, s, task.ID)

	time.Sleep(20 * time.Millisecond)
	recovered, err := s.RecoverStalled(ctx, 10*time.Millisecond, 500)
	require.NoError(t, err)
	var found bool
	for _, r := range recovered {
		if r.ID == task.ID {
			found = true
			assert.Equal(t, models.StatusFailedRetryable, r.Status)
		}
	}
	assert.True(t, found)

	msg := publish(t, s, task.ID)
	_, outcome, err := s.ClaimTask(ctx, msg, "w2")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, outcome)
}

func TestCancelWhileHeldIsLeftToTheWorker(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant := uniqueTenant(t)
	task := enqueue(t, s, tenant, "")
	held := claimed(t, s, task.ID)

	cancelling, err := s.RequestCancel(ctx, tenant, task.ID)
	require.NoError(t, err)
	require.NotNil(t, cancelling.WorkerID)

	dup := models.Message{TaskID: task.ID, Revision: held.Revision - 1, QueueClass: "default", Attempt: 1}
	_, _, err = s.ClaimTask(ctx, dup, "w2")
	assert.ErrorIs(t, err, failure.ErrClaimConflict)
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelling, got.Status)

	done, err := s.CompleteTask(ctx, task.ID, got.Revision, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, done.Status)
}

func TestReannounceQueued(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task := enqueue(t, s, uniqueTenant(t), "")
	lost := publish(t, s, task.ID)

	time.Sleep(20 * time.Millisecond)
	rearmed, err := s.ReannounceQueued(ctx, 10*time.Millisecond, 500)
	require.NoError(t, err)
	var found bool
	for _, r := range rearmed {
		if r.ID == task.ID {
			found = true
			assert.Equal(t, models.StatusQueued, r.Status)
			assert.Equal(t, int64(3), r.Revision)
		}
	}
	require.True(t, found)

	again, err := s.ReannounceQueued(ctx, 10*time.Millisecond, 500)
	require.NoError(t, err)
	for _, r := range again {
		assert.NotEqual(t, task.ID, r.ID, "a pending entry blocks a second re-arm")
	}

	_, _, err = s.ClaimTask(ctx, lost, "w1")
	assert.ErrorIs(t, err, failure.ErrClaimConflict)

	fresh := publish(t, s, task.ID)
	assert.Equal(t, int64(2), fresh.Revision)
	_, outcome, err := s.ClaimTask(ctx, fresh, "w1")
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, outcome)

	events, err := s.ListEvents(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, models.ValidHistory(events))
	require.Len(t, events, 4)
	assert.Equal(t, "delivery lost", events[2].Detail)
}

func TestListTasksPages(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant := uniqueTenant(t)
	for i := 0; i < 5; i++ {
		enqueue(t, s, tenant, "")
	}

	page, err := s.ListTasks(ctx, ListFilter{TenantID: tenant, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 2)
	seen := map[string]bool{}
	for page.NextCursor != "" || len(page.Tasks) > 0 {
		for _, task := range page.Tasks {
			assert.False(t, seen[task.ID])
			seen[task.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		page, err = s.ListTasks(ctx, ListFilter{TenantID: tenant, Limit: 2, Cursor: page.NextCursor})
		require.NoError(t, err)
	}
	assert.Len(t, seen, 5)

	_, err = s.ListTasks(ctx, ListFilter{TenantID: tenant, Cursor: "!!"})
	var verr *failure.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPurgeAndArchive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task := enqueue(t, s, uniqueTenant(t), "")
	running := claimed(t, s, task.ID)
	_, err := s.CompleteTask(ctx, task.ID, running.Revision, []byte(`"ok"`), nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	n, err := s.PurgePublishedOutbox(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	n, err = s.ArchiveTasks(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	_, err = s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, failure.ErrNotFound)

	counts, err := s.TransitionCounts(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, counts)

	n, err = s.PurgeEvents(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(4))
}
