package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"task-dispatch-engine/internal/failure"
	"task-dispatch-engine/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It owns tasks, outbox
// entries and the audit log; every mutation runs inside one transaction
// together with the audit row it produces.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const taskColumns = `id, tenant_id, payload, language, queue_class, status, result_inline, result_ref, error_detail,
	fingerprint, token_seen_at, revision, attempts, max_attempts, external_call_done, external_result,
	dead_letter, worker_id, queued_at, started_at, finished_at, created_at, updated_at`

const liveFingerprintPredicate = `status NOT IN ('SUCCEEDED', 'FAILED_PERMANENT', 'CANCELLED') AND dead_letter IS NULL`

const fingerprintIndex = "tasks_fingerprint_active"

// Enqueue atomically inserts a SUBMITTED task, its outbox entry and the
// first audit row. A live task holding the same fingerprint yields a
// *failure.DuplicateInFlightError; the unique index arbitrates races.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (models.Task, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.QueueClass == "" {
		p.QueueClass = "default"
	}
	var fingerprint *string
	if p.IdempotencyToken != "" {
		fp := Fingerprint(p.TenantID, p.IdempotencyToken)
		fingerprint = &fp
	}

	// The holder of a fingerprint can turn terminal between our failed
	// insert and the lookup; a couple of rounds settle that.
	for round := 0; round < 3; round++ {
		task, err := s.insertTask(ctx, p, fingerprint)
		if err == nil {
			return task, nil
		}
		if !isFingerprintConflict(err) {
			return models.Task{}, err
		}
		dup, found, err := s.liveByFingerprint(ctx, *fingerprint, p.FreshnessWindow)
		if err != nil {
			return models.Task{}, err
		}
		if found {
			return models.Task{}, dup
		}
	}
	return models.Task{}, errors.New("enqueue: fingerprint still contended after retries")
}

func (s *Store) insertTask(ctx context.Context, p EnqueueParams, fingerprint *string) (models.Task, error) {
	var task models.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		id := uuid.New().String()
		var tokenSeen any
		if fingerprint != nil {
			tokenSeen = time.Now().UTC()
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO tasks (id, tenant_id, payload, language, queue_class, status, fingerprint, token_seen_at,
				revision, attempts, max_attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, 0, $9, NOW(), NOW())
			RETURNING `+taskColumns,
			id, p.TenantID, []byte(p.Payload), p.Language, p.QueueClass, string(models.StatusSubmitted),
			fingerprint, tokenSeen, p.MaxAttempts)
		var err error
		task, err = scanTask(row)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := insertOutbox(ctx, tx, task, 0, 1); err != nil {
			return err
		}
		return appendEvent(ctx, tx, task.ID, nil, models.StatusSubmitted, models.ActorSubmitter, "")
	})
	return task, err
}

func (s *Store) liveByFingerprint(ctx context.Context, fingerprint string, window time.Duration) (*failure.DuplicateInFlightError, bool, error) {
	var (
		id   string
		seen pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, token_seen_at FROM tasks WHERE fingerprint = $1 AND `+liveFingerprintPredicate,
		fingerprint).Scan(&id, &seen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query fingerprint: %w", err)
	}
	dup := &failure.DuplicateInFlightError{ExistingID: id}
	if window > 0 && seen.Valid && time.Since(seen.Time) > window {
		dup.Stale = true
	}
	return dup, true, nil
}

func isFingerprintConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == fingerprintIndex
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, failure.ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns one page of a tenant's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) (Page, error) {
	args := []any{f.TenantID}
	where := []string{"tenant_id = $1"}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		add("status = ANY($%d)", statuses)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	if f.Cursor != "" {
		c, err := DecodeCursor(f.Cursor)
		if err != nil {
			return Page{}, &failure.ValidationError{Field: "cursor", Reason: err.Error()}
		}
		args = append(args, c.CreatedAt, c.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d::timestamptz, $%d::text)", len(args)-1, len(args)))
	}
	limit := PageSize(f.Limit)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return Page{}, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]models.Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return Page{}, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list tasks: %w", err)
	}
	return Paginate(tasks, limit), nil
}

// ClaimOutbox leases up to limit publishable entries to owner. Rows held by
// a concurrent publisher are skipped, and only the oldest unpublished entry
// of each task is eligible so per-task order is preserved.
func (s *Store) ClaimOutbox(ctx context.Context, owner string, limit int, lease time.Duration) ([]models.OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT o.id FROM outbox o
			WHERE NOT o.published
			  AND o.available_at <= NOW()
			  AND (o.claimed_until IS NULL OR o.claimed_until < NOW())
			  AND NOT EXISTS (
				SELECT 1 FROM outbox p
				WHERE p.task_id = o.task_id AND NOT p.published AND p.id < o.id
			  )
			ORDER BY o.id
			LIMIT $2
			FOR UPDATE OF o SKIP LOCKED
		)
		UPDATE outbox SET claimed_by = $1, claimed_until = NOW() + ($3::bigint * INTERVAL '1 millisecond')
		FROM candidates
		WHERE outbox.id = candidates.id
		RETURNING outbox.id, outbox.task_id, outbox.queue_class, outbox.body, outbox.task_revision,
			outbox.published, outbox.published_at, outbox.attempts, outbox.available_at, outbox.claimed_by,
			outbox.last_error, outbox.created_at
	`, owner, limit, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	sortEntries(entries)
	return entries, nil
}

// MarkPublished flips an entry to published after a broker ack and moves
// its task to QUEUED when the task is still at the announced revision.
// A second call for the same entry is a no-op.
func (s *Store) MarkPublished(ctx context.Context, entry models.OutboxEntry) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE outbox
			SET published = TRUE, published_at = NOW(), claimed_by = NULL, claimed_until = NULL, last_error = NULL
			WHERE id = $1 AND NOT published
		`, entry.ID)
		if err != nil {
			return fmt.Errorf("mark outbox published: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		cur, err := lockTask(ctx, tx, entry.TaskID)
		if err != nil {
			return err
		}
		if cur.Revision != entry.TaskRevision || cur.DeadLetter != nil {
			return nil
		}
		if cur.Status != models.StatusSubmitted && cur.Status != models.StatusFailedRetryable {
			return nil
		}
		_, err = apply(ctx, tx, cur, change{
			next:  models.StatusQueued,
			actor: models.ActorPublisher,
			sets:  ", queued_at = NOW()",
		})
		return err
	})
}

// ReleaseOutbox returns a claimed entry after a failed publish, bumping its
// attempt counter and deferring it by delay.
func (s *Store) ReleaseOutbox(ctx context.Context, id int64, owner string, delay time.Duration, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1,
		    available_at = NOW() + ($3::bigint * INTERVAL '1 millisecond'),
		    claimed_by = NULL, claimed_until = NULL, last_error = $4
		WHERE id = $1 AND NOT published AND claimed_by = $2
	`, id, owner, delay.Milliseconds(), lastErr)
	if err != nil {
		return fmt.Errorf("release outbox: %w", err)
	}
	return nil
}

// OutboxBacklog returns the unpublished entry count and the age of the oldest one.
func (s *Store) OutboxBacklog(ctx context.Context) (int64, time.Duration, error) {
	var (
		n      int64
		oldest float64
	)
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at)), 0)::float8
		FROM outbox WHERE NOT published
	`).Scan(&n, &oldest); err != nil {
		return 0, 0, fmt.Errorf("count outbox backlog: %w", err)
	}
	return n, time.Duration(oldest * float64(time.Second)), nil
}

// ClaimTask converts a delivery into exclusive ownership. The row is read
// with SKIP LOCKED so duplicate deliveries never queue behind each other.
// A cancelling task is finalized here only when no worker holds it; a
// running worker settles it instead. A delivery that cannot proceed returns
// failure.ErrClaimConflict.
func (s *Store) ClaimTask(ctx context.Context, msg models.Message, workerID string) (models.Task, ClaimOutcome, error) {
	var (
		task    models.Task
		outcome ClaimOutcome
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE SKIP LOCKED`, msg.TaskID))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, msg.TaskID).Scan(&exists); err != nil {
				return fmt.Errorf("probe task: %w", err)
			}
			if !exists {
				return failure.ErrNotFound
			}
			outcome = ClaimBusy
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock task: %w", err)
		}

		switch {
		case cur.Status == models.StatusCancelling && cur.WorkerID == nil:
			task, err = apply(ctx, tx, cur, change{
				next:   models.StatusCancelled,
				actor:  models.ActorClaimer,
				detail: "cancelled before execution",
				sets:   ", finished_at = NOW(), worker_id = NULL",
			})
			outcome = ClaimCancelled
			return err
		case cur.Status.Claimable() && cur.DeadLetter == nil && cur.Revision == msg.Revision+1:
			task, err = apply(ctx, tx, cur, change{
				next:  models.StatusProcessing,
				actor: models.ActorClaimer,
				sets:  ", attempts = attempts + 1, started_at = NOW(), worker_id = $4",
				args:  []any{workerID},
			})
			outcome = ClaimAcquired
			return err
		case announcedNotQueued(cur, msg):
			task, outcome = cur, ClaimNotReady
			return nil
		default:
			task = cur
			return failure.ErrClaimConflict
		}
	})
	if err != nil {
		return task, 0, err
	}
	return task, outcome, nil
}

// announcedNotQueued is true while a delivered message races ahead of the
// publisher committing the QUEUED transition.
func announcedNotQueued(cur models.Task, msg models.Message) bool {
	if cur.DeadLetter != nil || cur.Revision != msg.Revision {
		return false
	}
	return cur.Status == models.StatusSubmitted || cur.Status == models.StatusFailedRetryable
}

// RecordExternalResult persists the external call result and sets
// external_call_done in one statement. The flag is set at most once.
func (s *Store) RecordExternalResult(ctx context.Context, id string, result []byte) (models.Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET external_call_done = TRUE, external_result = $2, revision = revision + 1, updated_at = NOW()
		WHERE id = $1 AND NOT external_call_done AND status IN ('PROCESSING', 'CANCELLING', 'CANCELLED')
		RETURNING `+taskColumns, id, result))
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("record external result: %w", err)
	}
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if cur.ExternalCallDone {
		return cur, nil
	}
	return cur, fmt.Errorf("record external result in %s: %w", cur.Status, failure.ErrInvalidTransition)
}

// CompleteTask marks a PROCESSING task SUCCEEDED. A task cancelled while
// running is finalized CANCELLED and the result is discarded.
func (s *Store) CompleteTask(ctx context.Context, id string, revision int64, inline []byte, ref *string) (models.Task, error) {
	var task models.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if done, t, err := finishCancellation(ctx, tx, cur); done {
			task = t
			return err
		}
		if cur.Status != models.StatusProcessing {
			return fmt.Errorf("complete task in %s: %w", cur.Status, failure.ErrInvalidTransition)
		}
		if cur.Revision != revision {
			return failure.ErrRevisionMismatch
		}
		task, err = apply(ctx, tx, cur, change{
			next:  models.StatusSucceeded,
			actor: models.ActorWorker,
			sets:  ", result_inline = $4, result_ref = $5, error_detail = NULL, finished_at = NOW(), worker_id = NULL",
			args:  []any{inline, ref},
		})
		return err
	})
	return task, err
}

// FailTask records a failed attempt and routes it per p.Outcome. A retry
// writes the re-announcing outbox entry in the same transaction.
func (s *Store) FailTask(ctx context.Context, p FailParams) (models.Task, error) {
	var task models.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockTask(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}
		if done, t, err := finishCancellation(ctx, tx, cur); done {
			task = t
			return err
		}
		if cur.Status != models.StatusProcessing {
			return fmt.Errorf("fail task in %s: %w", cur.Status, failure.ErrInvalidTransition)
		}
		if cur.Revision != p.Revision {
			return failure.ErrRevisionMismatch
		}
		task, err = fail(ctx, tx, cur, p.Outcome, p.Detail, p.RetryDelay, models.ActorWorker)
		return err
	})
	return task, err
}

func fail(ctx context.Context, tx pgx.Tx, cur models.Task, outcome FailOutcome, detail string, delay time.Duration, actor models.Actor) (models.Task, error) {
	switch outcome {
	case FailRetry:
		task, err := apply(ctx, tx, cur, change{
			next:   models.StatusFailedRetryable,
			actor:  actor,
			detail: detail,
			sets:   ", error_detail = $4, worker_id = NULL",
			args:   []any{detail},
		})
		if err != nil {
			return task, err
		}
		return task, insertOutbox(ctx, tx, task, delay, task.Attempts+1)
	case FailExhausted:
		return apply(ctx, tx, cur, change{
			next:   models.StatusFailedRetryable,
			actor:  actor,
			detail: detail,
			sets:   ", error_detail = $4, dead_letter = $5, finished_at = NOW(), worker_id = NULL",
			args:   []any{detail, models.DeadLetterTransient},
		})
	case FailPermanent:
		return apply(ctx, tx, cur, change{
			next:   models.StatusFailedPermanent,
			actor:  actor,
			detail: detail,
			sets:   ", error_detail = $4, dead_letter = $5, finished_at = NOW(), worker_id = NULL",
			args:   []any{detail, models.DeadLetterPermanent},
		})
	}
	return cur, fmt.Errorf("unknown fail outcome %d", outcome)
}

// finishCancellation settles a task whose cancellation landed while a
// worker was busy. done is false when the task is not cancelling.
func finishCancellation(ctx context.Context, tx pgx.Tx, cur models.Task) (bool, models.Task, error) {
	switch cur.Status {
	case models.StatusCancelled:
		return true, cur, nil
	case models.StatusCancelling:
		task, err := apply(ctx, tx, cur, change{
			next:   models.StatusCancelled,
			actor:  models.ActorWorker,
			detail: "attempt result discarded",
			sets:   ", finished_at = NOW(), worker_id = NULL",
		})
		return true, task, err
	}
	return false, cur, nil
}

// RequestCancel records a cancellation against a tenant's task.
func (s *Store) RequestCancel(ctx context.Context, tenantID, id string) (models.Task, error) {
	var task models.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.TenantID != tenantID {
			return failure.ErrNotFound
		}
		if cur.Status == models.StatusCancelling || cur.Status == models.StatusCancelled {
			task = cur
			return nil
		}
		if cur.Terminal() || !cur.Status.Cancellable() {
			return fmt.Errorf("cancel task in %s: %w", cur.Status, failure.ErrInvalidTransition)
		}
		task, err = apply(ctx, tx, cur, change{
			next:   models.StatusCancelling,
			actor:  models.ActorSubmitter,
			detail: "cancel requested",
		})
		return err
	})
	return task, err
}

// ReplayTransient re-arms up to limit transiently dead-lettered tasks with
// a fresh attempt budget and a new outbox entry. A replayed task gives up
// its fingerprint if a newer live task has claimed it meanwhile.
func (s *Store) ReplayTransient(ctx context.Context, limit int) ([]models.Task, error) {
	var replayed []models.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = $1 AND dead_letter = $2
			ORDER BY updated_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		`, string(models.StatusFailedRetryable), models.DeadLetterTransient, PageSize(limit))
		if err != nil {
			return fmt.Errorf("select dead letters: %w", err)
		}
		candidates, err := collectTasks(rows)
		if err != nil {
			return err
		}
		for _, cur := range candidates {
			task, err := apply(ctx, tx, cur, change{
				next:   models.StatusFailedRetryable,
				actor:  models.ActorOperator,
				detail: "replayed from dlq_transient",
				sets: `, dead_letter = NULL, attempts = 0, finished_at = NULL,
					fingerprint = CASE WHEN fingerprint IS NOT NULL AND EXISTS (
						SELECT 1 FROM tasks o WHERE o.fingerprint = tasks.fingerprint AND o.id <> tasks.id
						AND o.status NOT IN ('SUCCEEDED', 'FAILED_PERMANENT', 'CANCELLED') AND o.dead_letter IS NULL
					) THEN NULL ELSE fingerprint END`,
			})
			if err != nil {
				return err
			}
			if err := insertOutbox(ctx, tx, task, 0, 1); err != nil {
				return err
			}
			replayed = append(replayed, task)
		}
		return nil
	})
	return replayed, err
}

// RecoverStalled reclaims tasks whose worker stopped updating them for
// longer than olderThan: PROCESSING rows are failed as transient (and
// re-announced while attempts remain), CANCELLING rows are finalized.
func (s *Store) RecoverStalled(ctx context.Context, olderThan time.Duration, limit int) ([]models.Task, error) {
	var recovered []models.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status IN ('PROCESSING', 'CANCELLING')
			  AND updated_at < NOW() - ($1::bigint * INTERVAL '1 millisecond')
			ORDER BY updated_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, olderThan.Milliseconds(), PageSize(limit))
		if err != nil {
			return fmt.Errorf("select stalled: %w", err)
		}
		stalled, err := collectTasks(rows)
		if err != nil {
			return err
		}
		for _, cur := range stalled {
			var task models.Task
			if cur.Status == models.StatusCancelling {
				task, err = apply(ctx, tx, cur, change{
					next:   models.StatusCancelled,
					actor:  models.ActorWorker,
					detail: "stalled",
					sets:   ", finished_at = NOW(), worker_id = NULL",
				})
			} else {
				outcome := FailRetry
				if cur.Attempts >= cur.MaxAttempts {
					outcome = FailExhausted
				}
				task, err = fail(ctx, tx, cur, outcome, "stalled: worker stopped reporting", 0, models.ActorWorker)
			}
			if err != nil {
				return err
			}
			recovered = append(recovered, task)
		}
		return nil
	})
	return recovered, err
}

// ReannounceQueued re-arms QUEUED tasks untouched for longer than olderThan
// whose broker delivery may have been lost. The self-edge bumps the
// revision so a surviving earlier delivery conflicts, and the new outbox
// entry announces the pre-bump revision.
func (s *Store) ReannounceQueued(ctx context.Context, olderThan time.Duration, limit int) ([]models.Task, error) {
	var rearmed []models.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = 'QUEUED' AND dead_letter IS NULL
			  AND updated_at < NOW() - ($1::bigint * INTERVAL '1 millisecond')
			  AND NOT EXISTS (SELECT 1 FROM outbox o WHERE o.task_id = tasks.id AND NOT o.published)
			ORDER BY updated_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, olderThan.Milliseconds(), PageSize(limit))
		if err != nil {
			return fmt.Errorf("select stale queued: %w", err)
		}
		stale, err := collectTasks(rows)
		if err != nil {
			return err
		}
		for _, cur := range stale {
			task, err := apply(ctx, tx, cur, change{
				next:   models.StatusQueued,
				actor:  models.ActorWorker,
				detail: "delivery lost",
			})
			if err != nil {
				return err
			}
			if err := insertOutbox(ctx, tx, cur, 0, task.Attempts+1); err != nil {
				return err
			}
			rearmed = append(rearmed, task)
		}
		return nil
	})
	return rearmed, err
}

// ListEvents returns the audit trail of a task in order.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]models.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, task_id, prior_status, new_status, actor, detail, recorded_at
		FROM task_events WHERE task_id = $1 ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.TaskEvent
	for rows.Next() {
		var (
			ev          models.TaskEvent
			prior       pgtype.Text
			next, actor string
		)
		if err := rows.Scan(&ev.Seq, &ev.TaskID, &prior, &next, &actor, &ev.Detail, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if prior.Valid {
			st := models.Status(prior.String)
			ev.PriorStatus = &st
		}
		ev.NewStatus = models.Status(next)
		ev.Actor = models.Actor(actor)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// TransitionCounts aggregates the audit log per edge.
func (s *Store) TransitionCounts(ctx context.Context) ([]models.TransitionCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(prior_status, ''), new_status, COUNT(*)
		FROM task_events GROUP BY 1, 2 ORDER BY 1, 2
	`)
	if err != nil {
		return nil, fmt.Errorf("count transitions: %w", err)
	}
	defer rows.Close()

	var out []models.TransitionCount
	for rows.Next() {
		var from, to string
		var n int64
		if err := rows.Scan(&from, &to, &n); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, models.TransitionCount{From: models.Status(from), To: models.Status(to), Count: n})
	}
	return out, rows.Err()
}

// DeadLetterCounts returns the number of parked tasks per dead-letter class.
func (s *Store) DeadLetterCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dead_letter, COUNT(*) FROM tasks
		WHERE dead_letter IS NOT NULL GROUP BY dead_letter
	`)
	if err != nil {
		return nil, fmt.Errorf("count dead letters: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{models.DeadLetterTransient: 0, models.DeadLetterPermanent: 0}
	for rows.Next() {
		var class string
		var n int64
		if err := rows.Scan(&class, &n); err != nil {
			return nil, fmt.Errorf("scan dead letters: %w", err)
		}
		out[class] = n
	}
	return out, rows.Err()
}

// PurgePublishedOutbox deletes published entries older than the retention window.
func (s *Store) PurgePublishedOutbox(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox WHERE published AND published_at < NOW() - ($1::bigint * INTERVAL '1 millisecond')
	`, olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeEvents deletes audit rows beyond the retention window.
func (s *Store) PurgeEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM task_events WHERE recorded_at < NOW() - ($1::bigint * INTERVAL '1 millisecond')
	`, olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ArchiveTasks moves terminal tasks finished before the cutoff into tasks_archive.
func (s *Store) ArchiveTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH moved AS (
			DELETE FROM tasks
			WHERE status IN ('SUCCEEDED', 'FAILED_PERMANENT', 'CANCELLED')
			  AND finished_at < NOW() - ($1::bigint * INTERVAL '1 millisecond')
			RETURNING *
		)
		INSERT INTO tasks_archive SELECT * FROM moved
	`, olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("archive tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// change is one state-machine edge applied to a locked row. sets holds
// extra assignments whose placeholders start at $4.
type change struct {
	next   models.Status
	actor  models.Actor
	detail string
	sets   string
	args   []any
}

// apply writes an edge conditioned on the revision read under lock and
// appends its audit row.
func apply(ctx context.Context, tx pgx.Tx, cur models.Task, c change) (models.Task, error) {
	if !models.CanTransition(cur.Status, c.next) {
		return cur, fmt.Errorf("%s -> %s: %w", cur.Status, c.next, failure.ErrInvalidTransition)
	}
	args := append([]any{cur.ID, string(c.next), cur.Revision}, c.args...)
	task, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks SET status = $2, revision = revision + 1, updated_at = NOW()`+c.sets+`
		WHERE id = $1 AND revision = $3
		RETURNING `+taskColumns, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return cur, failure.ErrRevisionMismatch
	}
	if err != nil {
		return cur, fmt.Errorf("update task %s: %w", cur.ID, err)
	}
	prior := cur.Status
	if err := appendEvent(ctx, tx, cur.ID, &prior, c.next, c.actor, c.detail); err != nil {
		return cur, err
	}
	return task, nil
}

func lockTask(ctx context.Context, tx pgx.Tx, id string) (models.Task, error) {
	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, failure.ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("lock task: %w", err)
	}
	return task, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, task models.Task, delay time.Duration, attempt int) error {
	body, err := EncodeMessage(task.ID, task.QueueClass, task.Revision, attempt)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (task_id, queue_class, body, task_revision, available_at, created_at)
		VALUES ($1, $2, $3, $4, NOW() + ($5::bigint * INTERVAL '1 millisecond'), NOW())
	`, task.ID, task.QueueClass, body, task.Revision, delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, taskID string, prior *models.Status, next models.Status, actor models.Actor, detail string) error {
	var priorArg any
	if prior != nil {
		priorArg = string(*prior)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO task_events (task_id, prior_status, new_status, actor, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, taskID, priorArg, string(next), string(actor), detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (models.Task, error) {
	var (
		task                             models.Task
		payload                          []byte
		status                           string
		resultRef, errDetail, fp         pgtype.Text
		deadLetter, workerID             pgtype.Text
		tokenSeen, queued, started, done pgtype.Timestamptz
	)
	err := row.Scan(&task.ID, &task.TenantID, &payload, &task.Language, &task.QueueClass, &status,
		&task.ResultInline, &resultRef, &errDetail, &fp, &tokenSeen, &task.Revision, &task.Attempts,
		&task.MaxAttempts, &task.ExternalCallDone, &task.ExternalResult, &deadLetter, &workerID,
		&queued, &started, &done, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return models.Task{}, err
	}
	task.Payload = payload
	task.Status = models.Status(status)
	task.ResultRef = textPtr(resultRef)
	task.ErrorDetail = textPtr(errDetail)
	task.Fingerprint = textPtr(fp)
	task.DeadLetter = textPtr(deadLetter)
	task.WorkerID = textPtr(workerID)
	task.TokenSeenAt = timePtr(tokenSeen)
	task.QueuedAt = timePtr(queued)
	task.StartedAt = timePtr(started)
	task.FinishedAt = timePtr(done)
	return task, nil
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	defer rows.Close()
	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanOutbox(row scanner) (models.OutboxEntry, error) {
	var (
		e                  models.OutboxEntry
		body               []byte
		claimedBy, lastErr pgtype.Text
		publishedAt        pgtype.Timestamptz
	)
	if err := row.Scan(&e.ID, &e.TaskID, &e.QueueClass, &body, &e.TaskRevision, &e.Published, &publishedAt,
		&e.Attempts, &e.AvailableAt, &claimedBy, &lastErr, &e.CreatedAt); err != nil {
		return models.OutboxEntry{}, err
	}
	e.Body = body
	e.PublishedAt = timePtr(publishedAt)
	e.ClaimedBy = textPtr(claimedBy)
	e.LastError = textPtr(lastErr)
	return e, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
