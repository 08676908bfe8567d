package store

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"task-dispatch-engine/internal/models"
)

// EnqueueParams collects inputs required to insert a task and its outbox entry.
type EnqueueParams struct {
	TenantID         string
	Payload          json.RawMessage
	Language         string
	QueueClass       string
	IdempotencyToken string
	MaxAttempts      int
	// FreshnessWindow marks duplicates whose token is older than the window as stale.
	FreshnessWindow time.Duration
}

// ClaimOutcome reports what a worker may do with a delivered message.
type ClaimOutcome int

const (
	// ClaimAcquired: the task moved to PROCESSING and belongs to the caller.
	ClaimAcquired ClaimOutcome = iota + 1
	// ClaimNotReady: the publisher has not yet committed the QUEUED transition
	// for this revision; redeliver later.
	ClaimNotReady
	// ClaimBusy: the row is locked by a concurrent mutator; redeliver later.
	ClaimBusy
	// ClaimCancelled: the task was cancelling and has been finalized.
	ClaimCancelled
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimAcquired:
		return "acquired"
	case ClaimNotReady:
		return "not_ready"
	case ClaimBusy:
		return "busy"
	case ClaimCancelled:
		return "cancelled"
	}
	return "unknown"
}

// FailOutcome selects how a failed attempt is routed.
type FailOutcome int

const (
	// FailRetry re-announces the task after RetryDelay.
	FailRetry FailOutcome = iota + 1
	// FailExhausted parks the task on the transient dead-letter path.
	FailExhausted
	// FailPermanent parks the task on the permanent dead-letter path.
	FailPermanent
)

// FailParams describes a failed execution attempt.
type FailParams struct {
	TaskID     string
	Revision   int64
	Outcome    FailOutcome
	Detail     string
	RetryDelay time.Duration
}

// ListFilter narrows a task listing. Tenant is mandatory.
type ListFilter struct {
	TenantID string
	Statuses []models.Status
	From     *time.Time
	To       *time.Time
	Cursor   string
	Limit    int
}

// Page is one slice of a listing plus the cursor for the next call.
type Page struct {
	Tasks      []models.Task `json:"tasks"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// PageSize clamps a requested limit.
func PageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// Paginate trims a limit+1 result to limit rows and derives the next cursor.
func Paginate(tasks []models.Task, limit int) Page {
	if len(tasks) <= limit {
		return Page{Tasks: tasks}
	}
	tasks = tasks[:limit]
	last := tasks[len(tasks)-1]
	return Page{Tasks: tasks, NextCursor: EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})}
}

// Cursor is the keyset position (created_at, id) of the last returned row.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

var errBadCursor = errors.New("malformed cursor")

// EncodeCursor renders an opaque cursor token.
func EncodeCursor(c Cursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, errBadCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, errBadCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, errBadCursor
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Fingerprint derives the uniqueness key for an idempotency token. Tokens
// are scoped per tenant.
func Fingerprint(tenantID, token string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + token))
	return hex.EncodeToString(sum[:])
}

// EncodeMessage builds the broker body announcing task at revision.
func EncodeMessage(taskID, queueClass string, revision int64, attempt int) ([]byte, error) {
	return models.Message{TaskID: taskID, Revision: revision, QueueClass: queueClass, Attempt: attempt}.Encode()
}

func sortEntries(entries []models.OutboxEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
