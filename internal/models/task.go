package models

import (
	"encoding/json"
	"time"
)

// Status enumerates task lifecycle states persisted in Postgres.
type Status string

const (
	StatusSubmitted       Status = "SUBMITTED"
	StatusQueued          Status = "QUEUED"
	StatusProcessing      Status = "PROCESSING"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailedRetryable Status = "FAILED_RETRYABLE"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
	StatusCancelling      Status = "CANCELLING"
	StatusCancelled       Status = "CANCELLED"
)

// DeadLetter classes recorded on a task once it leaves the retry loop.
const (
	DeadLetterTransient = "transient"
	DeadLetterPermanent = "permanent"
)

// Actor tags who performed a transition in the audit log.
type Actor string

const (
	ActorSubmitter Actor = "submitter"
	ActorPublisher Actor = "publisher"
	ActorClaimer   Actor = "claimer"
	ActorWorker    Actor = "worker"
	ActorOperator  Actor = "operator"
)

// TaskInput is the submission payload accepted from the API layer.
type TaskInput struct {
	Text string `json:"text"`
}

// Task is a unit of work persisted in Postgres.
type Task struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	Payload          json.RawMessage `json:"payload"`
	Language         string          `json:"language"`
	QueueClass       string          `json:"queue_class"`
	Status           Status          `json:"status"`
	ResultInline     []byte          `json:"result_inline,omitempty"`
	ResultRef        *string         `json:"result_ref,omitempty"`
	ErrorDetail      *string         `json:"error_detail,omitempty"`
	Fingerprint      *string         `json:"fingerprint,omitempty"`
	TokenSeenAt      *time.Time      `json:"token_seen_at,omitempty"`
	Revision         int64           `json:"revision"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	ExternalCallDone bool            `json:"external_call_done"`
	ExternalResult   []byte          `json:"-"`
	DeadLetter       *string         `json:"dead_letter,omitempty"`
	WorkerID         *string         `json:"worker_id,omitempty"`
	QueuedAt         *time.Time      `json:"queued_at,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Terminal reports whether the caller will observe no further transitions
// without operator action. A transiently dead-lettered task counts as
// terminal until it is replayed.
func (t Task) Terminal() bool {
	if t.Status.Terminal() {
		return true
	}
	return t.Status == StatusFailedRetryable && t.DeadLetter != nil && *t.DeadLetter == DeadLetterTransient
}

// Input decodes the task payload.
func (t Task) Input() (TaskInput, error) {
	var in TaskInput
	if len(t.Payload) == 0 {
		return in, nil
	}
	err := json.Unmarshal(t.Payload, &in)
	return in, err
}
