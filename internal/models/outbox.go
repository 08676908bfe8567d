package models

import (
	"encoding/json"
	"time"
)

// OutboxEntry is a durable intent to publish a broker message for a task.
type OutboxEntry struct {
	ID           int64           `json:"id"`
	TaskID       string          `json:"task_id"`
	QueueClass   string          `json:"queue_class"`
	Body         json.RawMessage `json:"body"`
	TaskRevision int64           `json:"task_revision"`
	Published    bool            `json:"published"`
	PublishedAt  *time.Time      `json:"published_at,omitempty"`
	Attempts     int             `json:"attempts"`
	AvailableAt  time.Time       `json:"available_at"`
	ClaimedBy    *string         `json:"claimed_by,omitempty"`
	LastError    *string         `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Message is the broker payload announcing that a task is ready. Revision is
// the task revision at the time the outbox entry was written.
type Message struct {
	TaskID     string `json:"task_id"`
	Revision   int64  `json:"revision"`
	QueueClass string `json:"queue_class"`
	Attempt    int    `json:"attempt"`
}

// Encode serialises the message for the broker.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a broker payload.
func DecodeMessage(body []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(body, &m)
	return m, err
}

// TaskEvent is an append-only audit row for one observed transition.
type TaskEvent struct {
	Seq         int64     `json:"seq"`
	TaskID      string    `json:"task_id"`
	PriorStatus *Status   `json:"prior_status"`
	NewStatus   Status    `json:"new_status"`
	Actor       Actor     `json:"actor"`
	Detail      string    `json:"detail,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// TransitionCount aggregates audit rows per edge.
type TransitionCount struct {
	From  Status `json:"from"`
	To    Status `json:"to"`
	Count int64  `json:"count"`
}
