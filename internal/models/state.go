package models

// transitions lists every allowed edge of the task state machine. The empty
// status stands for "no row yet".
var transitions = map[Status][]Status{
	"":                    {StatusSubmitted},
	StatusSubmitted:       {StatusQueued, StatusCancelling},
	// The self-edge re-announces a task whose broker delivery was lost.
	StatusQueued:          {StatusQueued, StatusProcessing, StatusCancelling},
	StatusProcessing:      {StatusSucceeded, StatusFailedRetryable, StatusFailedPermanent, StatusCancelling},
	// The self-edge re-arms a transiently dead-lettered task for operator replay.
	StatusFailedRetryable: {StatusQueued, StatusProcessing, StatusFailedRetryable, StatusFailedPermanent, StatusCancelling},
	StatusCancelling:      {StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no edge leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailedPermanent, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusQueued, StatusProcessing, StatusSucceeded,
		StatusFailedRetryable, StatusFailedPermanent, StatusCancelling, StatusCancelled:
		return true
	}
	return false
}

// Claimable reports whether a worker may move a task in s to PROCESSING.
func (s Status) Claimable() bool {
	return s == StatusQueued || s == StatusFailedRetryable
}

// Cancellable reports whether a cancel request can be recorded against s.
func (s Status) Cancellable() bool {
	return CanTransition(s, StatusCancelling)
}

// ValidHistory reports whether the statuses observed in an audit trail walk
// only along edges of the state machine, starting from no row.
func ValidHistory(events []TaskEvent) bool {
	var prev Status
	for i, ev := range events {
		from := Status("")
		if ev.PriorStatus != nil {
			from = *ev.PriorStatus
		}
		if i > 0 && from != prev {
			return false
		}
		if !CanTransition(from, ev.NewStatus) {
			return false
		}
		prev = ev.NewStatus
	}
	return true
}
