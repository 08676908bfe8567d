package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-dispatch-engine/internal/breaker"
	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/models"
	"task-dispatch-engine/internal/tasks"
)

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"migrate", "replay", "purge", "stats"}, names)
}

func TestPurgeRetention(t *testing.T) {
	cfg := config.Config{OutboxRetention: time.Hour, EventRetention: 2 * time.Hour, TaskArchiveAfter: 3 * time.Hour}

	r, err := purgeFlags{}.retention(cfg)
	require.NoError(t, err)
	assert.Equal(t, tasks.Retention{Outbox: time.Hour, Events: 2 * time.Hour, ArchiveAfter: 3 * time.Hour}, r)

	r, err = purgeFlags{events: time.Minute, skip: []string{"archive"}}.retention(cfg)
	require.NoError(t, err)
	assert.Equal(t, tasks.Retention{Outbox: time.Hour, Events: time.Minute}, r)

	_, err = purgeFlags{skip: []string{"tasks"}}.retention(cfg)
	assert.Error(t, err)
}

func TestPurgeRejectsUnknownStepBeforeConnecting(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"purge", "--skip", "everything"})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown purge step")
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, tasks.Stats{
		OutboxBacklog:   3,
		OutboxOldestAge: 2 * time.Second,
		QueueDepths:     map[string]int64{"default": 4, "inflight": 1},
		DeadLetters:     map[string]int64{models.DeadLetterTransient: 2, models.DeadLetterPermanent: 0},
		Transitions: []models.TransitionCount{
			{To: models.StatusSubmitted, Count: 5},
			{From: models.StatusSubmitted, To: models.StatusQueued, Count: 4},
		},
		Breaker: &breaker.Snapshot{Name: "external-call", State: breaker.StateOpen, Requests: 10, Failures: 6, FailureRatio: 0.6},
	})
	out := buf.String()
	assert.Contains(t, out, "outbox backlog:     3 (oldest 2s)")
	assert.Contains(t, out, "default")
	assert.Contains(t, out, "transient")
	assert.Contains(t, out, "breaker external-call: open (6/10 failed, ratio 0.60)")
	assert.Contains(t, out, "- -> SUBMITTED: 5")
	assert.Contains(t, out, "SUBMITTED -> QUEUED: 4")
}
