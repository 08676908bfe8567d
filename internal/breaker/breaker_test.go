package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-dispatch-engine/internal/failure"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type transitions struct {
	mu   sync.Mutex
	seen []string
}

func (tr *transitions) record(_ string, from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.seen = append(tr.seen, string(from)+"->"+string(to))
}

func newTestBreaker(t *testing.T, client *redis.Client, clock *fakeClock, tr *transitions) *Breaker {
	t.Helper()
	s := Settings{
		Window:         time.Minute,
		FailureRatio:   0.5,
		MinRequests:    4,
		Cooldown:       10 * time.Second,
		HalfOpenProbes: 2,
	}
	if tr != nil {
		s.OnStateChange = tr.record
	}
	b := New(client, "scoring", s, nil)
	b.now = clock.Now
	return b
}

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func tripOpen(t *testing.T, b *Breaker) {
	t.Helper()
	ctx := context.Background()
	for _, ok := range []bool{true, true, false, false} {
		require.NoError(t, b.Allow(ctx))
		require.NoError(t, b.Record(ctx, ok))
	}
}

func TestBreakerTripsOnFailureRatio(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := &transitions{}
	b := newTestBreaker(t, newClient(t), clock, tr)

	require.NoError(t, b.Record(ctx, false))
	require.NoError(t, b.Record(ctx, false))
	require.NoError(t, b.Allow(ctx), "below min requests the breaker stays closed")

	require.NoError(t, b.Record(ctx, true))
	require.NoError(t, b.Record(ctx, false))

	err := b.Allow(ctx)
	require.ErrorIs(t, err, failure.ErrBreakerOpen)
	assert.Equal(t, []string{"closed->open"}, tr.seen)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, snap.State)
}

func TestBreakerHalfOpenProbesClose(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := &transitions{}
	b := newTestBreaker(t, newClient(t), clock, tr)
	tripOpen(t, b)

	clock.Advance(5 * time.Second)
	require.ErrorIs(t, b.Allow(ctx), failure.ErrBreakerOpen)

	clock.Advance(6 * time.Second)
	require.NoError(t, b.Allow(ctx))
	require.NoError(t, b.Allow(ctx))
	require.ErrorIs(t, b.Allow(ctx), failure.ErrBreakerOpen, "probe budget exhausted")

	require.NoError(t, b.Record(ctx, true))
	require.NoError(t, b.Record(ctx, true))

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, tr.seen)
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(t, newClient(t), clock, nil)
	tripOpen(t, b)

	clock.Advance(11 * time.Second)
	require.NoError(t, b.Allow(ctx))
	require.NoError(t, b.Record(ctx, false))

	require.ErrorIs(t, b.Allow(ctx), failure.ErrBreakerOpen)
	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, snap.State)
}

func TestBreakerStateIsSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	first := newTestBreaker(t, client, clock, nil)
	second := newTestBreaker(t, client, clock, nil)

	tripOpen(t, first)
	require.ErrorIs(t, second.Allow(ctx), failure.ErrBreakerOpen)

	require.NoError(t, second.Reset(ctx))
	require.NoError(t, first.Allow(ctx))
}

func TestBreakerWindowRollsOver(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(t, newClient(t), clock, nil)

	require.NoError(t, b.Record(ctx, false))
	require.NoError(t, b.Record(ctx, false))
	require.NoError(t, b.Record(ctx, false))

	// Two full windows later the old failures no longer count.
	clock.Advance(3 * time.Minute)
	require.NoError(t, b.Record(ctx, false))
	require.NoError(t, b.Allow(ctx))

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, int64(1), snap.Requests)
}

func TestExecuteIgnoresPermanentFailures(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(t, newClient(t), clock, nil)

	rejected := failure.Permanent(errors.New("422 unprocessable"))
	for i := 0; i < 6; i++ {
		err := b.Execute(ctx, func(context.Context) error { return rejected })
		require.ErrorIs(t, err, rejected)
	}
	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.Failures)

	down := errors.New("connection refused")
	for i := 0; i < 6; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return down })
	}
	err = b.Execute(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, failure.ErrBreakerOpen)
}
