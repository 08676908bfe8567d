// Package breaker implements a circuit breaker whose state lives in Redis so
// every worker process observes the same CLOSED / OPEN / HALF_OPEN view of
// a dependency. Each Allow and Record call runs as one Lua script, which
// makes every state transition an atomic compare-and-swap on the hash.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/failure"
)

// State is the breaker position shared by the fleet.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Gauge maps a state onto the value exported as tasks_breaker_state.
func (s State) Gauge() float64 {
	switch s {
	case StateOpen:
		return 2
	case StateHalfOpen:
		return 1
	}
	return 0
}

// Settings tunes the breaker.
type Settings struct {
	// Window is the rolling period over which failures are counted.
	Window time.Duration
	// FailureRatio trips the breaker once reached with at least MinRequests samples.
	FailureRatio float64
	MinRequests  int
	// Cooldown is how long the breaker stays OPEN before probing.
	Cooldown time.Duration
	// HalfOpenProbes is how many calls are admitted while HALF_OPEN.
	HalfOpenProbes int
	// OnStateChange is called by the process whose call caused a transition.
	OnStateChange func(name string, from, to State)
}

// SettingsFromConfig maps environment configuration onto Settings.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		Window:         cfg.BreakerWindow,
		FailureRatio:   cfg.BreakerFailureRatio,
		MinRequests:    cfg.BreakerMinRequests,
		Cooldown:       cfg.BreakerCooldown,
		HalfOpenProbes: cfg.BreakerHalfOpenProbes,
	}
}

// Snapshot is a point-in-time read of the shared state.
type Snapshot struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	Requests     int64     `json:"requests"`
	Failures     int64     `json:"failures"`
	FailureRatio float64   `json:"failure_ratio"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// Breaker guards calls to one named dependency.
type Breaker struct {
	client *redis.Client
	name   string
	key    string
	s      Settings
	logger *zap.Logger
	now    func() time.Time
}

// New returns a breaker named name backed by client.
func New(client *redis.Client, name string, s Settings, logger *zap.Logger) *Breaker {
	if s.Window <= 0 {
		s.Window = 30 * time.Second
	}
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		s.FailureRatio = 0.5
	}
	if s.MinRequests <= 0 {
		s.MinRequests = 10
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 15 * time.Second
	}
	if s.HalfOpenProbes <= 0 {
		s.HalfOpenProbes = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		client: client,
		name:   name,
		key:    "breaker:" + name,
		s:      s,
		logger: logger,
		now:    time.Now,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Allow admits or rejects one call. It returns failure.ErrBreakerOpen when
// the call must not be made.
func (b *Breaker) Allow(ctx context.Context) error {
	res, err := allowScript.Run(ctx, b.client, []string{b.key},
		b.now().UnixMilli(), b.s.Cooldown.Milliseconds(), b.s.HalfOpenProbes).Result()
	if err != nil {
		return failure.Transient(fmt.Errorf("breaker %s allow: %w", b.name, err))
	}
	allowed, from, to, err := parseResult(res)
	if err != nil {
		return failure.Transient(err)
	}
	b.notify(from, to)
	if !allowed {
		return failure.ErrBreakerOpen
	}
	return nil
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(ctx context.Context, success bool) error {
	ok := 0
	if success {
		ok = 1
	}
	res, err := recordScript.Run(ctx, b.client, []string{b.key},
		b.now().UnixMilli(), ok, b.s.Window.Milliseconds(), strconv.FormatFloat(b.s.FailureRatio, 'f', -1, 64),
		b.s.MinRequests, b.s.HalfOpenProbes).Result()
	if err != nil {
		return fmt.Errorf("breaker %s record: %w", b.name, err)
	}
	_, from, to, err := parseResult(res)
	if err != nil {
		return err
	}
	b.notify(from, to)
	return nil
}

// Execute runs fn if the breaker admits it and records the outcome.
// Permanent failures are the caller's fault and count as healthy responses.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	healthy := err == nil || failure.Classify(err) == failure.ClassPermanent
	if rerr := b.Record(ctx, healthy); rerr != nil {
		b.logger.Warn("breaker_record_failed", zap.String("breaker", b.name), zap.Error(rerr))
	}
	return err
}

// Snapshot reads the current shared state.
func (b *Breaker) Snapshot(ctx context.Context) (Snapshot, error) {
	vals, err := b.client.HMGet(ctx, b.key, "state", "requests", "failures", "prev_requests", "prev_failures", "win_start", "opened_at").Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker %s snapshot: %w", b.name, err)
	}
	snap := Snapshot{Name: b.name, State: StateClosed}
	if s, ok := vals[0].(string); ok && s != "" {
		snap.State = State(s)
	}
	requests, failures := field(vals[1]), field(vals[2])
	prevReq, prevFail := field(vals[3]), field(vals[4])
	winStart := field(vals[5])
	if opened := field(vals[6]); opened > 0 {
		snap.OpenedAt = time.UnixMilli(opened)
	}

	// Weight the previous window by how much of it still overlaps the rolling period.
	weight := 1 - float64(b.now().UnixMilli()-winStart)/float64(b.s.Window.Milliseconds())
	if weight < 0 || winStart == 0 {
		weight = 0
	}
	total := float64(requests) + float64(prevReq)*weight
	failed := float64(failures) + float64(prevFail)*weight
	snap.Requests = int64(total)
	snap.Failures = int64(failed)
	if total > 0 {
		snap.FailureRatio = failed / total
	}
	return snap, nil
}

// Reset forces the breaker CLOSED with empty counters.
func (b *Breaker) Reset(ctx context.Context) error {
	prev, err := b.client.HGet(ctx, b.key, "state").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("breaker %s reset: %w", b.name, err)
	}
	if err := b.client.Del(ctx, b.key).Err(); err != nil {
		return fmt.Errorf("breaker %s reset: %w", b.name, err)
	}
	if prev != "" {
		b.notify(State(prev), StateClosed)
	}
	return nil
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	b.logger.Info("breaker_state_changed",
		zap.String("breaker", b.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if b.s.OnStateChange != nil {
		b.s.OnStateChange(b.name, from, to)
	}
}

func parseResult(res any) (bool, State, State, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return false, "", "", fmt.Errorf("unexpected breaker script reply: %v", res)
	}
	allowed, _ := arr[0].(int64)
	from, _ := arr[1].(string)
	to, _ := arr[2].(string)
	return allowed == 1, State(from), State(to), nil
}

func field(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(n)
}

// Both scripts reply {allowed, state_before, state_after}.
const scriptPrelude = `
local key = KEYS[1]
local function num(v)
  if v then return tonumber(v) or 0 end
  return 0
end
local data = redis.call('HMGET', key, 'state', 'opened_at', 'probes', 'probe_ok', 'half_open_at')
local state = data[1]
if not state then state = 'closed' end
local opened_at = num(data[2])
local probes = num(data[3])
local probe_ok = num(data[4])
local half_open_at = num(data[5])
`

var allowScript = redis.NewScript(scriptPrelude + `
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
local max_probes = tonumber(ARGV[3])

if state == 'closed' then
  return {1, 'closed', 'closed'}
end
if state == 'open' then
  if now - opened_at < cooldown then
    return {0, 'open', 'open'}
  end
  redis.call('HMSET', key, 'state', 'half_open', 'probes', 1, 'probe_ok', 0, 'half_open_at', now)
  return {1, 'open', 'half_open'}
end
-- half_open: probes that never report are written off after another cooldown.
if probes >= max_probes and now - half_open_at >= cooldown then
  redis.call('HMSET', key, 'probes', 1, 'probe_ok', 0, 'half_open_at', now)
  return {1, 'half_open', 'half_open'}
end
if probes < max_probes then
  redis.call('HMSET', key, 'probes', probes + 1)
  return {1, 'half_open', 'half_open'}
end
return {0, 'half_open', 'half_open'}
`)

var recordScript = redis.NewScript(scriptPrelude + `
local now = tonumber(ARGV[1])
local ok = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local ratio = tonumber(ARGV[4])
local min_requests = tonumber(ARGV[5])
local max_probes = tonumber(ARGV[6])

if state == 'open' then
  return {1, 'open', 'open'}
end

if state == 'half_open' then
  if ok == 0 then
    redis.call('HMSET', key, 'state', 'open', 'opened_at', now, 'probes', 0, 'probe_ok', 0)
    return {1, 'half_open', 'open'}
  end
  probe_ok = probe_ok + 1
  if probe_ok >= max_probes then
    redis.call('HMSET', key, 'state', 'closed', 'probes', 0, 'probe_ok', 0,
      'requests', 0, 'failures', 0, 'prev_requests', 0, 'prev_failures', 0, 'win_start', now)
    return {1, 'half_open', 'closed'}
  end
  redis.call('HMSET', key, 'probe_ok', probe_ok)
  return {1, 'half_open', 'half_open'}
end

local counts = redis.call('HMGET', key, 'requests', 'failures', 'prev_requests', 'prev_failures', 'win_start')
local requests = num(counts[1])
local failures = num(counts[2])
local prev_requests = num(counts[3])
local prev_failures = num(counts[4])
local win_start = num(counts[5])

if win_start == 0 then
  win_start = now
elseif now - win_start >= 2 * window then
  prev_requests, prev_failures = 0, 0
  requests, failures = 0, 0
  win_start = now
elseif now - win_start >= window then
  prev_requests, prev_failures = requests, failures
  requests, failures = 0, 0
  win_start = win_start + window
end

requests = requests + 1
if ok == 0 then failures = failures + 1 end

local weight = 1 - (now - win_start) / window
if weight < 0 then weight = 0 end
local total = requests + prev_requests * weight
local failed = failures + prev_failures * weight

if ok == 0 and total >= min_requests and failed / total >= ratio then
  redis.call('HMSET', key, 'state', 'open', 'opened_at', now, 'probes', 0, 'probe_ok', 0,
    'requests', 0, 'failures', 0, 'prev_requests', 0, 'prev_failures', 0, 'win_start', now)
  return {1, 'closed', 'open'}
end

redis.call('HMSET', key, 'requests', requests, 'failures', failures,
  'prev_requests', prev_requests, 'prev_failures', prev_failures, 'win_start', win_start)
return {1, 'closed', 'closed'}
`)
