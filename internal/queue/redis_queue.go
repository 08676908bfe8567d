package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/models"
)

// Delivery is one leased broker message. ID identifies the delivery, not
// the task: the same task may be announced by several deliveries.
type Delivery struct {
	ID    string
	Class string
	Body  []byte
}

// RedisQueue is the durable broker: one ready list per workload class, an
// in-flight lease set, a delayed set for nacked messages and two
// dead-letter lists.
type RedisQueue struct {
	client        *redis.Client
	classes       []string
	inflightKey   string
	delayedKey    string
	msgPrefix     string
	readyPrefix   string
	visibilityTTL time.Duration
	dlqKeys       map[string]string
}

// NewClient builds the Redis client shared by the broker, breaker and limiter.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a broker on client from config.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	classes := cfg.QueueClasses
	if len(classes) == 0 {
		classes = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	transient, permanent := cfg.DLQTransient, cfg.DLQPermanent
	if transient == "" {
		transient = "queue:dlq_transient"
	}
	if permanent == "" {
		permanent = "queue:dlq_permanent"
	}
	return &RedisQueue{
		client:        client,
		classes:       classes,
		inflightKey:   "queue:inflight",
		delayedKey:    "queue:delayed",
		msgPrefix:     "queue:msg:",
		readyPrefix:   "queue:ready:",
		visibilityTTL: visibility,
		dlqKeys: map[string]string{
			models.DeadLetterTransient: transient,
			models.DeadLetterPermanent: permanent,
		},
	}
}

func (q *RedisQueue) readyKey(class string) string {
	return q.readyPrefix + class
}

func (q *RedisQueue) msgKey(id string) string {
	return q.msgPrefix + id
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Publish stores body and appends it to the class ready list. A nil error
// is the broker acknowledgement.
func (q *RedisQueue) Publish(ctx context.Context, class string, body []byte) error {
	if class == "" {
		class = "default"
	}
	id := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.msgKey(id), "class", class, "body", body)
	pipe.RPush(ctx, q.readyKey(class), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Dequeue pops the next delivery across classes (configuration order) and
// leases it for the visibility timeout. It returns nil when every list is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	keys := make([]string, 0, len(q.classes)+1)
	for _, c := range q.classes {
		keys = append(keys, q.readyKey(c))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	fields, err := q.client.HMGet(ctx, q.msgKey(id), "class", "body").Result()
	if err != nil {
		return nil, err
	}
	d := &Delivery{ID: id}
	if s, ok := fields[0].(string); ok {
		d.Class = s
	}
	if s, ok := fields[1].(string); ok {
		d.Body = []byte(s)
	}
	if d.Body == nil {
		// Body vanished (acked by a racing holder of an expired lease).
		_ = q.client.ZRem(ctx, q.inflightKey, id).Err()
		return nil, nil
	}
	return d, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight delivery.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a delivery for good.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.msgKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Nack releases a delivery so it becomes visible again after delay.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, d.ID)
	if delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: d.ID})
	} else {
		pipe.RPush(ctx, q.readyKey(d.Class), d.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves due nacked deliveries back into their ready lists.
// It returns how many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.delayedKey, now, limit)
}

// RequeueExpired reclaims leases that timed out, making them visible again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

// moveDue runs in one script so an id is never out of both the source set
// and its ready list.
func (q *RedisQueue) moveDue(ctx context.Context, set string, now time.Time, limit int64) (int, error) {
	moved, err := moveDueScript.Run(ctx, q.client, []string{set},
		now.UnixMilli(), limit, q.msgPrefix, q.readyPrefix).Int()
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// DLQPush appends body to the dead-letter list of class (transient or permanent).
func (q *RedisQueue) DLQPush(ctx context.Context, class string, body []byte) error {
	key, ok := q.dlqKeys[class]
	if !ok {
		return fmt.Errorf("unknown dead-letter class %q", class)
	}
	return q.client.RPush(ctx, key, body).Err()
}

// DLQPeek reads up to count dead-lettered messages of class, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, class string, count int64) ([]models.Message, error) {
	key, ok := q.dlqKeys[class]
	if !ok {
		return nil, fmt.Errorf("unknown dead-letter class %q", class)
	}
	raw, err := q.client.LRange(ctx, key, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(raw))
	for _, r := range raw {
		msg, err := models.DecodeMessage([]byte(r))
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// DLQRemove drops every dead-letter message of class that announces one of
// taskIDs and returns how many were removed.
func (q *RedisQueue) DLQRemove(ctx context.Context, class string, taskIDs []string) (int, error) {
	key, ok := q.dlqKeys[class]
	if !ok {
		return 0, fmt.Errorf("unknown dead-letter class %q", class)
	}
	if len(taskIDs) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = struct{}{}
	}
	raw, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range raw {
		msg, err := models.DecodeMessage([]byte(r))
		if err != nil {
			continue
		}
		if _, ok := want[msg.TaskID]; !ok {
			continue
		}
		n, err := q.client.LRem(ctx, key, 1, r).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}

// Depths reports the length of every ready list, keyed by class, plus the
// in-flight, delayed and dead-letter counts.
func (q *RedisQueue) Depths(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(q.classes)+4)
	for _, c := range q.classes {
		cmds[c] = pipe.LLen(ctx, q.readyKey(c))
	}
	cmds["inflight"] = pipe.ZCard(ctx, q.inflightKey)
	cmds["delayed"] = pipe.ZCard(ctx, q.delayedKey)
	for class, key := range q.dlqKeys {
		cmds["dlq_"+class] = pipe.LLen(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(cmds))
	for name, c := range cmds {
		out[name] = c.Val()
	}
	return out, nil
}

// Classes returns the configured workload classes.
func (q *RedisQueue) Classes() []string {
	return append([]string(nil), q.classes...)
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)

// Ids whose body is gone were acked by a racing holder and are dropped.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local class = redis.call('HGET', ARGV[3] .. id, 'class')
  if class then
    redis.call('RPUSH', ARGV[4] .. class, id)
    moved = moved + 1
  end
end
return moved
`)
