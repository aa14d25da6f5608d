package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/virta/pkg/api"
)

// RedisQueue implements Queue on Redis. Per named queue it keeps:
//
//	<prefix>q:<queue>:sched  => ZSET of task IDs scored by visible-at millis
//	<prefix>q:<queue>:tasks  => HASH of task ID to JSON-encoded Task
//
// Leasing a task moves its score forward to the lease deadline, so an
// unacked task reappears automatically when the lease expires.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "virta:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "virta:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 25 * time.Millisecond,
	}
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) keySched(queue string) string {
	return q.prefix + "q:" + queue + ":sched"
}

func (q *RedisQueue) keyTasks(queue string) string {
	return q.prefix + "q:" + queue + ":tasks"
}

// KEYS[1] sched  KEYS[2] tasks  ARGV[1] id  ARGV[2] payload  ARGV[3] visibleAt millis
var enqueueScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	visibleAt := t.EnqueuedAt
	if !t.NotBefore.IsZero() {
		visibleAt = t.NotBefore
	}

	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return enqueueScript.Run(ctx, q.client,
		[]string{q.keySched(t.Queue), q.keyTasks(t.Queue)},
		t.ID, data, visibleAt.UnixMilli(),
	).Err()
}

// claimScript takes the most overdue eligible task and pushes its score to
// the lease deadline in the same step.
//
// KEYS[1] sched  KEYS[2] tasks  ARGV[1] now millis  ARGV[2] lease deadline millis
var claimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #ids == 0 then
	return false
end
redis.call("ZADD", KEYS[1], ARGV[2], ids[1])
return redis.call("HGET", KEYS[2], ids[1])
`)

func (q *RedisQueue) Poll(ctx context.Context, queue string, lease time.Duration) (*Task, error) {
	for {
		now := time.Now()
		res, err := claimScript.Run(ctx, q.client,
			[]string{q.keySched(queue), q.keyTasks(queue)},
			now.UnixMilli(), now.Add(lease).UnixMilli(),
		).Text()
		if err == nil {
			return DecodeTask([]byte(res))
		}
		if !errors.Is(err, redis.Nil) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) Ack(ctx context.Context, queue, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keySched(queue), id)
	pipe.HDel(ctx, q.keyTasks(queue), id)
	_, err := pipe.Exec(ctx)
	return err
}

// KEYS[1] sched  ARGV[1] id  ARGV[2] lease deadline millis
var extendScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1
`)

func (q *RedisQueue) Extend(ctx context.Context, queue, id string, lease time.Duration) error {
	ok, err := extendScript.Run(ctx, q.client,
		[]string{q.keySched(queue)},
		id, time.Now().Add(lease).UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return api.ErrTaskNotFound
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context, queue string) (int, error) {
	n, err := q.client.ZCard(ctx, q.keySched(queue)).Result()
	return int(n), err
}
