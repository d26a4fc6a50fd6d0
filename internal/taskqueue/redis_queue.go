package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// It uses a single sorted set with key:
//
//	<prefix>tasks
//
// Members are gob-encoded Task structs scored by NotBefore in Unix
// nanoseconds, so delayed retries become visible once their time has come.
type RedisQueue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "durable:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "durable:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		pollInterval: 20 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Enqueue adds a task scored by its NotBefore time.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	if t.ID == "" {
		// Members of a sorted set must be unique.
		t.ID = uuid.NewString()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(t.NotBefore.UnixNano()),
		Member: data,
	}).Err()
}

// popScript removes and returns the lowest scored member of KEYS[1] whose
// score is at most ARGV[1].
var popScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
	return false
end
redis.call('ZREM', KEYS[1], items[1])
return items[1]
`)

// Dequeue polls until an eligible task is available or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		now := strconv.FormatInt(time.Now().UnixNano(), 10)
		data, err := popScript.Run(ctx, q.client, []string{q.key}, now).Text()
		switch {
		case err == nil:
			return DecodeTask([]byte(data))
		case !errors.Is(err, redis.Nil):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		// For a Len() helper, it's better to log and return 0 than panic.
		slog.Warn("redis_queue_len_failed", "error", err)
		return 0
	}
	return int(n)
}
