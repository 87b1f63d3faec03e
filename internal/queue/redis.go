package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Lists hold ids per tier and the members set makes enqueue idempotent.
// Both are touched only from Lua so a pop and its unmark are atomic.
var (
	enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

	dequeueScript = redis.NewScript(`
for i = 1, #KEYS - 1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('SREM', KEYS[#KEYS], id)
    return id
  end
end
return false
`)

	removeScript = redis.NewScript(`
if redis.call('SREM', KEYS[#KEYS], ARGV[1]) == 0 then
  return 0
end
for i = 1, #KEYS - 1 do
  redis.call('LREM', KEYS[i], 0, ARGV[1])
end
return 1
`)
)

// RedisQueue shares the queue between processes. The caller owns the client.
type RedisQueue struct {
	client redis.Cmdable
	prefix string
}

func NewRedisQueue(client redis.Cmdable, prefix string) *RedisQueue {
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) tierKey(t Tier) string { return q.prefix + "queue:" + t.String() }

func (q *RedisQueue) membersKey() string { return q.prefix + "queue:members" }

// allKeys returns tier lists in dequeue order followed by the members set.
func (q *RedisQueue) allKeys() []string {
	keys := make([]string, 0, len(Tiers)+1)
	for _, t := range Tiers {
		keys = append(keys, q.tierKey(t))
	}
	return append(keys, q.membersKey())
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, tier Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTier, tier)
	}
	if err := enqueueScript.Run(ctx, q.client, []string{q.tierKey(tier), q.membersKey()}, jobID).Err(); err != nil {
		return fmt.Errorf("queue/redis: enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, bool, error) {
	id, err := dequeueScript.Run(ctx, q.client, q.allKeys()).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("queue/redis: dequeue: %w", err)
	}
	return id, true, nil
}

func (q *RedisQueue) Size(ctx context.Context, tiers ...Tier) (int, error) {
	if len(tiers) == 0 {
		n, err := q.client.SCard(ctx, q.membersKey()).Result()
		if err != nil {
			return 0, fmt.Errorf("queue/redis: size: %w", err)
		}
		return int(n), nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(tiers))
	for _, t := range tiers {
		cmds = append(cmds, pipe.LLen(ctx, q.tierKey(t)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue/redis: size: %w", err)
	}
	total := 0
	for _, c := range cmds {
		total += int(c.Val())
	}
	return total, nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	if err := removeScript.Run(ctx, q.client, q.allKeys(), jobID).Err(); err != nil {
		return fmt.Errorf("queue/redis: remove: %w", err)
	}
	return nil
}
