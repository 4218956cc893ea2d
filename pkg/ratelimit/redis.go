package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lcanady/backr-sub001/pkg/models"
)

// Fixed window shared across replicas. The script only increments below
// the limit so a denied attempt never consumes quota.
var consumeScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if count >= limit then
  return {0, count, redis.call("PTTL", KEYS[1])}
end
count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, count, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter shares fixed-window counters across instances through
// Redis and falls back to the in-memory limiter when Redis is
// unreachable. Policies live locally; only counters are shared.
type RedisLimiter struct {
	Client   *redis.Client
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		Client:   client,
		Prefix:   "guard:rl:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(),
	}
}

func (l *RedisLimiter) Configure(op models.OperationID, limit int, window time.Duration) error {
	if err := l.Fallback.Configure(op, limit, window); err != nil {
		return err
	}
	if l.Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)
		defer cancel()
		// Reconfiguration resets the shared counter, same as in-memory.
		_ = l.Client.Del(ctx, l.Prefix+op.String()).Err()
	}
	return nil
}

func (l *RedisLimiter) Policy(op models.OperationID) (models.RateLimitPolicy, bool) {
	return l.Fallback.Policy(op)
}

func (l *RedisLimiter) CheckAndConsume(op models.OperationID, now time.Time) (Decision, error) {
	pol, ok := l.Fallback.Policy(op)
	if !ok {
		return Decision{Allowed: true}, nil
	}
	if l.Client == nil {
		return l.Fallback.CheckAndConsume(op, now)
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)
	defer cancel()
	res, err := consumeScript.Run(ctx, l.Client, []string{l.Prefix + op.String()},
		pol.Limit, pol.Window.Milliseconds()).Result()
	if err != nil {
		return l.Fallback.CheckAndConsume(op, now)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return l.Fallback.CheckAndConsume(op, now)
	}
	admitted, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	ttlMs, _ := vals[2].(int64)
	if ttlMs < 0 {
		ttlMs = pol.Window.Milliseconds()
	}
	d := Decision{
		Allowed: admitted == 1,
		Count:   int(count),
		Limit:   pol.Limit,
		ResetAt: now.Add(time.Duration(ttlMs) * time.Millisecond),
	}
	if d.Allowed {
		d.Remaining = pol.Limit - d.Count
		if d.Remaining < 0 {
			d.Remaining = 0
		}
		return d, nil
	}
	return d, ErrExceeded
}
