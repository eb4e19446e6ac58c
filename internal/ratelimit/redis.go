package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow increments a counter, starting its expiry on the first hit of a
// window, and returns the new count with the remaining TTL in milliseconds.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// peekWindow returns the current count and remaining TTL in milliseconds,
// or {0, 0} when the window has ended.
var peekWindow = redis.NewScript(`
local n = redis.call("GET", KEYS[1])
if not n then
  return {0, 0}
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = 0
end
return {tonumber(n), ttl}
`)

// RedisCounter is a Counter shared by every instance pointed at the same
// Redis. Window expiry is handled by Redis key TTLs.
type RedisCounter struct {
	client redis.Scripter
	prefix string
}

// NewRedisCounter wraps client. Keys are stored under prefix.
func NewRedisCounter(client redis.Scripter, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

// DialRedis parses a redis:// URL, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Increment implements Counter.
func (c *RedisCounter) Increment(ctx context.Context, key string, period time.Duration, now time.Time) (int64, time.Time, error) {
	ms := period.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	res, err := incrWindow.Run(ctx, c.client, []string{c.prefix + key}, ms).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis increment: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis increment: unexpected reply %v", res)
	}
	return res[0], now.Add(time.Duration(res[1]) * time.Millisecond), nil
}

// Peek implements Counter.
func (c *RedisCounter) Peek(ctx context.Context, key string, now time.Time) (int64, time.Time, error) {
	res, err := peekWindow.Run(ctx, c.client, []string{c.prefix + key}).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis peek: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis peek: unexpected reply %v", res)
	}
	if res[0] == 0 {
		return 0, time.Time{}, nil
	}
	return res[0], now.Add(time.Duration(res[1]) * time.Millisecond), nil
}
