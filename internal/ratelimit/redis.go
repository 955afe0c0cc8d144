package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter and arms its expiry on the
// first hit, atomically.
//
// KEYS[1]: counter key
// ARGV[1]: window length in milliseconds
// ARGV[2]: limit
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
if count > tonumber(ARGV[2]) then
    return 0
end
return 1
`)

// RedisFixedWindow shares a fixed-window limit across server instances.
// When Redis is unreachable it fails open and logs.
type RedisFixedWindow struct {
	client  redis.UniversalClient
	prefix  string
	limit   int
	window  time.Duration
	timeout time.Duration
}

// NewRedisFixedWindow creates a limiter whose keys live under prefix.
func NewRedisFixedWindow(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisFixedWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisFixedWindow{
		client:  client,
		prefix:  prefix,
		limit:   limit,
		window:  window,
		timeout: 100 * time.Millisecond,
	}
}

// Allow counts one event for key in the current window.
func (r *RedisFixedWindow) Allow(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.prefix + ":" + key},
		r.window.Milliseconds(), r.limit).Int()
	if err != nil {
		log.Printf("⚠️ Redis rate limiter unavailable, allowing %s: %v", key, err)
		return true
	}
	return res == 1
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
