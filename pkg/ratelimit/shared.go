package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// SharedWindow is a sliding window shared by every process using the same key.
// Reserve records one request and returns zero when the window admits it, or returns how
// long to wait before asking again.
type SharedWindow interface {
	Reserve(ctx context.Context, key string, limit int, window time.Duration) (time.Duration, error)
}

// slidingWindowScript keeps one sorted-set member per admitted request, scored by its
// timestamp in milliseconds.
//
// KEYS[1]: window key
// ARGV[1]: now (ms)
// ARGV[2]: window (ms)
// ARGV[3]: limit
// ARGV[4]: unique member for this request
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)
	if count < limit then
		redis.call('ZADD', key, now, ARGV[4])
		redis.call('PEXPIRE', key, window)
		return 0
	end

	local oldest = redis.call('ZRANGE', key, count - limit, count - limit, 'WITHSCORES')
	local wait = tonumber(oldest[2]) + window - now
	if wait < 1 then
		wait = 1
	end
	return wait
`)

// RedisWindow implements SharedWindow with a Lua script so that the check and the insert
// are atomic across processes.
type RedisWindow struct {
	rdb redis.UniversalClient
}

// NewRedisWindow returns a SharedWindow backed by rdb.
func NewRedisWindow(rdb redis.UniversalClient) *RedisWindow {
	return &RedisWindow{rdb: rdb}
}

// Reserve implements SharedWindow.
func (w *RedisWindow) Reserve(ctx context.Context, key string, limit int, window time.Duration) (time.Duration, error) {
	res, err := slidingWindowScript.Run(ctx, w.rdb,
		[]string{key},
		time.Now().UnixMilli(),
		window.Milliseconds(),
		limit,
		uuid.NewString(),
	).Int64()
	if err != nil {
		return 0, errors.Wrapf(err, "reserving %s", key)
	}
	return time.Duration(res) * time.Millisecond, nil
}
