package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/util"
)

const rateLimitKeyPrefix = "ratelimit:start:"

// KEYS[1] sorted set of hit timestamps (ms). ARGV: now ms, window ms, limit,
// member. Returns {allowed, hits in window, oldest hit ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local hits = redis.call('ZCARD', key)
local allowed = 0
if hits < limit then
    redis.call('ZADD', key, now, ARGV[4])
    redis.call('PEXPIRE', key, window)
    hits = hits + 1
    allowed = 1
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestAt = now
if #oldest >= 2 then
    oldestAt = tonumber(oldest[2])
end

return {allowed, hits, oldestAt}
`)

// RedisRateLimiter shares the window across server instances. It fails open
// when redis is unreachable.
type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (rl *RedisRateLimiter) Check(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt int64) {
	now := time.Now()
	fallback := now.Add(windowDuration).Unix()

	result, err := slidingWindowScript.Run(ctx, rl.client, []string{rateLimitKeyPrefix + key},
		now.UnixMilli(), windowDuration.Milliseconds(), limit, uuid.NewString()).Int64Slice()
	if err != nil {
		log.Warn().Err(err).Str("ownerKey", util.ShortKey(key)).Msg("redis rate limit check failed, allowing request")
		return true, limit - 1, fallback
	}
	if len(result) != 3 {
		log.Warn().Str("ownerKey", util.ShortKey(key)).Msg("unexpected redis rate limit result")
		return true, limit - 1, fallback
	}

	remaining = max(limit-int(result[1]), 0)
	resetAt = time.UnixMilli(result[2]).Add(windowDuration).Unix()
	return result[0] == 1, remaining, resetAt
}
