// Package ratelimit implements a distributed token-bucket limiter for
// shortening requests. Buckets live in Redis so all instances draw from the
// same budget.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Defaults for the shortening rate limit.
const (
	DefaultCapacity       = 10
	DefaultRefillTokens   = 10
	DefaultRefillInterval = time.Minute
	DefaultBucketTTL      = 10 * time.Minute
)

const (
	userKeyPrefix = "rate-limit:user:"
	anonymousKey  = "rate-limit:anonymous"
)

// Config holds the token bucket parameters.
type Config struct {
	// Enabled turns the limiter on. When false, Allow always grants.
	Enabled bool

	// Capacity is the burst size of each bucket.
	Capacity int

	// RefillTokens are added to the bucket every RefillInterval, capped at
	// Capacity. Refill happens in whole intervals, not continuously.
	RefillTokens   int
	RefillInterval time.Duration

	// BucketTTL expires idle buckets so Redis does not accumulate one key
	// per user forever.
	BucketTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}

	if c.RefillTokens <= 0 {
		c.RefillTokens = DefaultRefillTokens
	}

	if c.RefillInterval <= 0 {
		c.RefillInterval = DefaultRefillInterval
	}

	if c.BucketTTL <= 0 {
		c.BucketTTL = DefaultBucketTTL
	}

	return c
}

// The bucket is a Redis hash of (tokens, refilled_at). Refill credits whole
// elapsed intervals before the take so a drained bucket recovers its full
// refill amount at once.
//
//nolint:gochecknoglobals
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_tokens = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local tokens = capacity
local refilled_at = now_ms

local state = redis.call('HMGET', KEYS[1], 'tokens', 'refilled_at')
if state[1] then
  tokens = tonumber(state[1])
  refilled_at = tonumber(state[2])

  local periods = math.floor((now_ms - refilled_at) / interval_ms)
  if periods > 0 then
    tokens = math.min(capacity, tokens + periods * refill_tokens)
    refilled_at = refilled_at + periods * interval_ms
  end
end

local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'refilled_at', refilled_at)
redis.call('PEXPIRE', KEYS[1], ttl_ms)

return allowed
`)

// Limiter grants or refuses shortening requests.
type Limiter struct {
	client *redis.Client
	cfg    Config
}

// New creates a Limiter on top of an existing Redis client.
func New(client *redis.Client, cfg Config) *Limiter {
	return &Limiter{client: client, cfg: cfg.withDefaults()}
}

// Allow takes one token from the caller's bucket. principal is the
// authenticated user id; anonymous callers (empty principal) share one
// bucket. Redis failures grant the request so an unhealthy Redis never
// blocks shortening.
func (l *Limiter) Allow(ctx context.Context, principal string) bool {
	if !l.cfg.Enabled {
		return true
	}

	key := anonymousKey

	principalType := "anonymous"
	if principal != "" {
		key = userKeyPrefix + principal
		principalType = "user"
	}

	allowed, err := takeScript.Run(ctx, l.client, []string{key},
		l.cfg.Capacity,
		l.cfg.RefillTokens,
		l.cfg.RefillInterval.Milliseconds(),
		time.Now().UnixMilli(),
		l.cfg.BucketTTL.Milliseconds(),
	).Int()
	if err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("principal", principalType).
			Msg("rate limiter unavailable, granting the request")

		return true
	}

	if allowed != 1 {
		recordExceeded(ctx, principalType)

		return false
	}

	return true
}
