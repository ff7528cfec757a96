package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/fault"

	"github.com/redis/go-redis/v9"
)

// incrScript bumps the current bucket, arms its expiry on first hit and reads
// the previous bucket in one round trip.
var incrScript = redis.NewScript(`
local cur = redis.call('INCR', KEYS[1])
if cur == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
return {cur, prev}
`)

var violationScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisStore keeps counters in Redis so every replica shares one budget.
// Keys for one identity share a hash tag and land in the same cluster slot.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client; prefix namespaces every key (default "rl").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key, suffix string) string {
	return fmt.Sprintf("%s:{%s}:%s", s.prefix, key, suffix)
}

func (s *RedisStore) bucket(key string, bucket int64) string {
	return s.key(key, strconv.FormatInt(bucket, 10))
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key string, bucket int64, window time.Duration) (Counts, error) {
	vals, err := incrScript.Run(ctx, s.client,
		[]string{s.bucket(key, bucket), s.bucket(key, bucket-1)},
		(2 * window).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Counts{}, fault.Unavailable("ratelimit.redis.incr", err)
	}
	if len(vals) != 2 {
		return Counts{}, fault.Unavailable("ratelimit.redis.incr", fmt.Errorf("unexpected reply length %d", len(vals)))
	}
	return Counts{Current: vals[0], Previous: vals[1]}, nil
}

// Peek implements Store.
func (s *RedisStore) Peek(ctx context.Context, key string, bucket int64) (Counts, error) {
	vals, err := s.client.MGet(ctx, s.bucket(key, bucket), s.bucket(key, bucket-1)).Result()
	if err != nil {
		return Counts{}, fault.Unavailable("ratelimit.redis.peek", err)
	}
	return Counts{Current: parseCount(vals[0]), Previous: parseCount(vals[1])}, nil
}

func parseCount(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// AddViolation implements Store.
func (s *RedisStore) AddViolation(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := violationScript.Run(ctx, s.client, []string{s.key(key, "viol")}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fault.Unavailable("ratelimit.redis.violation", err)
	}
	return n, nil
}

// Block implements Store.
func (s *RedisStore) Block(ctx context.Context, key string, until time.Time, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key, "block"), until.UnixMilli(), ttl).Err(); err != nil {
		return fault.Unavailable("ratelimit.redis.block", err)
	}
	return nil
}

// BlockedUntil implements Store.
func (s *RedisStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	ms, err := s.client.Get(ctx, s.key(key, "block")).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fault.Unavailable("ratelimit.redis.blocked_until", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Ping reports whether Redis is reachable; used by readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fault.Unavailable("ratelimit.redis.ping", err)
	}
	return nil
}
