package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sudo-init-do/settlement/internal/clock"
)

const redisPrefix = "idem:"

// The stored record is JSON; both scripts act only while it is in flight
// under the caller's token. Complete also writes over an expired key.
var (
	completeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, rec = pcall(cjson.decode, cur)
  if not ok or rec.token ~= ARGV[1] or rec.status ~= 'in_flight' then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1`)

	releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local ok, rec = pcall(cjson.decode, cur)
if ok and rec.token == ARGV[1] and rec.status == 'in_flight' then
  return redis.call('DEL', KEYS[1])
end
return 0`)
)

// RedisStore claims keys with SETNX; Redis expiry replaces explicit purging.
type RedisStore struct {
	client redis.Cmdable
	clock  clock.Clock
}

func NewRedisStore(client redis.Cmdable, clk clock.Clock) *RedisStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RedisStore{client: client, clock: clk}
}

func (s *RedisStore) Claim(ctx context.Context, key, token string, lease time.Duration) (*Record, bool, error) {
	now := s.clock.Now()
	claim, err := json.Marshal(Record{Key: key, Status: StatusInFlight, CreatedAt: now, ExpiresAt: now.Add(lease), Token: token})
	if err != nil {
		return nil, false, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := s.client.SetNX(ctx, redisPrefix+key, claim, lease).Result()
		if err != nil {
			return nil, false, fmt.Errorf("claim idempotency key: %w", err)
		}
		if ok {
			return nil, true, nil
		}

		raw, err := s.client.Get(ctx, redisPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("read idempotency key: %w", err)
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, false, fmt.Errorf("decode idempotency key %s: %w", key, err)
		}
		return &r, false, nil
	}
	return nil, false, fmt.Errorf("claim idempotency key %s: contended", key)
}

func (s *RedisStore) Complete(ctx context.Context, key, token string, result []byte, ttl time.Duration) error {
	now := s.clock.Now()
	r := Record{Key: key, Status: StatusCompleted, Result: result, CreatedAt: now, CompletedAt: &now, ExpiresAt: now.Add(ttl), Token: token}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	n, err := completeScript.Run(ctx, s.client, []string{redisPrefix + key}, token, b, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{redisPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
