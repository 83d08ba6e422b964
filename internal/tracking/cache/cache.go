package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ride-hail-tracking/internal/common/model"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("no location cached for trip")

// putScript stores the sample only when its capture timestamp is strictly
// newer than the stored one. Runs atomically on the Redis side so two
// instances racing on the same trip cannot go backwards in time.
const putScript = `
local ts = redis.call('HGET', KEYS[1], 'ts')
if ts and tonumber(ts) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`

type RedisCmd interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// LocationCache keeps the last accepted sample per trip in Redis with a TTL
// refreshed on every accepted write. Expiry is passive: a read after the idle
// window simply misses.
type LocationCache struct {
	rdb RedisCmd
	ttl time.Duration
}

func NewLocationCache(rdb RedisCmd, ttl time.Duration) *LocationCache {
	return &LocationCache{rdb: rdb, ttl: ttl}
}

func cacheKey(tripID string) string {
	return fmt.Sprintf("trip:%s:last_location", tripID)
}

// Put stores the sample if it is fresher than the cached one and reports
// whether the write was accepted.
func (c *LocationCache) Put(ctx context.Context, sample model.LocationSample) (bool, error) {
	data, err := json.Marshal(sample)
	if err != nil {
		return false, fmt.Errorf("failed to marshal location sample: %w", err)
	}

	res, err := c.rdb.Eval(ctx, putScript,
		[]string{cacheKey(sample.TripID)},
		sample.CapturedAt.UnixMilli(),
		string(data),
		c.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("failed to store location sample: %w", err)
	}

	accepted, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type %T", res)
	}
	return accepted == 1, nil
}

func (c *LocationCache) Get(ctx context.Context, tripID string) (model.LocationSample, error) {
	raw, err := c.rdb.HGet(ctx, cacheKey(tripID), "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.LocationSample{}, ErrNotFound
		}
		return model.LocationSample{}, fmt.Errorf("failed to read location sample: %w", err)
	}

	var sample model.LocationSample
	if err := json.Unmarshal([]byte(raw), &sample); err != nil {
		return model.LocationSample{}, fmt.Errorf("failed to unmarshal location sample: %w", err)
	}
	return sample, nil
}

// Delete drops the cached sample, used when a trip completes.
func (c *LocationCache) Delete(ctx context.Context, tripID string) error {
	if err := c.rdb.Del(ctx, cacheKey(tripID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached location: %w", err)
	}
	return nil
}
