package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ride-hail-tracking/internal/common/model"

	"github.com/redis/go-redis/v9"
)

type RedisCmd interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// SubscriptionRegistry tracks which connections are watching which trips.
// State lives in Redis because the instance that ingests a sample is not
// necessarily the instance holding the subscriber's socket.
type SubscriptionRegistry struct {
	rdb RedisCmd
	ttl time.Duration
}

func NewSubscriptionRegistry(rdb RedisCmd, ttl time.Duration) *SubscriptionRegistry {
	return &SubscriptionRegistry{rdb: rdb, ttl: ttl}
}

func subsKey(tripID string) string {
	return fmt.Sprintf("trip:%s:subs", tripID)
}

func connKey(connectionID string) string {
	return fmt.Sprintf("conn:%s:trip", connectionID)
}

func activeKey(tripID string) string {
	return fmt.Sprintf("trip:%s:active", tripID)
}

func completedKey(tripID string) string {
	return fmt.Sprintf("trip:%s:completed", tripID)
}

func sosActiveKey(tripID string) string {
	return fmt.Sprintf("trip:%s:sos_active", tripID)
}

func member(connectionID, instanceID string) string {
	return connectionID + "@" + instanceID
}

func (r *SubscriptionRegistry) Add(ctx context.Context, tripID, connectionID, instanceID string) error {
	if err := r.rdb.SAdd(ctx, subsKey(tripID), member(connectionID, instanceID)).Err(); err != nil {
		return fmt.Errorf("failed to register subscription: %w", err)
	}
	// TTL refresh keeps entries from instances that died without cleanup
	// from living forever.
	r.rdb.Expire(ctx, subsKey(tripID), r.ttl)

	if err := r.rdb.Set(ctx, connKey(connectionID), tripID, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store connection index: %w", err)
	}
	return nil
}

func (r *SubscriptionRegistry) Remove(ctx context.Context, tripID, connectionID, instanceID string) error {
	if err := r.rdb.SRem(ctx, subsKey(tripID), member(connectionID, instanceID)).Err(); err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	r.rdb.Del(ctx, connKey(connectionID))
	return nil
}

func (r *SubscriptionRegistry) Members(ctx context.Context, tripID string) ([]model.Subscription, error) {
	raw, err := r.rdb.SMembers(ctx, subsKey(tripID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	subs := make([]model.Subscription, 0, len(raw))
	for _, m := range raw {
		parts := strings.SplitN(m, "@", 2)
		if len(parts) != 2 {
			continue
		}
		subs = append(subs, model.Subscription{
			TripID:       tripID,
			ConnectionID: parts[0],
			InstanceID:   parts[1],
		})
	}
	return subs, nil
}

// ClearTrip drops every subscription for a trip, used on trip completion.
func (r *SubscriptionRegistry) ClearTrip(ctx context.Context, tripID string) error {
	members, err := r.rdb.SMembers(ctx, subsKey(tripID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list subscriptions for cleanup: %w", err)
	}
	for _, m := range members {
		parts := strings.SplitN(m, "@", 2)
		if len(parts) == 2 {
			r.rdb.Del(ctx, connKey(parts[0]))
		}
	}
	if err := r.rdb.Del(ctx, subsKey(tripID)).Err(); err != nil {
		return fmt.Errorf("failed to clear trip subscriptions: %w", err)
	}
	return nil
}

// MarkStarted opens the tracking window for a trip.
func (r *SubscriptionRegistry) MarkStarted(ctx context.Context, tripID string) error {
	if err := r.rdb.Set(ctx, activeKey(tripID), "1", 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to mark trip active: %w", err)
	}
	return nil
}

func (r *SubscriptionRegistry) IsStarted(ctx context.Context, tripID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, activeKey(tripID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check trip active flag: %w", err)
	}
	return n > 0, nil
}

// MarkCompleted closes the subscription window and halts SOS eligibility.
func (r *SubscriptionRegistry) MarkCompleted(ctx context.Context, tripID string) error {
	if err := r.rdb.Set(ctx, completedKey(tripID), "1", 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to mark trip completed: %w", err)
	}
	r.rdb.Del(ctx, activeKey(tripID))
	return nil
}

func (r *SubscriptionRegistry) IsCompleted(ctx context.Context, tripID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, completedKey(tripID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check trip completion: %w", err)
	}
	return n > 0, nil
}

func (r *SubscriptionRegistry) MarkSOSActive(ctx context.Context, tripID string) error {
	if err := r.rdb.Set(ctx, sosActiveKey(tripID), "1", 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to mark trip sos-active: %w", err)
	}
	return nil
}

func (r *SubscriptionRegistry) IsSOSActive(ctx context.Context, tripID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, sosActiveKey(tripID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check sos-active flag: %w", err)
	}
	return n > 0, nil
}

func (r *SubscriptionRegistry) ClearSOSActive(ctx context.Context, tripID string) error {
	if err := r.rdb.Del(ctx, sosActiveKey(tripID)).Err(); err != nil {
		return fmt.Errorf("failed to clear sos-active flag: %w", err)
	}
	return nil
}
