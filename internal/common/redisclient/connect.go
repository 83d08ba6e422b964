package redisclient

import (
	"context"
	"fmt"
	"time"

	"ride-hail-tracking/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

func NewClient(host string, port int, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis_ping_failed", "Redis ping failed", "", "", err.Error())
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis_connected", "Connected to Redis successfully", "", "")
	return rdb, nil
}
