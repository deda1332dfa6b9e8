package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConnector stores values in Redis
type RedisConnector struct {
	client *redis.Client
}

// NewRedisConnector connects using a redis:// URL
func NewRedisConnector(ctx context.Context, url string) (*RedisConnector, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisConnector{client: client}, nil
}

// Get implements Connector
func (r *RedisConnector) Get(ctx context.Context, index, partitionKey, rangeKey string) ([]byte, error) {
	value, err := r.client.Get(ctx, compositeKey(partitionKey, rangeKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set implements Connector
func (r *RedisConnector) Set(ctx context.Context, partitionKey, rangeKey string, value []byte, ttl *time.Duration) error {
	var expiration time.Duration
	if ttl != nil {
		expiration = *ttl
	}
	return r.client.Set(ctx, compositeKey(partitionKey, rangeKey), value, expiration).Err()
}

// Close implements Connector
func (r *RedisConnector) Close() error {
	return r.client.Close()
}
