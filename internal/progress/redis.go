package progress

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes events with Redis PUBLISH.
type RedisTransport struct {
	client redis.UniversalClient
}

// NewRedisTransport connects using a redis:// or rediss:// URL.
func NewRedisTransport(ctx context.Context, url string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisTransport{client: client}, nil
}

// NewRedisTransportFromClient wraps an existing client.
func NewRedisTransportFromClient(client redis.UniversalClient) *RedisTransport {
	return &RedisTransport{client: client}
}

// Name implements Transport.
func (t *RedisTransport) Name() string {
	return "redis"
}

// Publish implements Transport. Delivery is at-most-once; subscriber count is ignored.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Close closes the client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}
