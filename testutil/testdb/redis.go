package testdb

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// TestRedis represents a test Redis instance
type TestRedis struct {
	Container *tcredis.RedisContainer
	Client    *goredis.Client
	Addr      string
}

// NewTestRedis starts a Redis container and connects a client to it
func NewTestRedis(ctx context.Context) (*TestRedis, error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	opts, err := goredis.ParseURL(connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &TestRedis{
		Container: container,
		Client:    client,
		Addr:      opts.Addr,
	}, nil
}

// Reset flushes all keys
func (r *TestRedis) Reset(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}

// Close closes the client and terminates the container
func (r *TestRedis) Close(ctx context.Context) error {
	if r.Client != nil {
		r.Client.Close()
	}
	if r.Container != nil {
		return r.Container.Terminate(ctx)
	}
	return nil
}
