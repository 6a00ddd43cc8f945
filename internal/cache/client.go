package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dialTimeout = 5 * time.Second

// Open connects the snapshot store to Redis and verifies the server is
// reachable before the engine starts leaning on warm starts.
func Open(redisURL string) (*Snapshots, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping snapshot store: %w", err)
	}
	return NewSnapshots(client), nil
}

// Close releases the underlying Redis connection.
func (s *Snapshots) Close() error {
	return s.client.Close()
}
