package redis

import (
	"context"
	"fmt"

	"github.com/Wyydra/chatfusion/internal/config"
	"github.com/redis/go-redis/v9"
)

// Dial connects to Redis and verifies the connection with a ping. Commands
// honour context deadlines.
func Dial(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		ContextTimeoutEnabled: true,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
