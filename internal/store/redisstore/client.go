package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Connect 建立 Redis 连接并用一次 PING 验证可达。
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
